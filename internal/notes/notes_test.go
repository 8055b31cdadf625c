package notes_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ebolton/maildepot/internal/dberr"
	"github.com/ebolton/maildepot/internal/notes"
	"github.com/ebolton/maildepot/internal/testutil"
)

func setupStore(t *testing.T) *notes.Store {
	t.Helper()
	c := testutil.NewTestConn(t)
	return notes.New(testutil.Share(t, c, "notes"))
}

func insertNode(t *testing.T, st *notes.Store, n *notes.Node) *notes.Node {
	t.Helper()
	if n.Section == "" {
		n.Section = "notes"
	}
	if n.Type == "" {
		n.Type = notes.TypeEntry
	}
	testutil.MustNoErr(t, st.Insert(context.Background(), n), "insert node "+n.Title)
	return n
}

func childOf(id string) sql.NullString {
	return sql.NullString{String: id, Valid: true}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	task := insertNode(t, st, &notes.Node{
		Section:    "tasks",
		Type:       notes.TypeTask,
		Title:      "ship release",
		Content:    "cut the tag",
		Tags:       []string{"release", "urgent"},
		TaskStatus: "open",
		Progress:   40,
		AssignedTo: "sam",
	})
	if task.ID == "" {
		t.Fatal("insert should assign an id")
	}
	if task.Revision != 1 {
		t.Errorf("revision = %d, want 1", task.Revision)
	}

	got, err := st.Get(ctx, task.ID)
	testutil.MustNoErr(t, err, "get")
	if got == nil {
		t.Fatal("node should exist")
	}
	if got.Type != notes.TypeTask || got.Progress != 40 || got.AssignedTo != "sam" {
		t.Errorf("got %+v, want the task fields back", got)
	}
	if diff := cmp.Diff([]string{"release", "urgent"}, got.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	missing, err := st.Get(ctx, "no-such-node")
	testutil.MustNoErr(t, err, "get missing")
	if missing != nil {
		t.Errorf("got %+v, want nil", missing)
	}
}

func TestInsertUnknownParentRefused(t *testing.T) {
	st := setupStore(t)

	err := st.Insert(context.Background(), &notes.Node{
		Section:  "notes",
		Type:     notes.TypeEntry,
		Title:    "orphan",
		ParentID: childOf("no-such-parent"),
	})
	if !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCrossSectionParentRefused(t *testing.T) {
	st := setupStore(t)

	parent := insertNode(t, st, &notes.Node{Section: "notes", Type: notes.TypeFolder, Title: "folder"})

	err := st.Insert(context.Background(), &notes.Node{
		Section:  "tasks",
		Type:     notes.TypeTask,
		Title:    "misfiled",
		ParentID: childOf(parent.ID),
	})
	if !errors.Is(err, dberr.ErrInvalidData) {
		t.Errorf("got %v, want ErrInvalidData", err)
	}
}

func TestUpdateBumpsRevision(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	n := insertNode(t, st, &notes.Node{Title: "draft"})
	n.Title = "final"
	testutil.MustNoErr(t, st.Update(ctx, n), "update")

	got, err := st.Get(ctx, n.ID)
	testutil.MustNoErr(t, err, "get")
	if got.Title != "final" {
		t.Errorf("title = %q, want final", got.Title)
	}
	if got.Revision != 2 {
		t.Errorf("revision = %d, want 2", got.Revision)
	}

	if err := st.Update(ctx, &notes.Node{ID: "missing", Section: "notes", Type: notes.TypeEntry}); !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("update missing: got %v, want ErrNotFound", err)
	}
}

func TestDeleteCascadesToDescendants(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	root := insertNode(t, st, &notes.Node{Type: notes.TypeFolder, Title: "root"})
	child := insertNode(t, st, &notes.Node{Type: notes.TypeFolder, Title: "child", ParentID: childOf(root.ID)})
	grandchild := insertNode(t, st, &notes.Node{Title: "leaf", ParentID: childOf(child.ID)})
	survivor := insertNode(t, st, &notes.Node{Title: "unrelated"})

	testutil.MustNoErr(t, st.Delete(ctx, root.ID), "delete root")

	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		got, err := st.Get(ctx, id)
		testutil.MustNoErr(t, err, "get")
		if got != nil {
			t.Errorf("node %s should be gone", id)
		}
	}
	got, err := st.Get(ctx, survivor.ID)
	testutil.MustNoErr(t, err, "get survivor")
	if got == nil {
		t.Error("unrelated node should survive")
	}

	if err := st.Delete(ctx, root.ID); !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

// flatten projects a tree into path-prefixed titles for comparison.
func flatten(nodes []*notes.TreeNode) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Title)
		for _, childTitle := range flatten(n.Children) {
			out = append(out, n.Title+"/"+childTitle)
		}
	}
	return out
}

func TestTreeStructureAndOrdering(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	root := insertNode(t, st, &notes.Node{Type: notes.TypeFolder, Title: "projects", SortOrder: 0})
	insertNode(t, st, &notes.Node{Title: "beta", ParentID: childOf(root.ID), SortOrder: 2})
	insertNode(t, st, &notes.Node{Title: "alpha", ParentID: childOf(root.ID), SortOrder: 1})
	insertNode(t, st, &notes.Node{Title: "zeta", ParentID: childOf(root.ID), SortOrder: 1})
	insertNode(t, st, &notes.Node{Title: "inbox", SortOrder: -1})

	tree, err := st.Tree(ctx, "notes")
	testutil.MustNoErr(t, err, "tree")

	want := []string{
		"inbox",
		"projects",
		"projects/alpha",
		"projects/zeta",
		"projects/beta",
	}
	if diff := cmp.Diff(want, flatten(tree)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestMoveReparents(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	a := insertNode(t, st, &notes.Node{Type: notes.TypeFolder, Title: "a"})
	b := insertNode(t, st, &notes.Node{Type: notes.TypeFolder, Title: "b"})
	leaf := insertNode(t, st, &notes.Node{Title: "leaf", ParentID: childOf(a.ID)})

	order := int64(5)
	testutil.MustNoErr(t, st.Move(ctx, leaf.ID, childOf(b.ID), &order), "move")

	got, err := st.Get(ctx, leaf.ID)
	testutil.MustNoErr(t, err, "get")
	if got.ParentID.String != b.ID {
		t.Errorf("parent = %q, want %q", got.ParentID.String, b.ID)
	}
	if got.SortOrder != 5 {
		t.Errorf("sort order = %d, want 5", got.SortOrder)
	}

	// Moving to a root position clears the parent.
	testutil.MustNoErr(t, st.Move(ctx, leaf.ID, sql.NullString{}, nil), "move to root")
	got, err = st.Get(ctx, leaf.ID)
	testutil.MustNoErr(t, err, "get after root move")
	if got.ParentID.Valid {
		t.Errorf("parent = %+v, want none", got.ParentID)
	}

	if err := st.Move(ctx, "missing", childOf(b.ID), nil); !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("move missing: got %v, want ErrNotFound", err)
	}

	other := insertNode(t, st, &notes.Node{Section: "tasks", Type: notes.TypeFolder, Title: "tasks-root"})
	if err := st.Move(ctx, leaf.ID, childOf(other.ID), nil); !errors.Is(err, dberr.ErrInvalidData) {
		t.Errorf("cross-section move: got %v, want ErrInvalidData", err)
	}
}

func TestContactRefsReplaceSet(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	n := insertNode(t, st, &notes.Node{Title: "meeting"})

	testutil.MustNoErr(t, st.SetContactRefs(ctx, n.ID, []string{"c2", "c1"}), "set refs")
	testutil.MustNoErr(t, st.SetContactRefs(ctx, n.ID, []string{"c3", "c1"}), "replace refs")

	refs, err := st.ContactRefs(ctx, n.ID)
	testutil.MustNoErr(t, err, "list refs")
	if diff := cmp.Diff([]string{"c1", "c3"}, refs); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
}
