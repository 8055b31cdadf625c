package folders_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
	"github.com/ebolton/maildepot/internal/folders"
	"github.com/ebolton/maildepot/internal/testutil"
)

func setupStores(t *testing.T) (*folders.AccountStore, *folders.FolderStore, *conn.Conn) {
	t.Helper()
	c := testutil.NewTestConn(t)
	return folders.NewAccountStore(testutil.Share(t, c, "accounts")),
		folders.NewFolderStore(testutil.Share(t, c, "folders")),
		c
}

func createAccount(t *testing.T, accounts *folders.AccountStore) *folders.Account {
	t.Helper()
	acct := &folders.Account{
		DisplayName: "Test",
		Email:       "test@example.com",
		IMAPHost:    "imap.example.com",
		SMTPHost:    "smtp.example.com",
	}
	testutil.MustNoErr(t, accounts.Insert(context.Background(), acct), "insert account")
	return acct
}

func TestAccountRoundTrip(t *testing.T) {
	accounts, _, _ := setupStores(t)
	ctx := context.Background()

	acct := createAccount(t, accounts)
	if acct.ID == "" {
		t.Fatal("insert should assign an id")
	}

	got, err := accounts.Get(ctx, acct.ID)
	testutil.MustNoErr(t, err, "get")
	if got == nil || got.Email != "test@example.com" {
		t.Fatalf("got %+v, want the inserted account", got)
	}

	got.DisplayName = "Renamed"
	testutil.MustNoErr(t, accounts.Update(ctx, got), "update")
	got, err = accounts.Get(ctx, acct.ID)
	testutil.MustNoErr(t, err, "get after update")
	if got.DisplayName != "Renamed" {
		t.Errorf("display name = %q, want Renamed", got.DisplayName)
	}

	missing, err := accounts.Get(ctx, "no-such-id")
	testutil.MustNoErr(t, err, "get missing")
	if missing != nil {
		t.Errorf("got %+v, want nil for a missing account", missing)
	}

	if err := accounts.Update(ctx, &folders.Account{ID: "no-such-id"}); !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("update missing: got %v, want ErrNotFound", err)
	}
}

func TestAccountDeleteCascades(t *testing.T) {
	accounts, fstore, c := setupStores(t)
	seed := testutil.Share(t, c, "seed")
	ctx := context.Background()

	acct := createAccount(t, accounts)
	testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
		AccountID: acct.ID, Name: "INBOX",
	}), "upsert folder")

	// Hang one row of every message-owned kind off the account.
	stmts := []string{
		`INSERT INTO message_headers (account_id, folder, uid, sender, subject, flags)
		 VALUES (?, 'INBOX', 1, 's', 'subj', '[]')`,
		`INSERT INTO message_bodies (account_id, folder, uid, body_text, content_type, charset,
		 transfer_encoding, is_multipart, size, processed_at)
		 VALUES (?, 'INBOX', 1, 't', '', '', '', 0, 1, datetime('now'))`,
		`INSERT INTO mime_parts (account_id, folder, uid, part_id, media_type, disposition,
		 filename, content_filename, size, encoding, is_body_candidate)
		 VALUES (?, 'INBOX', 1, '1', 'text/plain', '', '', '', 1, '', 1)`,
		`INSERT INTO render_cache (account_id, folder, uid, html, plain_text, generator_version, rendered_at)
		 VALUES (?, 'INBOX', 1, '<p>x</p>', 'x', 2, datetime('now'))`,
		`INSERT INTO attachments (account_id, folder, uid, part_id, filename, mime_type, size, checksum, download_status)
		 VALUES (?, 'INBOX', 1, '1.2', 'a.bin', '', 1, '', 'complete')`,
		`INSERT INTO outbox (id, account_id, status, attempts, last_error, from_addr, to_addrs,
		 cc_addrs, bcc_addrs, subject, created_at)
		 VALUES ('o1', ?, 'pending', 0, '', 'f', '[]', '[]', '[]', 's', datetime('now'))`,
	}
	for _, stmt := range stmts {
		_, err := seed.Exec(ctx, stmt, acct.ID)
		testutil.MustNoErr(t, err, "seed child row")
	}

	testutil.MustNoErr(t, accounts.Delete(ctx, acct.ID), "delete account")

	tables := []string{
		"accounts", "folders", "message_headers", "message_bodies",
		"mime_parts", "render_cache", "attachments", "outbox",
	}
	for _, table := range tables {
		if got := testutil.CountRows(t, seed, table); got != 0 {
			t.Errorf("%s rows = %d, want 0 after account delete", table, got)
		}
	}

	if err := accounts.Delete(ctx, acct.ID); !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestFolderUpsertAndList(t *testing.T) {
	accounts, fstore, _ := setupStores(t)
	ctx := context.Background()
	acct := createAccount(t, accounts)

	testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
		AccountID:  acct.ID,
		Name:       "INBOX",
		Attributes: []string{"\\HasNoChildren"},
	}), "insert")
	testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
		AccountID:  acct.ID,
		Name:       "INBOX",
		Attributes: []string{"\\HasChildren", "\\Marked"},
	}), "upsert")

	list, err := fstore.List(ctx, acct.ID)
	testutil.MustNoErr(t, err, "list")
	if len(list) != 1 {
		t.Fatalf("folders = %d, want 1 after upsert", len(list))
	}
	if len(list[0].Attributes) != 2 {
		t.Errorf("attributes = %v, want the replaced set", list[0].Attributes)
	}
	if list[0].Delimiter != "/" {
		t.Errorf("delimiter = %q, want the default /", list[0].Delimiter)
	}
}

func TestSpecialFolderExclusivity(t *testing.T) {
	accounts, fstore, _ := setupStores(t)
	ctx := context.Background()
	acct := createAccount(t, accounts)

	for _, name := range []string{"Sent A", "Sent B", "Trash"} {
		testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
			AccountID: acct.ID, Name: name,
		}), "upsert "+name)
	}

	testutil.MustNoErr(t, fstore.UpdateSpecialFolders(ctx, acct.ID, map[string]string{
		"\\Sent":  "Sent A",
		"\\Trash": "Trash",
	}), "first mapping")

	testutil.MustNoErr(t, fstore.UpdateSpecialFolders(ctx, acct.ID, map[string]string{
		"\\Sent": "Sent B",
	}), "remap sent")

	sent, err := fstore.SpecialFolder(ctx, acct.ID, "\\Sent")
	testutil.MustNoErr(t, err, "special folder")
	if sent == nil || sent.Name != "Sent B" {
		t.Fatalf("sent = %+v, want Sent B", sent)
	}

	// The old carrier lost the designation; exactly one folder has it.
	list, err := fstore.List(ctx, acct.ID)
	testutil.MustNoErr(t, err, "list")
	carriers := 0
	for _, f := range list {
		if f.SpecialUse == "\\Sent" {
			carriers++
		}
	}
	if carriers != 1 {
		t.Errorf("folders carrying \\Sent = %d, want exactly 1", carriers)
	}
}

func TestSpecialFolderMappingUnknownFolderRollsBack(t *testing.T) {
	accounts, fstore, _ := setupStores(t)
	ctx := context.Background()
	acct := createAccount(t, accounts)

	testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
		AccountID: acct.ID, Name: "Sent",
	}), "upsert")
	testutil.MustNoErr(t, fstore.UpdateSpecialFolders(ctx, acct.ID, map[string]string{
		"\\Sent": "Sent",
	}), "initial mapping")

	err := fstore.UpdateSpecialFolders(ctx, acct.ID, map[string]string{
		"\\Sent": "No Such Folder",
	})
	if err == nil {
		t.Fatal("mapping to an unknown folder should fail")
	}

	// The failed transaction rolled back; the old mapping survives.
	sent, err := fstore.SpecialFolder(ctx, acct.ID, "\\Sent")
	testutil.MustNoErr(t, err, "special folder")
	if sent == nil || sent.Name != "Sent" {
		t.Errorf("sent = %+v, want the prior mapping intact", sent)
	}
}

func TestSpecialFolderAbsentIsNil(t *testing.T) {
	accounts, fstore, _ := setupStores(t)
	acct := createAccount(t, accounts)

	got, err := fstore.SpecialFolder(context.Background(), acct.ID, "\\Junk")
	testutil.MustNoErr(t, err, "special folder")
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestHierarchyBuildsPlaceholders(t *testing.T) {
	accounts, fstore, _ := setupStores(t)
	ctx := context.Background()
	acct := createAccount(t, accounts)

	for _, name := range []string{"INBOX", "Work/Clients/Acme", "Work/Internal"} {
		testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
			AccountID: acct.ID, Name: name, Delimiter: "/",
		}), "upsert "+name)
	}

	roots, err := fstore.Hierarchy(ctx, acct.ID)
	testutil.MustNoErr(t, err, "hierarchy")
	if len(roots) != 2 {
		t.Fatalf("roots = %d, want INBOX and Work", len(roots))
	}

	byName := make(map[string]*folders.Node, len(roots))
	for _, n := range roots {
		byName[n.Name] = n
	}

	inbox := byName["INBOX"]
	if inbox == nil || inbox.Folder == nil || len(inbox.Children) != 0 {
		t.Errorf("INBOX node = %+v, want a leaf with its row", inbox)
	}

	work := byName["Work"]
	if work == nil {
		t.Fatal("Work root missing")
	}
	// "Work" has no row of its own; it exists only as a path segment.
	if work.Folder != nil {
		t.Error("Work should be a placeholder node")
	}
	if len(work.Children) != 2 {
		t.Fatalf("Work children = %d, want Clients and Internal", len(work.Children))
	}
	var clients *folders.Node
	for _, child := range work.Children {
		if child.Name == "Clients" {
			clients = child
		}
	}
	if clients == nil || clients.Folder != nil {
		t.Fatalf("Clients node = %+v, want a placeholder", clients)
	}
	if len(clients.Children) != 1 || clients.Children[0].FullName != "Work/Clients/Acme" {
		t.Errorf("Clients children = %+v, want the Acme leaf", clients.Children)
	}
	if clients.Children[0].Folder == nil {
		t.Error("Acme leaf should carry its folder row")
	}
}

func TestFolderDelete(t *testing.T) {
	accounts, fstore, _ := setupStores(t)
	ctx := context.Background()
	acct := createAccount(t, accounts)

	testutil.MustNoErr(t, fstore.Upsert(ctx, &folders.Folder{
		AccountID: acct.ID, Name: "Doomed",
	}), "upsert")
	testutil.MustNoErr(t, fstore.Delete(ctx, acct.ID, "Doomed"), "delete")

	list, err := fstore.List(ctx, acct.ID)
	testutil.MustNoErr(t, err, "list")
	if len(list) != 0 {
		t.Errorf("folders = %v, want none", list)
	}
}
