package schema_test

import (
	"context"
	"testing"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/schema"
	"github.com/ebolton/maildepot/internal/testutil"
)

// newBareConn opens a connection without any schema applied.
func newBareConn(t *testing.T) (*conn.Conn, *conn.Shared) {
	t.Helper()
	c := conn.New(t.TempDir()+"/test.db", nil)
	if err := c.Open(); err != nil {
		t.Fatalf("open connection: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	sh, err := c.Share("schema")
	if err != nil {
		t.Fatalf("share connection: %v", err)
	}
	return c, sh
}

func TestEnsureFreshDatabase(t *testing.T) {
	_, sh := newBareConn(t)
	mgr := schema.NewManager(sh)
	ctx := context.Background()

	testutil.MustNoErr(t, mgr.Ensure(ctx), "ensure")

	v, err := mgr.Version(ctx)
	testutil.MustNoErr(t, err, "version")
	if v != schema.Target {
		t.Errorf("version = %d, want %d", v, schema.Target)
	}

	for _, table := range schema.Tables() {
		var name string
		err := sh.Get(ctx, &name,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		if err != nil {
			t.Errorf("table %s should exist: %v", table, err)
		}
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	_, sh := newBareConn(t)
	mgr := schema.NewManager(sh)
	ctx := context.Background()

	testutil.MustNoErr(t, mgr.Ensure(ctx), "first ensure")
	testutil.MustNoErr(t, mgr.Ensure(ctx), "second ensure")
	testutil.MustNoErr(t, mgr.Ensure(ctx), "third ensure")

	v, err := mgr.Version(ctx)
	testutil.MustNoErr(t, err, "version")
	if v != schema.Target {
		t.Errorf("version = %d, want %d", v, schema.Target)
	}
}

func TestVersionWithoutSchemaIsZero(t *testing.T) {
	_, sh := newBareConn(t)
	mgr := schema.NewManager(sh)

	v, err := mgr.Version(context.Background())
	testutil.MustNoErr(t, err, "version")
	if v != 0 {
		t.Errorf("version = %d, want 0", v)
	}
}

func TestMigrateFromOlderVersion(t *testing.T) {
	_, sh := newBareConn(t)
	mgr := schema.NewManager(sh)
	ctx := context.Background()

	testutil.MustNoErr(t, mgr.Ensure(ctx), "initial ensure")

	// Wind the persisted version back. The ALTER statements will hit
	// existing columns and must be swallowed, not fail the migration.
	_, err := sh.Exec(ctx, `UPDATE schema_info SET version = 1 WHERE id = 1`)
	testutil.MustNoErr(t, err, "set version 1")

	testutil.MustNoErr(t, mgr.Ensure(ctx), "re-ensure")

	v, err := mgr.Version(ctx)
	testutil.MustNoErr(t, err, "version")
	if v != schema.Target {
		t.Errorf("version after migration = %d, want %d", v, schema.Target)
	}

	// Migrated columns are usable.
	_, err = sh.Exec(ctx, `
		INSERT INTO notes_nodes (id, origin_id, revision, section, node_type, title,
			content, sort_order, tags, task_status, progress, assigned_to, created_at, modified_at)
		VALUES ('n1', '', 1, 'tasks', 'task', 'migrated', '', 0, '[]', 'open', 40, 'me',
			datetime('now'), datetime('now'))
	`)
	testutil.MustNoErr(t, err, "insert using migrated columns")
}

func TestNewerVersionRefused(t *testing.T) {
	_, sh := newBareConn(t)
	mgr := schema.NewManager(sh)
	ctx := context.Background()

	testutil.MustNoErr(t, mgr.Ensure(ctx), "ensure")

	_, err := sh.Exec(ctx, `UPDATE schema_info SET version = ? WHERE id = 1`, schema.Target+1)
	testutil.MustNoErr(t, err, "set future version")

	if err := mgr.Ensure(ctx); err == nil {
		t.Error("ensure against a newer schema version should fail")
	}
}

func TestMissingTableIsRepaired(t *testing.T) {
	_, sh := newBareConn(t)
	mgr := schema.NewManager(sh)
	ctx := context.Background()

	testutil.MustNoErr(t, mgr.Ensure(ctx), "ensure")

	_, err := sh.Exec(ctx, `DROP TABLE blob_meta`)
	testutil.MustNoErr(t, err, "drop table")

	testutil.MustNoErr(t, mgr.Ensure(ctx), "re-ensure")

	var name string
	err = sh.Get(ctx, &name,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'blob_meta'`)
	if err != nil {
		t.Errorf("blob_meta should be recreated: %v", err)
	}
}
