// Package testutil provides shared test fixtures: temporary databases with
// the full schema applied, and small assertion helpers.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/schema"
)

// NewTestConn opens a connection on a temporary database with the schema
// fully applied. Cleanup closes the connection when the test completes.
func NewTestConn(t *testing.T) *conn.Conn {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	c := conn.New(dbPath, nil)
	if err := c.Open(); err != nil {
		t.Fatalf("open connection: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})

	sh, err := c.Share("schema")
	if err != nil {
		t.Fatalf("share connection: %v", err)
	}
	if err := schema.NewManager(sh).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	c.Revoke("schema")

	return c
}

// Share hands out a component share, failing the test on error.
func Share(t *testing.T, c *conn.Conn, component string) *conn.Shared {
	t.Helper()
	sh, err := c.Share(component)
	if err != nil {
		t.Fatalf("share %s: %v", component, err)
	}
	return sh
}

// MustNoErr fails the test immediately if err is non-nil.
// Use this for setup operations where failure means the test cannot proceed.
func MustNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// CountRows returns the row count of a table, failing the test on error.
func CountRows(t *testing.T, sh *conn.Shared, table string) int64 {
	t.Helper()
	var n int64
	if err := sh.Get(context.Background(), &n, "SELECT COUNT(*) FROM "+table); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
