package conn_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
	"github.com/ebolton/maildepot/internal/testutil"
)

func TestOpenCreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	c := conn.New(path, nil)
	testutil.MustNoErr(t, c.Open(), "open")
	defer c.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file should exist: %v", err)
	}
}

func TestDoubleOpenFails(t *testing.T) {
	c := conn.New(filepath.Join(t.TempDir(), "test.db"), nil)
	testutil.MustNoErr(t, c.Open(), "first open")
	defer c.Close()

	err := c.Open()
	if err == nil {
		t.Fatal("second open should fail")
	}
	var connErr *dberr.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error should be a ConnectionError, got %T", err)
	}
}

func TestUseAfterCloseFails(t *testing.T) {
	c := conn.New(filepath.Join(t.TempDir(), "test.db"), nil)
	testutil.MustNoErr(t, c.Open(), "open")
	sh, err := c.Share("test")
	testutil.MustNoErr(t, err, "share")
	testutil.MustNoErr(t, c.Close(), "close")

	if _, err := sh.Exec(context.Background(), `SELECT 1`); err == nil {
		t.Error("statement on closed connection should fail")
	}
}

func TestShareIsExclusivePerComponent(t *testing.T) {
	c := testutil.NewTestConn(t)

	_, err := c.Share("mail")
	testutil.MustNoErr(t, err, "first share")

	if _, err := c.Share("mail"); err == nil {
		t.Error("second share for the same component should fail")
	}
	if _, err := c.Share("outbox"); err != nil {
		t.Errorf("share for a different component should succeed: %v", err)
	}
}

func TestRevokedShareFails(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "mail")

	c.Revoke("mail")

	var count int64
	err := sh.Get(context.Background(), &count, `SELECT COUNT(*) FROM accounts`)
	var connErr *dberr.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("revoked share should fail with ConnectionError, got %v", err)
	}

	// The component name is free again after revocation.
	if _, err := c.Share("mail"); err != nil {
		t.Errorf("re-share after revoke should succeed: %v", err)
	}
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "test")

	var id string
	err := sh.Get(context.Background(), &id, `SELECT id FROM accounts WHERE id = ?`, "missing")
	if !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestWithTxCommits(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "test")
	ctx := context.Background()

	err := sh.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, display_name, email, imap_host, smtp_host, created_at, updated_at)
			VALUES ('a1', 'Test', 'a@example.com', '', '', datetime('now'), datetime('now'))
		`)
		return err
	})
	testutil.MustNoErr(t, err, "tx")

	if got := testutil.CountRows(t, sh, "accounts"); got != 1 {
		t.Errorf("accounts count = %d, want 1", got)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "test")
	ctx := context.Background()

	boom := errors.New("boom")
	err := sh.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, display_name, email, imap_host, smtp_host, created_at, updated_at)
			VALUES ('a1', 'Test', 'a@example.com', '', '', datetime('now'), datetime('now'))
		`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the body's error", err)
	}

	if got := testutil.CountRows(t, sh, "accounts"); got != 0 {
		t.Errorf("accounts count after rollback = %d, want 0", got)
	}
}

func TestReentrantTransactionFailsFast(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "test")
	ctx := context.Background()

	err := sh.WithTx(ctx, func(txCtx context.Context, tx *sqlx.Tx) error {
		return sh.WithTx(txCtx, func(context.Context, *sqlx.Tx) error {
			t.Error("nested transaction body should never run")
			return nil
		})
	})
	if !errors.Is(err, conn.ErrReentrantTx) {
		t.Errorf("nested WithTx: got %v, want ErrReentrantTx", err)
	}
}

func TestStatementInsideTransactionFailsFast(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "test")
	other := testutil.Share(t, c, "other")
	ctx := context.Background()

	err := sh.WithTx(ctx, func(txCtx context.Context, tx *sqlx.Tx) error {
		// Any serializer entry with a transactional context must refuse,
		// including through a different component's share.
		if _, err := other.Exec(txCtx, `SELECT 1`); !errors.Is(err, conn.ErrReentrantTx) {
			t.Errorf("exec inside tx: got %v, want ErrReentrantTx", err)
		}
		var n int64
		if err := sh.Get(txCtx, &n, `SELECT COUNT(*) FROM accounts`); !errors.Is(err, conn.ErrReentrantTx) {
			t.Errorf("get inside tx: got %v, want ErrReentrantTx", err)
		}
		return nil
	})
	testutil.MustNoErr(t, err, "outer tx")
}

func TestExecuteRefusesTransactionalContext(t *testing.T) {
	c := testutil.NewTestConn(t)
	sh := testutil.Share(t, c, "test")
	ctx := context.Background()

	err := sh.WithTx(ctx, func(txCtx context.Context, tx *sqlx.Tx) error {
		_, err := c.Execute(txCtx, `ANALYZE`)
		if !errors.Is(err, conn.ErrReentrantTx) {
			t.Errorf("execute inside tx: got %v, want ErrReentrantTx", err)
		}
		return nil
	})
	testutil.MustNoErr(t, err, "outer tx")
}
