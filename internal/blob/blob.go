// Package blob is the reference-counted ledger for binary blobs shared
// across messages and notes. It tracks metadata only; where the bytes live
// is recorded, not owned. Anything claiming shared bytes must consult this
// ledger before physical deletion.
package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
)

// Meta is one ledger row.
type Meta struct {
	Hash     string `db:"hash"`
	Location string `db:"location"`
	Size     int64  `db:"size"`
	RefCount int64  `db:"ref_count"`
}

// Registry is the blob metadata store.
type Registry struct {
	db *conn.Shared
}

// NewRegistry returns a registry executing on the given share.
func NewRegistry(db *conn.Shared) *Registry {
	return &Registry{db: db}
}

// RegisterTx records one reference inside the caller's transaction, so the
// count change commits or unwinds together with the row that created the
// reference. If the hash is new, a row is inserted with count 1 and isNew is
// true; otherwise the count is incremented.
func RegisterTx(ctx context.Context, tx *sqlx.Tx, hash, location string, size int64) (bool, error) {
	if hash == "" {
		return false, fmt.Errorf("register blob: empty hash: %w", dberr.ErrInvalidData)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE blob_meta SET ref_count = ref_count + 1 WHERE hash = ?
	`, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blob_meta (hash, location, size, ref_count) VALUES (?, ?, ?, 1)
	`, hash, location, size)
	if err != nil {
		return false, err
	}
	return true, nil
}

// DecrementTx drops one reference inside the caller's transaction and returns
// the new count. The count floors at zero; decrementing an absent hash
// reports ErrNotFound. The read-back shares the transaction, so the returned
// count cannot reflect an interleaved writer.
func DecrementTx(ctx context.Context, tx *sqlx.Tx, hash string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE blob_meta
		SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END
		WHERE hash = ?
	`, hash); err != nil {
		return 0, err
	}
	var count int64
	err := tx.QueryRowContext(ctx, `
		SELECT ref_count FROM blob_meta WHERE hash = ?
	`, hash).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dberr.ErrNotFound
	}
	return count, err
}

// Register records one standalone reference to the blob. Callers holding a
// transaction of their own compose RegisterTx instead.
func (r *Registry) Register(ctx context.Context, hash, location string, size int64) (bool, error) {
	var isNew bool
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		isNew, err = RegisterTx(ctx, tx, hash, location, size)
		return err
	})
	return isNew, err
}

// Decrement drops one standalone reference and returns the new count.
func (r *Registry) Decrement(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		count, err = DecrementTx(ctx, tx, hash)
		return err
	})
	return count, err
}

// Get returns the ledger row for a hash, or nil if absent.
func (r *Registry) Get(ctx context.Context, hash string) (*Meta, error) {
	var m Meta
	err := r.db.Get(ctx, &m, `
		SELECT hash, location, size, ref_count FROM blob_meta WHERE hash = ?
	`, hash)
	if errors.Is(err, dberr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Orphaned lists all hashes whose count has reached zero. Such blobs are
// eligible for deletion but must be re-checked at delete time.
func (r *Registry) Orphaned(ctx context.Context) ([]string, error) {
	var hashes []string
	err := r.db.Select(ctx, &hashes, `
		SELECT hash FROM blob_meta WHERE ref_count = 0 ORDER BY hash
	`)
	return hashes, err
}

// DeleteMetadata removes the ledger row only if the count is still zero at
// delete time. The re-check (not trust-the-caller) guards against a writer
// that registered a fresh reference between listing orphans and deleting
// them. Reports whether the row was deleted.
func (r *Registry) DeleteMetadata(ctx context.Context, hash string) (bool, error) {
	res, err := r.db.Exec(ctx, `
		DELETE FROM blob_meta WHERE hash = ? AND ref_count = 0
	`, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
