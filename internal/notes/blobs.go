package notes

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/dberr"
)

// BlobHash returns the hex content hash for notes blob dedup.
func BlobHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// insertOrUpdateBlob increments the refcount for an existing hash or inserts
// the bytes with count 1. Runs inside the caller's transaction so the count
// change commits or unwinds together with the row that created the
// reference.
func insertOrUpdateBlob(ctx context.Context, tx *sqlx.Tx, hash string, data []byte) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE notes_blobs SET ref_count = ref_count + 1 WHERE hash = ?
	`, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes_blobs (hash, data, ref_count) VALUES (?, ?, 1)
	`, hash, data)
	return err
}

// decrementBlobRef decrements the refcount and deletes the row once it
// reaches zero. The decrement and the conditional delete are two statements
// under the same transaction as the reference removal.
func decrementBlobRef(ctx context.Context, tx *sqlx.Tx, hash string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE notes_blobs
		SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END
		WHERE hash = ?
	`, hash); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM notes_blobs WHERE hash = ? AND ref_count = 0
	`, hash)
	return err
}

// InsertOrUpdateBlob records one reference to the blob outside an attachment
// write. Import/merge paths use it when the referencing row already exists.
func (s *Store) InsertOrUpdateBlob(ctx context.Context, hash string, data []byte) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return insertOrUpdateBlob(ctx, tx, hash, data)
	})
}

// DecrementBlobRef drops one reference, deleting the blob at zero.
func (s *Store) DecrementBlobRef(ctx context.Context, hash string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return decrementBlobRef(ctx, tx, hash)
	})
}

// BlobRefCount returns the current refcount for a hash; absent hashes report
// zero.
func (s *Store) BlobRefCount(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := s.db.Get(ctx, &count, `SELECT ref_count FROM notes_blobs WHERE hash = ?`, hash)
	if err == dberr.ErrNotFound {
		return 0, nil
	}
	return count, err
}

// BlobData returns the stored bytes for a hash.
func (s *Store) BlobData(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.Get(ctx, &data, `SELECT data FROM notes_blobs WHERE hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// AttachFile stores an attachment on a node: the counted blob upsert and the
// attachment row commit in one transaction, never as a fire-and-forget
// follow-up, so a crash cannot leave a dangling count.
func (s *Store) AttachFile(ctx context.Context, nodeID, filename, mimeType string, data []byte) (string, error) {
	hash := BlobHash(data)
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM notes_attachments WHERE node_id = ? AND filename = ?
		`, nodeID, filename).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("attachment %q on node %s already exists: %w",
				filename, nodeID, dberr.ErrInvalidData)
		}
		if err := insertOrUpdateBlob(ctx, tx, hash, data); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notes_attachments (node_id, filename, mime_type, size, blob_hash)
			VALUES (?, ?, ?, ?, ?)
		`, nodeID, filename, mimeType, len(data), hash)
		return err
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// DetachFile removes an attachment row and settles its blob reference in the
// same transaction.
func (s *Store) DetachFile(ctx context.Context, nodeID, filename string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var hash string
		err := tx.QueryRowContext(ctx, `
			SELECT blob_hash FROM notes_attachments WHERE node_id = ? AND filename = ?
		`, nodeID, filename).Scan(&hash)
		if err == sql.ErrNoRows {
			return dberr.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM notes_attachments WHERE node_id = ? AND filename = ?
		`, nodeID, filename); err != nil {
			return err
		}
		return decrementBlobRef(ctx, tx, hash)
	})
}

// Attachments lists a node's attachments.
func (s *Store) Attachments(ctx context.Context, nodeID string) ([]Attachment, error) {
	var atts []Attachment
	err := s.db.Select(ctx, &atts, `
		SELECT node_id, filename, mime_type, size, blob_hash
		FROM notes_attachments WHERE node_id = ? ORDER BY filename
	`, nodeID)
	return atts, err
}

// OrphanedBlobs lists notes blob hashes no attachment references. Produced
// by cascade deletes of nodes; reclaimed by engine maintenance.
func (s *Store) OrphanedBlobs(ctx context.Context) ([]string, error) {
	var hashes []string
	err := s.db.Select(ctx, &hashes, `
		SELECT hash FROM notes_blobs
		WHERE hash NOT IN (SELECT blob_hash FROM notes_attachments)
		ORDER BY hash
	`)
	return hashes, err
}

// DeleteOrphanedBlobs removes notes blobs with no referencing attachment,
// re-checking at delete time. Returns the number removed.
func (s *Store) DeleteOrphanedBlobs(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM notes_blobs
		WHERE hash NOT IN (SELECT blob_hash FROM notes_attachments)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
