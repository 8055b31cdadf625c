// Package attach persists message attachments with content-addressed
// deduplication and inline/file tiering.
//
// Dedup here is row-level reuse by checksum: a new attachment whose bytes
// hash to an existing row's checksum reuses that row's storage instead of
// writing a second copy. There is no reference count; physical files are
// reclaimed by the orphan sweep once no row references them. The counted
// ledger for shared bytes lives in the blob registry, a deliberately
// separate strategy.
package attach

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
)

// Attachment is one attachment row. Exactly one of Data and FileRef is
// populated once persisted, never both, never neither.
type Attachment struct {
	AccountID string
	Folder    string
	UID       uint32
	PartID    string
	Filename  string
	MimeType  string
	Size      int64
	Checksum  string
	Data      []byte
	FileRef   sql.NullString
	Status    string

	// PinInline keeps the payload in the row regardless of size.
	PinInline bool
}

// StorageMetrics reports attachment storage usage.
type StorageMetrics struct {
	Count          int64
	TotalSize      int64
	InlineCount    int64
	FileCount      int64
	DuplicateCount int64
}

// Config controls tiering and dedup behavior.
type Config struct {
	Dir             string // attachments root directory
	InlineThreshold int64  // payloads above this move to file storage
	Dedup           bool
}

// Store is the attachment store.
type Store struct {
	db  *conn.Shared
	cfg Config

	// mu serializes writes and the orphan sweep: the sweep diffs database
	// state against the directory and must not race an in-flight store.
	mu sync.Mutex
}

// New returns an attachment store. The attachments directory is created on
// first use.
func New(db *conn.Shared, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// Hash returns the hex content hash used for dedup and file naming.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// filePath returns the tiered-storage path for a payload: {hash}_{filename}
// under the attachments root.
func (s *Store) filePath(hash, filename string) string {
	return filepath.Join(s.cfg.Dir, hash+"_"+filepath.Base(filename))
}

// Store persists an attachment. With dedup enabled, identical bytes reuse an
// existing row's storage; payloads over the inline threshold (and not pinned)
// migrate to file storage with an idempotent skip-if-exists write.
func (s *Store) Store(ctx context.Context, att *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(att.Data) == 0 && !att.FileRef.Valid {
		return fmt.Errorf("attachment %s/%d/%s has no payload and no file reference: %w",
			att.Folder, att.UID, att.PartID, dberr.ErrInvalidData)
	}

	if att.Status == "" {
		att.Status = "complete"
	}

	if len(att.Data) > 0 {
		att.Checksum = Hash(att.Data)
		att.Size = int64(len(att.Data))

		if s.cfg.Dedup {
			reused, err := s.reuseExisting(ctx, att)
			if err != nil {
				return err
			}
			if !reused && !att.PinInline && att.Size > s.cfg.InlineThreshold {
				if err := s.migrateToFile(att); err != nil {
					return err
				}
			}
		} else if !att.PinInline && att.Size > s.cfg.InlineThreshold {
			if err := s.migrateToFile(att); err != nil {
				return err
			}
		}
	}

	if len(att.Data) > 0 && att.FileRef.Valid {
		// Tiering moved the payload out of the row; never keep both.
		att.Data = nil
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO attachments (
			account_id, folder, uid, part_id, filename, mime_type,
			size, checksum, data, file_ref, download_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid, part_id) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			size = excluded.size,
			checksum = excluded.checksum,
			data = excluded.data,
			file_ref = excluded.file_ref,
			download_status = excluded.download_status
	`, att.AccountID, att.Folder, att.UID, att.PartID, att.Filename, att.MimeType,
		att.Size, att.Checksum, att.Data, att.FileRef, att.Status)
	return err
}

// reuseExisting looks for another row with the same checksum and, on a hit,
// adopts its storage reference. Reports whether a reuse happened.
func (s *Store) reuseExisting(ctx context.Context, att *Attachment) (bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT file_ref, data IS NOT NULL
		FROM attachments
		WHERE checksum = ?
		LIMIT 1
	`, att.Checksum)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	var fileRef sql.NullString
	var hasInline bool
	if err := rows.Scan(&fileRef, &hasInline); err != nil {
		return false, fmt.Errorf("scan dedup row: %w", err)
	}
	if fileRef.Valid {
		att.FileRef = fileRef
		att.Data = nil
		return true, nil
	}
	// Existing copy is inline; the new row keeps its own inline bytes (the
	// content is identical), so no second physical file is ever written.
	return hasInline, nil
}

// migrateToFile writes the payload to tiered storage and clears the inline
// bytes. The write is skip-if-exists, so re-storing the same content is
// idempotent.
func (s *Store) migrateToFile(att *Attachment) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create attachments dir: %w", err)
	}
	path := s.filePath(att.Checksum, att.Filename)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return fmt.Errorf("write attachment file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat attachment file: %w", err)
	}
	att.FileRef = sql.NullString{String: filepath.Base(path), Valid: true}
	att.Data = nil
	return nil
}

// Get returns the attachment row, or nil if absent.
func (s *Store) Get(ctx context.Context, accountID, folder string, uid uint32, partID string) (*Attachment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, folder, uid, part_id, filename, mime_type,
		       size, checksum, data, file_ref, download_status
		FROM attachments
		WHERE account_id = ? AND folder = ? AND uid = ? AND part_id = ?
	`, accountID, folder, uid, partID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var att Attachment
	if err := rows.Scan(&att.AccountID, &att.Folder, &att.UID, &att.PartID,
		&att.Filename, &att.MimeType, &att.Size, &att.Checksum,
		&att.Data, &att.FileRef, &att.Status); err != nil {
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	return &att, nil
}

// Data returns the attachment payload: inline bytes when present, otherwise
// the referenced file's contents. A row whose file is missing on disk fails
// with ErrNotFound; presence is enforced lazily on read, not on write.
func (s *Store) Data(ctx context.Context, accountID, folder string, uid uint32, partID string) ([]byte, error) {
	att, err := s.Get(ctx, accountID, folder, uid, partID)
	if err != nil {
		return nil, err
	}
	if att == nil {
		return nil, dberr.ErrNotFound
	}
	if len(att.Data) > 0 {
		return att.Data, nil
	}
	if !att.FileRef.Valid {
		return nil, fmt.Errorf("attachment %s/%d/%s: %w", folder, uid, partID, dberr.ErrInvalidData)
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.Dir, att.FileRef.String))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("attachment file %s: %w", att.FileRef.String, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment file: %w", err)
	}
	return data, nil
}

// UpdateStatus sets the download status for one attachment.
func (s *Store) UpdateStatus(ctx context.Context, accountID, folder string, uid uint32, partID, status string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE attachments SET download_status = ?
		WHERE account_id = ? AND folder = ? AND uid = ? AND part_id = ?
	`, status, accountID, folder, uid, partID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// CleanupOrphanedFiles deletes files in the attachments directory that no row
// references. Best-effort: a single deletion failure does not abort the rest
// of the sweep. Holding the store mutex for the whole diff-and-delete keeps
// the sweep from racing an in-flight store or delete.
func (s *Store) CleanupOrphanedFiles(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []string
	if err := s.db.Select(ctx, &refs, `
		SELECT DISTINCT file_ref FROM attachments WHERE file_ref IS NOT NULL
	`); err != nil {
		return 0, err
	}
	referenced := make(map[string]bool, len(refs))
	for _, r := range refs {
		referenced[r] = true
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read attachments dir: %w", err)
	}

	removed := 0
	var sweepErrs []error
	for _, entry := range entries {
		if entry.IsDir() || referenced[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, entry.Name())); err != nil {
			sweepErrs = append(sweepErrs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(sweepErrs...)
}

// Metrics reports counts, total size and duplicate count. A duplicate is a
// row sharing its checksum with an earlier row.
func (s *Store) Metrics(ctx context.Context) (*StorageMetrics, error) {
	var m StorageMetrics
	err := s.db.Get(ctx, &m.Count, `SELECT COUNT(*) FROM attachments`)
	if err != nil {
		return nil, err
	}
	var total sql.NullInt64
	if err := s.db.Get(ctx, &total, `SELECT SUM(size) FROM attachments`); err != nil && err != dberr.ErrNotFound {
		return nil, err
	}
	m.TotalSize = total.Int64
	if err := s.db.Get(ctx, &m.InlineCount, `SELECT COUNT(*) FROM attachments WHERE data IS NOT NULL`); err != nil {
		return nil, err
	}
	if err := s.db.Get(ctx, &m.FileCount, `SELECT COUNT(*) FROM attachments WHERE file_ref IS NOT NULL`); err != nil {
		return nil, err
	}
	var distinct int64
	if err := s.db.Get(ctx, &distinct, `
		SELECT COUNT(DISTINCT checksum) FROM attachments WHERE checksum != ''
	`); err != nil {
		return nil, err
	}
	var hashed int64
	if err := s.db.Get(ctx, &hashed, `
		SELECT COUNT(*) FROM attachments WHERE checksum != ''
	`); err != nil {
		return nil, err
	}
	m.DuplicateCount = hashed - distinct
	return &m, nil
}
