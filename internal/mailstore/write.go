package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertHeaders inserts headers in one transaction, ignoring duplicates.
func (s *Store) InsertHeaders(ctx context.Context, headers []Header) error {
	if len(headers) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for i := range headers {
			h := &headers[i]
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO message_headers (account_id, folder, uid, sender, subject, date, flags)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, h.AccountID, h.Folder, h.UID, h.Sender, h.Subject, nullTime(h.Date), encodeFlags(h.Flags))
			if err != nil {
				return fmt.Errorf("insert header uid %d: %w", h.UID, err)
			}
		}
		return nil
	})
}

// UpsertHeaders inserts or replaces headers in one transaction. Idempotent:
// re-upserting the same batch yields the same rows.
func (s *Store) UpsertHeaders(ctx context.Context, headers []Header) error {
	if len(headers) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for i := range headers {
			h := &headers[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO message_headers (account_id, folder, uid, sender, subject, date, flags)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(account_id, folder, uid) DO UPDATE SET
					sender = excluded.sender,
					subject = excluded.subject,
					date = excluded.date,
					flags = excluded.flags
			`, h.AccountID, h.Folder, h.UID, h.Sender, h.Subject, nullTime(h.Date), encodeFlags(h.Flags))
			if err != nil {
				return fmt.Errorf("upsert header uid %d: %w", h.UID, err)
			}
		}
		return nil
	})
}

// StoreBody replaces the message body wholesale. One row per message.
func (s *Store) StoreBody(ctx context.Context, b *BodyContent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_bodies (
			account_id, folder, uid, body_text, body_html, body_raw,
			content_type, charset, transfer_encoding, is_multipart, size, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(account_id, folder, uid) DO UPDATE SET
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			body_raw = excluded.body_raw,
			content_type = excluded.content_type,
			charset = excluded.charset,
			transfer_encoding = excluded.transfer_encoding,
			is_multipart = excluded.is_multipart,
			size = excluded.size,
			processed_at = excluded.processed_at
	`, b.Key.AccountID, b.Key.Folder, b.Key.UID, b.Text, b.HTML, b.Raw,
		b.ContentType, b.Charset, b.TransferEncoding, b.Multipart, b.Size)
	return err
}

// StoreMimeParts replaces a message's MIME tree row-by-row inside one
// transaction. The first failing row fails the whole batch.
func (s *Store) StoreMimeParts(ctx context.Context, key MessageKey, parts []MimePart) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM mime_parts WHERE account_id = ? AND folder = ? AND uid = ?
		`, key.AccountID, key.Folder, key.UID)
		if err != nil {
			return fmt.Errorf("clear mime parts: %w", err)
		}
		for i := range parts {
			p := &parts[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO mime_parts (
					account_id, folder, uid, part_id, parent_part_id, media_type,
					disposition, filename, content_filename, size, encoding,
					is_body_candidate, blob_hash
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, key.AccountID, key.Folder, key.UID, p.PartID, p.ParentPartID, p.MediaType,
				p.Disposition, p.Filename, p.ContentFilename, p.Size, p.Encoding,
				p.BodyCandidate, p.BlobHash)
			if err != nil {
				return fmt.Errorf("insert mime part %q: %w", p.PartID, err)
			}
		}
		return nil
	})
}

// StoreRenderCache upserts the cached rendering at the store's current
// generator version.
func (s *Store) StoreRenderCache(ctx context.Context, key MessageKey, html, text string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO render_cache (account_id, folder, uid, html, plain_text, generator_version, rendered_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(account_id, folder, uid) DO UPDATE SET
			html = excluded.html,
			plain_text = excluded.plain_text,
			generator_version = excluded.generator_version,
			rendered_at = excluded.rendered_at
	`, key.AccountID, key.Folder, key.UID, html, text, s.generatorVersion)
	return err
}

// InvalidateRenderCache bulk-deletes entries produced by a generator older
// than the given version. Returns the number of purged entries.
func (s *Store) InvalidateRenderCache(ctx context.Context, olderThan int) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM render_cache WHERE generator_version < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteMessage removes a message and everything hanging off it in one
// transaction, children before the anchor row: attachments, body, MIME parts
// and render cache first, the header last. A crash mid-delete therefore never
// leaves an attachment referencing a missing header.
func (s *Store) DeleteMessage(ctx context.Context, key MessageKey) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		steps := []string{
			`DELETE FROM attachments WHERE account_id = ? AND folder = ? AND uid = ?`,
			`DELETE FROM message_bodies WHERE account_id = ? AND folder = ? AND uid = ?`,
			`DELETE FROM mime_parts WHERE account_id = ? AND folder = ? AND uid = ?`,
			`DELETE FROM render_cache WHERE account_id = ? AND folder = ? AND uid = ?`,
			`DELETE FROM message_headers WHERE account_id = ? AND folder = ? AND uid = ?`,
		}
		for _, stmt := range steps {
			if _, err := tx.ExecContext(ctx, stmt, key.AccountID, key.Folder, key.UID); err != nil {
				return fmt.Errorf("delete message %d: %w", key.UID, err)
			}
		}
		return nil
	})
}

// PurgeFolder removes every message of (account, folder) with the same
// child-before-anchor ordering as DeleteMessage, in one transaction.
func (s *Store) PurgeFolder(ctx context.Context, accountID, folder string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		steps := []string{
			`DELETE FROM attachments WHERE account_id = ? AND folder = ?`,
			`DELETE FROM message_bodies WHERE account_id = ? AND folder = ?`,
			`DELETE FROM mime_parts WHERE account_id = ? AND folder = ?`,
			`DELETE FROM render_cache WHERE account_id = ? AND folder = ?`,
			`DELETE FROM message_headers WHERE account_id = ? AND folder = ?`,
		}
		for _, stmt := range steps {
			if _, err := tx.ExecContext(ctx, stmt, accountID, folder); err != nil {
				return fmt.Errorf("purge folder %q: %w", folder, err)
			}
		}
		return nil
	})
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
