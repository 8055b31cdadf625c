package mailstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ebolton/maildepot/internal/dberr"
)

// Headers returns up to limit headers for (account, folder) ordered by date
// descending, newest first.
func (s *Store) Headers(ctx context.Context, accountID, folder string, limit, offset int) ([]Header, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, folder, uid, sender, subject, date, flags
		FROM message_headers
		WHERE account_id = ? AND folder = ?
		ORDER BY date DESC, uid DESC
		LIMIT ? OFFSET ?
	`, accountID, folder, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headers []Header
	for rows.Next() {
		var h Header
		var date sql.NullTime
		var flags string
		if err := rows.Scan(&h.AccountID, &h.Folder, &h.UID, &h.Sender, &h.Subject, &date, &flags); err != nil {
			return nil, fmt.Errorf("scan header: %w", err)
		}
		if date.Valid {
			h.Date = date.Time
		}
		h.Flags = decodeFlags(flags)
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// Header returns a single header, or nil if absent.
func (s *Store) Header(ctx context.Context, key MessageKey) (*Header, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, folder, uid, sender, subject, date, flags
		FROM message_headers
		WHERE account_id = ? AND folder = ? AND uid = ?
	`, key.AccountID, key.Folder, key.UID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var h Header
	var date sql.NullTime
	var flags string
	if err := rows.Scan(&h.AccountID, &h.Folder, &h.UID, &h.Sender, &h.Subject, &date, &flags); err != nil {
		return nil, fmt.Errorf("scan header: %w", err)
	}
	if date.Valid {
		h.Date = date.Time
	}
	h.Flags = decodeFlags(flags)
	return &h, nil
}

// Body returns the stored body for a message, or nil if absent. Callers
// wanting the display variant use BodyContent.Preferred, which favors HTML.
func (s *Store) Body(ctx context.Context, key MessageKey) (*BodyContent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT body_text, body_html, body_raw, content_type, charset,
		       transfer_encoding, is_multipart, size, processed_at
		FROM message_bodies
		WHERE account_id = ? AND folder = ? AND uid = ?
	`, key.AccountID, key.Folder, key.UID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	b := BodyContent{Key: key}
	if err := rows.Scan(&b.Text, &b.HTML, &b.Raw, &b.ContentType, &b.Charset,
		&b.TransferEncoding, &b.Multipart, &b.Size, &b.ProcessedAt); err != nil {
		return nil, fmt.Errorf("scan body: %w", err)
	}
	return &b, nil
}

// MimeParts returns the message's MIME tree as a flat list ordered by part id.
func (s *Store) MimeParts(ctx context.Context, key MessageKey) ([]MimePart, error) {
	rows, err := s.db.Query(ctx, `
		SELECT part_id, parent_part_id, media_type, disposition, filename,
		       content_filename, size, encoding, is_body_candidate, blob_hash
		FROM mime_parts
		WHERE account_id = ? AND folder = ? AND uid = ?
		ORDER BY part_id
	`, key.AccountID, key.Folder, key.UID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []MimePart
	for rows.Next() {
		var p MimePart
		if err := rows.Scan(&p.PartID, &p.ParentPartID, &p.MediaType, &p.Disposition,
			&p.Filename, &p.ContentFilename, &p.Size, &p.Encoding, &p.BodyCandidate, &p.BlobHash); err != nil {
			return nil, fmt.Errorf("scan mime part: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// RenderCache returns the cached rendering for a message, or nil when absent.
// Entries produced by an older generator are stale and never served.
func (s *Store) RenderCache(ctx context.Context, key MessageKey) (*CacheEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT html, plain_text, generator_version, rendered_at
		FROM render_cache
		WHERE account_id = ? AND folder = ? AND uid = ?
	`, key.AccountID, key.Folder, key.UID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e := CacheEntry{Key: key}
	if err := rows.Scan(&e.HTML, &e.Text, &e.Version, &e.RenderedAt); err != nil {
		return nil, fmt.Errorf("scan render cache: %w", err)
	}
	if e.Version < s.generatorVersion {
		return nil, nil
	}
	return &e, nil
}

// AttachmentsByStatus returns attachment metadata for an account filtered by
// download status.
func (s *Store) AttachmentsByStatus(ctx context.Context, accountID, status string) ([]AttachmentInfo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, folder, uid, part_id, filename, mime_type, size, download_status
		FROM attachments
		WHERE account_id = ? AND download_status = ?
		ORDER BY folder, uid, part_id
	`, accountID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []AttachmentInfo
	for rows.Next() {
		var a AttachmentInfo
		if err := rows.Scan(&a.Key.AccountID, &a.Key.Folder, &a.Key.UID, &a.PartID,
			&a.Filename, &a.MimeType, &a.Size, &a.Status); err != nil {
			return nil, fmt.Errorf("scan attachment info: %w", err)
		}
		infos = append(infos, a)
	}
	return infos, rows.Err()
}

// LastSyncUID returns the highest stored uid for (account, folder). The sync
// collaborator uses it as a watermark; zero means the folder is empty.
func (s *Store) LastSyncUID(ctx context.Context, accountID, folder string) (uint32, error) {
	var uid sql.NullInt64
	err := s.db.Get(ctx, &uid, `
		SELECT MAX(uid) FROM message_headers WHERE account_id = ? AND folder = ?
	`, accountID, folder)
	if err != nil && err != dberr.ErrNotFound {
		return 0, err
	}
	if !uid.Valid {
		return 0, nil
	}
	return uint32(uid.Int64), nil
}

// CountHeaders returns the number of headers in (account, folder).
func (s *Store) CountHeaders(ctx context.Context, accountID, folder string) (int64, error) {
	var count int64
	err := s.db.Get(ctx, &count, `
		SELECT COUNT(*) FROM message_headers WHERE account_id = ? AND folder = ?
	`, accountID, folder)
	return count, err
}
