// Package mailstore provides CRUD over message headers, bodies, MIME parts
// and the render cache, keyed by (account, folder, uid).
package mailstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ebolton/maildepot/internal/conn"
)

// MessageKey identifies one message.
type MessageKey struct {
	AccountID string
	Folder    string
	UID       uint32
}

// Header is a message header row.
type Header struct {
	AccountID string
	Folder    string
	UID       uint32
	Sender    string
	Subject   string
	Date      time.Time
	Flags     []string
}

// Key returns the header's message key.
func (h *Header) Key() MessageKey {
	return MessageKey{AccountID: h.AccountID, Folder: h.Folder, UID: h.UID}
}

// BodyContent holds the stored body variants and content metadata for one
// message. A message has at most one row, replaced wholesale on write.
type BodyContent struct {
	Key              MessageKey
	Text             sql.NullString
	HTML             sql.NullString
	Raw              []byte
	ContentType      string
	Charset          string
	TransferEncoding string
	Multipart        bool
	Size             int64
	ProcessedAt      time.Time
}

// Preferred returns the display variant, preferring HTML over text when both
// are present.
func (b *BodyContent) Preferred() string {
	if b.HTML.Valid && b.HTML.String != "" {
		return b.HTML.String
	}
	if b.Text.Valid {
		return b.Text.String
	}
	return ""
}

// MimePart is one node of a message's MIME tree. Children reference their
// parent part id.
type MimePart struct {
	PartID          string
	ParentPartID    sql.NullString
	MediaType       string
	Disposition     string
	Filename        string
	ContentFilename string
	Size            int64
	Encoding        string
	BodyCandidate   bool
	BlobHash        sql.NullString
}

// CacheEntry is a versioned rendered form of a message. An entry is valid
// only while its generator version is current.
type CacheEntry struct {
	Key        MessageKey
	HTML       sql.NullString
	Text       sql.NullString
	Version    int
	RenderedAt time.Time
}

// AttachmentInfo is the light attachment metadata returned by status queries.
type AttachmentInfo struct {
	Key      MessageKey
	PartID   string
	Filename string
	MimeType string
	Size     int64
	Status   string
}

// Store is the mail read+write store. All statements run on the shared
// connection handed out by the connection core.
type Store struct {
	db *conn.Shared

	// generatorVersion is the render pipeline version baked into this build.
	// Cache entries below it are stale: purged by invalidation, never served.
	generatorVersion int
}

// New returns a mail store executing on the given share.
func New(db *conn.Shared, generatorVersion int) *Store {
	return &Store{db: db, generatorVersion: generatorVersion}
}

// GeneratorVersion returns the render generator version this store serves.
func (s *Store) GeneratorVersion() int { return s.generatorVersion }

func encodeFlags(flags []string) string {
	if len(flags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(flags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeFlags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var flags []string
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil
	}
	return flags
}
