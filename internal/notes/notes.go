// Package notes persists the hierarchical notes data set: a tree of
// folders, entries and tasks per section, with deduplicated attachment blobs
// and contact references. It mirrors the mail store's write discipline for a
// tree instead of a flat mailbox, sharing the same connection core.
package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
)

// NodeType discriminates tree nodes.
type NodeType string

const (
	TypeFolder NodeType = "folder"
	TypeEntry  NodeType = "entry"
	TypeTask   NodeType = "task"
)

// Node is one notes tree node. A nil ParentID marks a section root. Task
// fields are meaningful only for TypeTask nodes.
type Node struct {
	ID         string
	OriginID   string
	Revision   int64
	ParentID   sql.NullString
	Section    string
	Type       NodeType
	Title      string
	Content    string
	SortOrder  int64
	Tags       []string
	TaskStatus string
	DueDate    sql.NullTime
	Progress   int
	AssignedTo string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Attachment is one notes attachment row; the bytes live in the counted
// notes blob table keyed by hash.
type Attachment struct {
	NodeID   string `db:"node_id"`
	Filename string `db:"filename"`
	MimeType string `db:"mime_type"`
	Size     int64  `db:"size"`
	BlobHash string `db:"blob_hash"`
}

// Store is the notes store.
type Store struct {
	db *conn.Shared
}

// New returns a notes store executing on the given share.
func New(db *conn.Shared) *Store {
	return &Store{db: db}
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// checkParent verifies the parent exists and belongs to the same section.
// A node's parent must never cross sections.
func checkParent(ctx context.Context, tx *sqlx.Tx, parentID sql.NullString, section string) error {
	if !parentID.Valid {
		return nil
	}
	var parentSection string
	err := tx.QueryRowContext(ctx, `
		SELECT section FROM notes_nodes WHERE id = ?
	`, parentID.String).Scan(&parentSection)
	if err == sql.ErrNoRows {
		return fmt.Errorf("parent %s: %w", parentID.String, dberr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if parentSection != section {
		return fmt.Errorf("parent %s in section %q, node in %q: %w",
			parentID.String, parentSection, section, dberr.ErrInvalidData)
	}
	return nil
}

// Insert creates a node. A missing id is assigned; the revision starts at 1.
func (s *Store) Insert(ctx context.Context, n *Node) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Revision == 0 {
		n.Revision = 1
	}
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := checkParent(ctx, tx, n.ParentID, n.Section); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notes_nodes (
				id, origin_id, revision, parent_id, section, node_type,
				title, content, sort_order, tags, task_status, due_date,
				progress, assigned_to, created_at, modified_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		`, n.ID, n.OriginID, n.Revision, n.ParentID, n.Section, n.Type,
			n.Title, n.Content, n.SortOrder, encodeTags(n.Tags), n.TaskStatus, n.DueDate,
			n.Progress, n.AssignedTo)
		return err
	})
}

// Update replaces the node's row wholesale and bumps the revision counter.
func (s *Store) Update(ctx context.Context, n *Node) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := checkParent(ctx, tx, n.ParentID, n.Section); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE notes_nodes SET
				origin_id = ?, revision = revision + 1, parent_id = ?, section = ?,
				node_type = ?, title = ?, content = ?, sort_order = ?, tags = ?,
				task_status = ?, due_date = ?, progress = ?, assigned_to = ?,
				modified_at = datetime('now')
			WHERE id = ?
		`, n.OriginID, n.ParentID, n.Section, n.Type, n.Title, n.Content,
			n.SortOrder, encodeTags(n.Tags), n.TaskStatus, n.DueDate,
			n.Progress, n.AssignedTo, n.ID)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return dberr.ErrNotFound
		}
		return nil
	})
}

// Delete removes a node. Descendants, attachments and contact references go
// with it via the cascade declared once in the schema, not re-implemented
// here. Blob reference counts for the removed attachments are settled by the
// caller through DecrementBlobRef (the engine's maintenance sweep reclaims
// anything left at zero).
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM notes_nodes WHERE id = ?`, id)
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

// Move reparents a node and optionally assigns a new sort order, atomically
// with the modified timestamp. The new parent must be in the same section.
func (s *Store) Move(ctx context.Context, id string, newParent sql.NullString, sortOrder *int64) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var section string
		err := tx.QueryRowContext(ctx, `SELECT section FROM notes_nodes WHERE id = ?`, id).Scan(&section)
		if err == sql.ErrNoRows {
			return dberr.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := checkParent(ctx, tx, newParent, section); err != nil {
			return err
		}
		if sortOrder != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE notes_nodes SET parent_id = ?, sort_order = ?, modified_at = datetime('now')
				WHERE id = ?
			`, newParent, *sortOrder, id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE notes_nodes SET parent_id = ?, modified_at = datetime('now')
				WHERE id = ?
			`, newParent, id)
		}
		return err
	})
}

const nodeColumns = `id, origin_id, revision, parent_id, section, node_type,
	title, content, sort_order, tags, task_status, due_date,
	progress, assigned_to, created_at, modified_at`

func scanNode(rows *sqlx.Rows) (*Node, error) {
	var n Node
	var tags string
	err := rows.Scan(&n.ID, &n.OriginID, &n.Revision, &n.ParentID, &n.Section, &n.Type,
		&n.Title, &n.Content, &n.SortOrder, &tags, &n.TaskStatus, &n.DueDate,
		&n.Progress, &n.AssignedTo, &n.CreatedAt, &n.ModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("scan notes node: %w", err)
	}
	n.Tags = decodeTags(tags)
	return &n, nil
}

// Get returns one node, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	rows, err := s.db.Query(ctx, `SELECT `+nodeColumns+` FROM notes_nodes WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanNode(rows)
}

// NodesBySection lists a section flat, ordered by parent and sort order.
func (s *Store) NodesBySection(ctx context.Context, section string) ([]*Node, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+nodeColumns+`
		FROM notes_nodes
		WHERE section = ?
		ORDER BY parent_id, sort_order, title
	`, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// SetContactRefs replaces a node's contact references in one transaction.
func (s *Store) SetContactRefs(ctx context.Context, nodeID string, contactIDs []string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM notes_contact_refs WHERE node_id = ?
		`, nodeID); err != nil {
			return err
		}
		for _, contactID := range contactIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO notes_contact_refs (node_id, contact_id) VALUES (?, ?)
			`, nodeID, contactID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ContactRefs returns a node's contact references.
func (s *Store) ContactRefs(ctx context.Context, nodeID string) ([]string, error) {
	var ids []string
	err := s.db.Select(ctx, &ids, `
		SELECT contact_id FROM notes_contact_refs WHERE node_id = ? ORDER BY contact_id
	`, nodeID)
	return ids, err
}
