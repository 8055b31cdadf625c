package folders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/conn"
)

// Folder is one folder row. The primary key is (account, name); the name is
// the full delimiter-joined path as reported by the mail server.
type Folder struct {
	AccountID  string
	Name       string
	SpecialUse string
	Delimiter  string
	Attributes []string
	CreatedAt  time.Time
}

// Node is one node of the reconstructed folder hierarchy.
type Node struct {
	Name     string  // path segment
	FullName string  // full delimiter-joined path
	Folder   *Folder // nil for intermediate nodes that have no row
	Children []*Node
}

// FolderStore persists the folder hierarchy and special-use mapping.
type FolderStore struct {
	db *conn.Shared
}

// NewFolderStore returns a folder store executing on the given share.
func NewFolderStore(db *conn.Shared) *FolderStore {
	return &FolderStore{db: db}
}

func encodeAttrs(attrs []string) string {
	if len(attrs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeAttrs(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var attrs []string
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil
	}
	return attrs
}

// Upsert inserts or replaces a folder row.
func (s *FolderStore) Upsert(ctx context.Context, f *Folder) error {
	if f.Delimiter == "" {
		f.Delimiter = "/"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO folders (account_id, name, special_use, delimiter, attributes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			special_use = excluded.special_use,
			delimiter = excluded.delimiter,
			attributes = excluded.attributes
	`, f.AccountID, f.Name, f.SpecialUse, f.Delimiter, encodeAttrs(f.Attributes))
	return err
}

// Delete removes one folder row.
func (s *FolderStore) Delete(ctx context.Context, accountID, name string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM folders WHERE account_id = ? AND name = ?
	`, accountID, name)
	return err
}

// List returns all folders for an account ordered by name.
func (s *FolderStore) List(ctx context.Context, accountID string) ([]Folder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, name, special_use, delimiter, attributes, created_at
		FROM folders WHERE account_id = ? ORDER BY name
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		var attrs string
		if err := rows.Scan(&f.AccountID, &f.Name, &f.SpecialUse, &f.Delimiter, &attrs, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		f.Attributes = decodeAttrs(attrs)
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// SpecialFolder returns the folder carrying the given special use, or nil.
// At most one exists per (account, special use).
func (s *FolderStore) SpecialFolder(ctx context.Context, accountID, specialUse string) (*Folder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, name, special_use, delimiter, attributes, created_at
		FROM folders WHERE account_id = ? AND special_use = ?
		LIMIT 1
	`, accountID, specialUse)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var f Folder
	var attrs string
	if err := rows.Scan(&f.AccountID, &f.Name, &f.SpecialUse, &f.Delimiter, &attrs, &f.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan folder: %w", err)
	}
	f.Attributes = decodeAttrs(attrs)
	return &f, nil
}

// UpdateSpecialFolders replaces the special-use mapping for an account. The
// clear-then-set runs in one transaction so a reader never observes two
// folders claiming the same special use, nor none mid-update. The mapping
// keys are special uses, values are folder names.
func (s *FolderStore) UpdateSpecialFolders(ctx context.Context, accountID string, mapping map[string]string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		uses := make([]string, 0, len(mapping))
		for use := range mapping {
			uses = append(uses, use)
		}
		sort.Strings(uses)

		for _, use := range uses {
			if _, err := tx.ExecContext(ctx, `
				UPDATE folders SET special_use = '' WHERE account_id = ? AND special_use = ?
			`, accountID, use); err != nil {
				return fmt.Errorf("clear special use %q: %w", use, err)
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE folders SET special_use = ? WHERE account_id = ? AND name = ?
			`, use, accountID, mapping[use])
			if err != nil {
				return fmt.Errorf("set special use %q: %w", use, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("set special use %q: folder %q not found", use, mapping[use])
			}
		}
		return nil
	})
}

// Hierarchy reconstructs the folder tree for an account from the flat rows,
// splitting each folder name on its per-folder delimiter. Intermediate path
// segments without a row of their own become placeholder nodes.
func (s *FolderStore) Hierarchy(ctx context.Context, accountID string) ([]*Node, error) {
	flat, err := s.List(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var roots []*Node
	index := make(map[string]*Node)

	lookup := func(parent *Node, segment, fullName string) *Node {
		if n, ok := index[fullName]; ok {
			return n
		}
		n := &Node{Name: segment, FullName: fullName}
		index[fullName] = n
		if parent == nil {
			roots = append(roots, n)
		} else {
			parent.Children = append(parent.Children, n)
		}
		return n
	}

	for i := range flat {
		f := &flat[i]
		delim := f.Delimiter
		if delim == "" {
			delim = "/"
		}
		segments := strings.Split(f.Name, delim)

		var parent *Node
		full := ""
		for _, seg := range segments {
			if full == "" {
				full = seg
			} else {
				full = full + delim + seg
			}
			parent = lookup(parent, seg, full)
		}
		parent.Folder = f
	}

	return roots, nil
}
