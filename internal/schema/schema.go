// Package schema applies the maildepot DDL and drives forward-only version
// migration. Creation is idempotent and migration is safely re-runnable:
// a partially applied prior run is tolerated, never repeated destructively.
package schema

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
)

//go:embed schema.sql
var schemaFS embed.FS

// Target is the schema version this build writes and migrates to. It only
// ever increases.
const Target = 3

// migrations holds the ordered ALTER statements that bring version n-1 to n.
// Version 1 is the base schema; it has no ALTERs.
var migrations = map[int][]string{
	2: {
		`ALTER TABLE attachments ADD COLUMN download_status TEXT NOT NULL DEFAULT 'complete'`,
		`ALTER TABLE outbox ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
	},
	3: {
		`ALTER TABLE notes_nodes ADD COLUMN progress INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE notes_nodes ADD COLUMN assigned_to TEXT NOT NULL DEFAULT ''`,
	},
}

// mandatoryTables are verified after migration; a missing one is repaired by
// re-issuing the DDL. Defensive repair, not a substitute for migration.
var mandatoryTables = []string{
	"schema_info",
	"accounts",
	"folders",
	"message_headers",
	"message_bodies",
	"mime_parts",
	"render_cache",
	"attachments",
	"blob_meta",
	"outbox",
	"notes_nodes",
	"notes_attachments",
	"notes_contact_refs",
	"notes_blobs",
}

// Manager applies DDL and migrations over a shared connection.
type Manager struct {
	db *conn.Shared
}

// NewManager returns a Manager executing on the given share.
func NewManager(db *conn.Shared) *Manager {
	return &Manager{db: db}
}

// statements splits the embedded DDL into independent statements.
func statements() ([]string, error) {
	raw, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("read schema.sql: %w", err)
	}
	var out []string
	for _, stmt := range strings.Split(string(raw), ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(stmt))
	}
	return out, nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Create applies the full current-version DDL. Every statement is
// independently idempotent; the first failure aborts with that statement's
// error, leaving prior statements in place (they cannot be un-created, and
// re-running is safe).
func (m *Manager) Create(ctx context.Context) error {
	stmts, err := statements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// Version reads the persisted schema version. A database without a
// schema_info row reports version 0.
func (m *Manager) Version(ctx context.Context) (int, error) {
	var v int
	err := m.db.Get(ctx, &v, `SELECT version FROM schema_info WHERE id = 1`)
	if err == dberr.ErrNotFound || dberr.IsMissingTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// setVersion persists the schema version.
func (m *Manager) setVersion(ctx context.Context, v int) error {
	_, err := m.db.Exec(ctx, `
		INSERT INTO schema_info (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, v)
	return err
}

// Migrate applies the versioned ALTER statements from version `from`
// (exclusive) to `to` (inclusive). An ALTER that fails because the column
// already exists (a partial prior migration) is swallowed; any other failure
// surfaces. Afterwards mandatory tables are verified and self-healed.
func (m *Manager) Migrate(ctx context.Context, from, to int) error {
	if to > Target {
		return fmt.Errorf("migrate: target version %d beyond build target %d", to, Target)
	}
	for v := from + 1; v <= to; v++ {
		for _, stmt := range migrations[v] {
			if _, err := m.db.Exec(ctx, stmt); err != nil {
				if dberr.IsColumnExists(err) {
					continue
				}
				return fmt.Errorf("migrate to version %d: %w", v, err)
			}
		}
	}
	if err := m.verify(ctx); err != nil {
		return err
	}
	return m.setVersion(ctx, to)
}

// Ensure brings a database to the target version: fresh DDL, any pending
// migrations, and the persisted version stamp.
func (m *Manager) Ensure(ctx context.Context) error {
	if err := m.Create(ctx); err != nil {
		return err
	}
	from, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if from > Target {
		return fmt.Errorf("schema version %d newer than build target %d", from, Target)
	}
	if from == Target {
		return nil
	}
	if from == 0 {
		// Fresh database: the DDL above already has the full shape.
		return m.setVersion(ctx, Target)
	}
	return m.Migrate(ctx, from, Target)
}

// verify checks the mandatory tables exist, re-issuing the DDL when one is
// missing.
func (m *Manager) verify(ctx context.Context) error {
	for _, table := range mandatoryTables {
		var name string
		err := m.db.Get(ctx, &name,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		if err == dberr.ErrNotFound {
			if err := m.Create(ctx); err != nil {
				return fmt.Errorf("repair missing table %s: %w", table, err)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Tables returns the mandatory table names. Used by engine statistics.
func Tables() []string {
	out := make([]string, len(mandatoryTables))
	copy(out, mandatoryTables)
	return out
}
