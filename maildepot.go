// Package maildepot is the embedded persistence engine for a mail/notes
// client: durable storage of mail headers, bodies, MIME parts, attachments,
// an outgoing-mail queue, and a hierarchical notes data set, all sharing one
// physical SQLite connection and one transaction discipline.
package maildepot

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ebolton/maildepot/internal/attach"
	"github.com/ebolton/maildepot/internal/blob"
	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/folders"
	"github.com/ebolton/maildepot/internal/mailstore"
	"github.com/ebolton/maildepot/internal/metrics"
	"github.com/ebolton/maildepot/internal/notes"
	"github.com/ebolton/maildepot/internal/outbox"
	"github.com/ebolton/maildepot/internal/schema"
)

// GeneratorVersion is the render pipeline version baked into this build.
// Render-cache entries below it are stale and get purged, never served.
const GeneratorVersion = 2

// Engine is the composition root and facade. It owns the connection core,
// constructs every store with a shared (non-owning) connection reference,
// and exposes maintenance and metrics.
type Engine struct {
	cfg Config
	log *slog.Logger
	reg *metrics.Registry

	conn     *conn.Conn
	self     *conn.Shared // engine-level statements (VACUUM, stats)
	mail     *mailstore.Store
	attach   *attach.Store
	blobs    *blob.Registry
	outbox   *outbox.Queue
	accounts *folders.AccountStore
	folders  *folders.FolderStore
	notes    *notes.Store

	maint *maintenanceRunner
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics injects an explicitly-lifetimed metrics registry, e.g. one
// shared with the embedding application. Defaults to a fresh registry; there
// is no global one.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.reg = reg }
}

// components that receive a share of the connection, in wiring order.
var components = []string{
	"engine", "schema", "mail", "attach", "blob", "outbox", "accounts", "folders", "notes",
}

// Open opens the engine: connection, schema creation/migration, and store
// wiring. The returned Engine must be closed.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	cfg.normalize()

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.reg == nil {
		e.reg = metrics.New()
	}

	e.conn = conn.New(cfg.StoragePath, e.reg)
	if err := e.conn.Open(); err != nil {
		return nil, err
	}

	shares := make(map[string]*conn.Shared, len(components))
	for _, name := range components {
		sh, err := e.conn.Share(name)
		if err != nil {
			_ = e.conn.Close()
			return nil, err
		}
		shares[name] = sh
	}

	ctx := context.Background()
	mgr := schema.NewManager(shares["schema"])
	if err := mgr.Ensure(ctx); err != nil {
		_ = e.conn.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	e.self = shares["engine"]
	e.mail = mailstore.New(shares["mail"], GeneratorVersion)
	e.attach = attach.New(shares["attach"], attach.Config{
		Dir:             cfg.AttachmentsDir,
		InlineThreshold: cfg.InlineThreshold,
		Dedup:           cfg.Dedup,
	})
	e.blobs = blob.NewRegistry(shares["blob"])
	e.outbox = outbox.NewQueue(shares["outbox"])
	e.accounts = folders.NewAccountStore(shares["accounts"])
	e.folders = folders.NewFolderStore(shares["folders"])
	e.notes = notes.New(shares["notes"])
	e.maint = newMaintenanceRunner(e)

	version, err := mgr.Version(ctx)
	if err != nil {
		_ = e.conn.Close()
		return nil, err
	}
	e.log.Info("engine opened",
		"path", cfg.StoragePath,
		"schema_version", version,
		"dedup", cfg.Dedup)

	if cfg.MaintenanceSchedule != "" {
		if err := e.StartMaintenance(cfg.MaintenanceSchedule); err != nil {
			_ = e.conn.Close()
			return nil, err
		}
	}

	return e, nil
}

// Close stops scheduled maintenance and closes the connection. Stores become
// unusable; their shares are retracted by the connection core.
func (e *Engine) Close() error {
	e.maint.stop()
	for _, name := range components {
		e.conn.Revoke(name)
	}
	return e.conn.Close()
}

// Mail returns the mail store.
func (e *Engine) Mail() *mailstore.Store { return e.mail }

// Attachments returns the attachment store.
func (e *Engine) Attachments() *attach.Store { return e.attach }

// Blobs returns the reference-counted blob registry.
func (e *Engine) Blobs() *blob.Registry { return e.blobs }

// Outbox returns the outgoing-mail queue.
func (e *Engine) Outbox() *outbox.Queue { return e.outbox }

// Accounts returns the account store.
func (e *Engine) Accounts() *folders.AccountStore { return e.accounts }

// Folders returns the folder store.
func (e *Engine) Folders() *folders.FolderStore { return e.folders }

// Notes returns the notes store.
func (e *Engine) Notes() *notes.Store { return e.notes }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Metrics returns a snapshot of all counters and timers.
func (e *Engine) Metrics() metrics.Snapshot { return e.reg.Snapshot() }

// Stats holds per-table row counts and the database file size.
type Stats struct {
	Rows         map[string]int64
	DatabaseSize int64
}

// Stats reports row counts for every mandatory table plus the file size.
// Missing tables (a partially repaired database) count as zero.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Rows: make(map[string]int64)}
	for _, table := range schema.Tables() {
		var count int64
		if err := e.self.Get(ctx, &count, `SELECT COUNT(*) FROM `+table); err != nil {
			continue
		}
		stats.Rows[table] = count
	}
	if info, err := os.Stat(e.cfg.StoragePath); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}
