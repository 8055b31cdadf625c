// Package conn owns the single physical SQLite connection for an engine
// instance. Every other component reaches the database exclusively through a
// Shared handle lent out by the Conn; ownership (and the right to close) never
// transfers.
package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ebolton/maildepot/internal/dberr"
)

// defaultParams applies the fixed pragmas: write-ahead logging,
// synchronous=NORMAL, foreign keys on, and a busy timeout so concurrent
// callers queue instead of failing immediately.
const defaultParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON"

// ErrReentrantTx is returned when a transaction is opened, or the statement
// serializer is re-entered, from inside an already-running transaction.
// Nested transactions are a programming error, not silently flattened.
var ErrReentrantTx = errors.New("reentrant transaction")

type txMarker struct{}

// InTx reports whether ctx is executing inside a WithTx body.
func InTx(ctx context.Context) bool {
	return ctx.Value(txMarker{}) != nil
}

// Observer receives a callback for every statement or transaction executed
// through the connection. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveStatement(component string, d time.Duration, err error)
}

// Conn is the connection core. At most one physical connection exists per
// Conn; Open fails if one is already held.
type Conn struct {
	path string
	obs  Observer

	mu     sync.Mutex // guards db and shares
	db     *sqlx.DB
	shares map[string]*Shared
	stmts  []*sqlx.Stmt

	// stmtMu is the connection-level serialization point. Single statements
	// take it per call; WithTx holds it for the whole transaction.
	stmtMu sync.Mutex
}

// New creates a connection core for the database at path. No connection is
// opened until Open is called.
func New(path string, obs Observer) *Conn {
	return &Conn{
		path:   path,
		obs:    obs,
		shares: make(map[string]*Shared),
	}
}

// Open establishes the physical connection. It fails with a ConnectionError
// if a connection already exists or storage is unreachable.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return &dberr.ConnectionError{Op: "open", Err: errors.New("connection already open")}
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return &dberr.ConnectionError{Op: "open", Err: fmt.Errorf("create db directory: %w", err)}
	}

	db, err := sqlx.Connect("sqlite3", c.path+defaultParams)
	if err != nil {
		return &dberr.ConnectionError{Op: "open", Err: err}
	}

	// A single physical connection backs every sharee; the pool must not
	// open a second one behind our back.
	db.SetMaxOpenConns(1)

	c.db = db
	return nil
}

// Close retracts all shares, closes tracked prepared statements, and closes
// the physical connection. Sharees must never call this themselves.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	for name := range c.shares {
		delete(c.shares, name)
	}
	for _, st := range c.stmts {
		_ = st.Close()
	}
	c.stmts = nil

	err := c.db.Close()
	c.db = nil
	if err != nil {
		return &dberr.ConnectionError{Op: "close", Err: err}
	}
	return nil
}

// Path returns the database file path.
func (c *Conn) Path() string { return c.path }

// Share lends a logical reference to the physical connection to the named
// component. The Shared handle has no Close; ownership stays with the Conn.
func (c *Conn) Share(component string) (*Shared, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, &dberr.ConnectionError{Op: "share", Err: errors.New("connection not open")}
	}
	if _, ok := c.shares[component]; ok {
		return nil, &dberr.ConnectionError{Op: "share", Err: fmt.Errorf("component %q already holds a share", component)}
	}
	sh := &Shared{name: component, conn: c}
	c.shares[component] = sh
	return sh, nil
}

// Revoke retracts the named component's share. Further use of the handle
// fails with a ConnectionError.
func (c *Conn) Revoke(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sh, ok := c.shares[component]; ok {
		sh.revoked.Store(true)
		delete(c.shares, component)
	}
}

// handle returns the live database handle, or a ConnectionError if the
// connection is closed.
func (c *Conn) handle() (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, &dberr.ConnectionError{Op: "execute", Err: errors.New("connection closed")}
	}
	return c.db, nil
}

func (c *Conn) observe(component string, start time.Time, err error) {
	if c.obs != nil {
		c.obs.ObserveStatement(component, time.Since(start), err)
	}
}

// Execute runs a single statement outside any transaction, serialized on the
// connection-level point. Used by the engine itself (pragmas, VACUUM).
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if InTx(ctx) {
		return nil, ErrReentrantTx
	}
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()

	start := time.Now()
	res, err := db.ExecContext(ctx, query, args...)
	c.observe("conn", start, err)
	return res, dberr.WrapSQL(query, err)
}

// Prepare compiles a statement and tracks it for closure with the connection.
func (c *Conn) Prepare(ctx context.Context, query string) (*sqlx.Stmt, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	st, err := db.PreparexContext(ctx, query)
	if err != nil {
		return nil, dberr.WrapSQL(query, err)
	}
	c.mu.Lock()
	c.stmts = append(c.stmts, st)
	c.mu.Unlock()
	return st, nil
}
