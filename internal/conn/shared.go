package conn

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/dberr"
)

// Shared is a non-owning capability for the physical connection, lent to one
// component by Conn.Share. It has no Close method on purpose. Each Shared is
// its own serial execution queue: a component's statements run one at a time,
// and each delegates to the connection-level serialization point.
type Shared struct {
	name    string
	conn    *Conn
	revoked atomic.Bool

	// mu is the per-component serial queue. Cleanup jobs and writes that
	// must not overlap go through the same Shared, hence the same mu.
	mu sync.Mutex
}

// Name returns the component name this share was issued to.
func (s *Shared) Name() string { return s.name }

func (s *Shared) enter(ctx context.Context) (*sqlx.DB, error) {
	if s.revoked.Load() {
		return nil, &dberr.ConnectionError{Op: "execute", Err: errors.New("share revoked for " + s.name)}
	}
	if InTx(ctx) {
		// A component already inside a transaction must not re-enter the
		// serializer; it holds the tx handle and must use that instead.
		return nil, ErrReentrantTx
	}
	return s.conn.handle()
}

// Exec runs a write statement.
func (s *Shared) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.stmtMu.Lock()
	defer s.conn.stmtMu.Unlock()

	start := time.Now()
	res, err := db.ExecContext(ctx, query, args...)
	s.conn.observe(s.name, start, err)
	return res, dberr.WrapSQL(query, err)
}

// Get scans a single row into dest, mapping sql.ErrNoRows to ErrNotFound.
func (s *Shared) Get(ctx context.Context, dest any, query string, args ...any) error {
	db, err := s.enter(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.stmtMu.Lock()
	defer s.conn.stmtMu.Unlock()

	start := time.Now()
	err = db.GetContext(ctx, dest, query, args...)
	s.conn.observe(s.name, start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return dberr.ErrNotFound
	}
	return dberr.WrapSQL(query, err)
}

// Select scans all rows into dest (a pointer to slice).
func (s *Shared) Select(ctx context.Context, dest any, query string, args ...any) error {
	db, err := s.enter(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.stmtMu.Lock()
	defer s.conn.stmtMu.Unlock()

	start := time.Now()
	err = db.SelectContext(ctx, dest, query, args...)
	s.conn.observe(s.name, start, err)
	return dberr.WrapSQL(query, err)
}

// Query runs a row-set query for manual scanning. The caller must close the
// returned rows before issuing further statements on this share.
func (s *Shared) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	db, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.stmtMu.Lock()
	defer s.conn.stmtMu.Unlock()

	start := time.Now()
	rows, err := db.QueryxContext(ctx, query, args...)
	s.conn.observe(s.name, start, err)
	return rows, dberr.WrapSQL(query, err)
}

// Prepare compiles a statement on the shared connection. The statement's
// lifetime is managed by the connection core, not the caller.
func (s *Shared) Prepare(ctx context.Context, query string) (*sqlx.Stmt, error) {
	if s.revoked.Load() {
		return nil, &dberr.ConnectionError{Op: "prepare", Err: errors.New("share revoked for " + s.name)}
	}
	return s.conn.Prepare(ctx, query)
}

// WithTx wraps fn in BEGIN/COMMIT, rolling back on any failure inside fn.
// The body receives a context marked as transactional; a nested WithTx (or
// any serializer entry) with that context fails fast with ErrReentrantTx
// rather than deadlocking or silently flattening. The component's serial
// queue and the connection-level point are both held for the duration, so no
// other statement interleaves with the transaction.
func (s *Shared) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if InTx(ctx) {
		return ErrReentrantTx
	}
	if s.revoked.Load() {
		return &dberr.ConnectionError{Op: "tx", Err: errors.New("share revoked for " + s.name)}
	}
	db, err := s.conn.handle()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.stmtMu.Lock()
	defer s.conn.stmtMu.Unlock()

	start := time.Now()
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		s.conn.observe(s.name, start, err)
		return &dberr.ConnectionError{Op: "begin tx", Err: err}
	}

	txCtx := context.WithValue(ctx, txMarker{}, true)
	if err := fn(txCtx, tx); err != nil {
		_ = tx.Rollback()
		s.conn.observe(s.name, start, err)
		return err
	}
	err = tx.Commit()
	s.conn.observe(s.name, start, err)
	if err != nil {
		return &dberr.ConnectionError{Op: "commit tx", Err: err}
	}
	return nil
}
