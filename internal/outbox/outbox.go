// Package outbox is the durable queue of outgoing messages. It provides
// at-least-once delivery bookkeeping: the actual network send lives in an
// external collaborator that drives the status transitions recorded here.
package outbox

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

// Status is an outbox item state. Transitions are monotonic except
// failed→pending (explicit retry) and pending→cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Item is one queued outgoing message with its envelope.
type Item struct {
	ID            string
	AccountID     string
	Status        Status
	Attempts      int
	LastError     string
	From          string
	To            []string
	Cc            []string
	Bcc           []string
	Subject       string
	BodyText      sql.NullString
	BodyHTML      sql.NullString
	CreatedAt     time.Time
	LastAttemptAt sql.NullTime
}

// Queue is the outbox store.
type Queue struct {
	db *conn.Shared
}

// NewQueue returns an outbox queue executing on the given share.
func NewQueue(db *conn.Shared) *Queue {
	return &Queue{db: db}
}

func encodeAddrs(addrs []string) string {
	if len(addrs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(addrs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeAddrs(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var addrs []string
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return nil
	}
	return addrs
}

// Enqueue inserts or replaces an item by id. A missing id is assigned; a
// missing status defaults to pending.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	_, err := q.db.Exec(ctx, `
		INSERT OR REPLACE INTO outbox (
			id, account_id, status, attempts, last_error,
			from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
			body_text, body_html, created_at, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), NULL)
	`, item.ID, item.AccountID, item.Status, item.Attempts, item.LastError,
		item.From, encodeAddrs(item.To), encodeAddrs(item.Cc), encodeAddrs(item.Bcc),
		item.Subject, item.BodyText, item.BodyHTML)
	return err
}

func scanItem(rows *sqlx.Rows) (*Item, error) {
	var it Item
	var to, cc, bcc string
	err := rows.Scan(&it.ID, &it.AccountID, &it.Status, &it.Attempts, &it.LastError,
		&it.From, &to, &cc, &bcc, &it.Subject,
		&it.BodyText, &it.BodyHTML, &it.CreatedAt, &it.LastAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("scan outbox item: %w", err)
	}
	it.To = decodeAddrs(to)
	it.Cc = decodeAddrs(cc)
	it.Bcc = decodeAddrs(bcc)
	return &it, nil
}

const itemColumns = `id, account_id, status, attempts, last_error,
	from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
	body_text, body_html, created_at, last_attempt_at`

// Get returns one item by id, or nil if absent.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	rows, err := q.db.Query(ctx, `SELECT `+itemColumns+` FROM outbox WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanItem(rows)
}

// DequeueReady returns the oldest pending item for the account, or nil when
// the queue is empty. FIFO per account; no cross-account ordering guarantee.
// created_at has second resolution, so rowid breaks ties in insertion order.
func (q *Queue) DequeueReady(ctx context.Context, accountID string) (*Item, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM outbox
		WHERE account_id = ? AND status = ?
		ORDER BY created_at, rowid
		LIMIT 1
	`, accountID, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanItem(rows)
}

// transition performs a guarded status update. An update matching zero rows
// means the item is absent or the transition is illegal; both surface as
// ErrNotFound so callers never observe a silently skipped state change.
func (q *Queue) transition(ctx context.Context, set, where string, args ...any) error {
	res, err := q.db.Exec(ctx, `UPDATE outbox SET `+set+` WHERE `+where, args...)
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

// MarkSending moves pending→sending and stamps the attempt time.
func (q *Queue) MarkSending(ctx context.Context, id string) error {
	return q.transition(ctx,
		`status = ?, last_attempt_at = datetime('now')`,
		`id = ? AND status = ?`,
		StatusSending, id, StatusPending)
}

// MarkSent moves sending→sent.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	return q.transition(ctx,
		`status = ?`,
		`id = ? AND status = ?`,
		StatusSent, id, StatusSending)
}

// MarkFailed moves a pending or sending item to failed, increments the
// attempt counter, and records the error.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	return q.transition(ctx,
		`status = ?, attempts = attempts + 1, last_error = ?, last_attempt_at = datetime('now')`,
		`id = ? AND status IN (?, ?)`,
		StatusFailed, errMsg, id, StatusPending, StatusSending)
}

// MarkCancelled moves pending→cancelled.
func (q *Queue) MarkCancelled(ctx context.Context, id string) error {
	return q.transition(ctx,
		`status = ?`,
		`id = ? AND status = ?`,
		StatusCancelled, id, StatusPending)
}

// RetryFailedItems moves failed items back to pending, but only those under
// the attempt ceiling. This is the only way back from failed; nothing retries
// automatically. Returns the number of items re-queued.
func (q *Queue) RetryFailedItems(ctx context.Context, accountID string, maxAttempts int) (int64, error) {
	res, err := q.db.Exec(ctx, `
		UPDATE outbox SET status = ?
		WHERE account_id = ? AND status = ? AND attempts < ?
	`, StatusPending, accountID, StatusFailed, maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RemoveSentItems deletes sent items created before the cutoff. A pure
// delete; no side effects on other tables.
func (q *Queue) RemoveSentItems(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.Exec(ctx, `
		DELETE FROM outbox WHERE status = ? AND created_at < ?
	`, StatusSent, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RemoveFailedItems deletes failed items whose last attempt is older than
// maxAge.
func (q *Queue) RemoveFailedItems(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := q.db.Exec(ctx, `
		DELETE FROM outbox
		WHERE status = ? AND COALESCE(last_attempt_at, created_at) < ?
	`, StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ItemsByStatus lists an account's items in one state, oldest first.
func (q *Queue) ItemsByStatus(ctx context.Context, accountID string, status Status) ([]*Item, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM outbox
		WHERE account_id = ? AND status = ?
		ORDER BY created_at, rowid
	`, accountID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PendingCount returns the number of pending items for an account.
func (q *Queue) PendingCount(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := q.db.Get(ctx, &count, `
		SELECT COUNT(*) FROM outbox WHERE account_id = ? AND status = ?
	`, accountID, StatusPending)
	return count, err
}
