// Package folders provides the account and folder stores: account records,
// the folder hierarchy, special-folder mapping, and explicit cascading
// delete.
package folders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ebolton/maildepot/internal/conn"
	"github.com/ebolton/maildepot/internal/dberr"
)

// Account is one mail account record.
type Account struct {
	ID          string    `db:"id"`
	DisplayName string    `db:"display_name"`
	Email       string    `db:"email"`
	IMAPHost    string    `db:"imap_host"`
	SMTPHost    string    `db:"smtp_host"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// AccountStore persists account records.
type AccountStore struct {
	db *conn.Shared
}

// NewAccountStore returns an account store executing on the given share.
func NewAccountStore(db *conn.Shared) *AccountStore {
	return &AccountStore{db: db}
}

// Insert creates an account. A missing id is assigned.
func (s *AccountStore) Insert(ctx context.Context, acct *Account) error {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, display_name, email, imap_host, smtp_host, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))
	`, acct.ID, acct.DisplayName, acct.Email, acct.IMAPHost, acct.SMTPHost)
	return err
}

// Update replaces the mutable account fields and bumps the updated stamp.
func (s *AccountStore) Update(ctx context.Context, acct *Account) error {
	res, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET display_name = ?, email = ?, imap_host = ?, smtp_host = ?, updated_at = datetime('now')
		WHERE id = ?
	`, acct.DisplayName, acct.Email, acct.IMAPHost, acct.SMTPHost, acct.ID)
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

// Get returns one account, or nil if absent.
func (s *AccountStore) Get(ctx context.Context, id string) (*Account, error) {
	var acct Account
	err := s.db.Get(ctx, &acct, `
		SELECT id, display_name, email, imap_host, smtp_host, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	if err == dberr.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// List returns all accounts ordered by email.
func (s *AccountStore) List(ctx context.Context) ([]Account, error) {
	var accts []Account
	err := s.db.Select(ctx, &accts, `
		SELECT id, display_name, email, imap_host, smtp_host, created_at, updated_at
		FROM accounts ORDER BY email
	`)
	return accts, err
}

// Delete removes the account and everything it owns in one transaction, in
// fixed child-before-parent order: outbox items, attachments, render cache,
// MIME parts, bodies, headers, folders, then the account row. The schema's
// foreign keys cascade too; the explicit ordering keeps the delete shape
// identical under crash-and-replay, never leaving a child pointing at a
// removed parent.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		steps := []string{
			`DELETE FROM outbox WHERE account_id = ?`,
			`DELETE FROM attachments WHERE account_id = ?`,
			`DELETE FROM render_cache WHERE account_id = ?`,
			`DELETE FROM mime_parts WHERE account_id = ?`,
			`DELETE FROM message_bodies WHERE account_id = ?`,
			`DELETE FROM message_headers WHERE account_id = ?`,
			`DELETE FROM folders WHERE account_id = ?`,
		}
		for _, stmt := range steps {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("cascade delete account: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return dberr.ErrNotFound
		}
		return nil
	})
}
