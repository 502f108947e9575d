package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// UpsertAccount inserts or updates an account.
func (s *Store) UpsertAccount(ctx context.Context, a mail.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, email, provider, needs_reauthentication, is_local_only)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			provider = excluded.provider,
			is_local_only = excluded.is_local_only`,
		a.ID, a.DisplayName, a.Email, string(a.Provider), a.NeedsReauthentication, a.IsLocalOnly,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}
	s.changed()
	return nil
}

// GetAccount returns the account with id or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	var a mail.Account
	err := s.db.GetContext(ctx, &a, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &a, nil
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]mail.Account, error) {
	var accounts []mail.Account
	if err := s.db.SelectContext(ctx, &accounts, "SELECT * FROM accounts ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// SetNeedsReauthentication flags an account whose credentials were rejected.
func (s *Store) SetNeedsReauthentication(ctx context.Context, id string, needs bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET needs_reauthentication = ? WHERE id = ?", needs, id)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", id, err)
	}
	s.changed()
	return nil
}

// DeleteAccount removes an account and, by cascade, its cached mail.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range []string{
			"DELETE FROM pending_actions WHERE account_id = ?",
			"DELETE FROM provider_sync_state WHERE account_id = ?",
			"DELETE FROM accounts WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("deleting account %s: %w", id, err)
			}
		}
		return nil
	})
}
