package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ActionKind names an offline mutation waiting to be replayed remotely.
type ActionKind string

const (
	ActionMarkRead   ActionKind = "mark_read"
	ActionMarkUnread ActionKind = "mark_unread"
	ActionDelete     ActionKind = "delete"
	ActionMove       ActionKind = "move"
)

// PendingAction is a local mutation recorded while it is uploaded.
type PendingAction struct {
	ID            string     `db:"id"`
	AccountID     string     `db:"account_id"`
	MessageID     string     `db:"message_id"`
	RemoteID      string     `db:"remote_id"`
	Kind          ActionKind `db:"kind"`
	DestinationID string     `db:"destination_id"`
	SourceID      string     `db:"source_id"`
	CreatedAt     int64      `db:"created_at"`
	Attempts      int        `db:"attempts"`
	LastError     string     `db:"last_error"`
}

// AddPendingActions records actions in one transaction and returns them with
// ids assigned.
func (s *Store) AddPendingActions(ctx context.Context, actions []PendingAction) ([]PendingAction, error) {
	now := time.Now().UnixMilli()
	out := make([]PendingAction, 0, len(actions))
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, a := range actions {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			if a.CreatedAt == 0 {
				a.CreatedAt = now
			}
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO pending_actions (
					id, account_id, message_id, remote_id, kind,
					destination_id, source_id, created_at, attempts, last_error
				) VALUES (
					:id, :account_id, :message_id, :remote_id, :kind,
					:destination_id, :source_id, :created_at, :attempts, :last_error
				)`, a)
			if err != nil {
				return fmt.Errorf("recording %s action for %s: %w", a.Kind, a.MessageID, err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPendingActions returns the pending actions of an account in the order
// they were recorded. A non-empty id narrows the result to that action.
func (s *Store) ListPendingActions(ctx context.Context, accountID, id string) ([]PendingAction, error) {
	query := "SELECT * FROM pending_actions WHERE account_id = ?"
	args := []interface{}{accountID}
	if id != "" {
		query += " AND id = ?"
		args = append(args, id)
	}
	query += " ORDER BY created_at, rowid"

	var out []PendingAction
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing pending actions of %s: %w", accountID, err)
	}
	return out, nil
}

// DeletePendingAction removes an action once it has been uploaded.
func (s *Store) DeletePendingAction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting pending action %s: %w", id, err)
	}
	return nil
}

// RecordActionFailure bumps the attempt count of an action.
func (s *Store) RecordActionFailure(ctx context.Context, id string, cause error) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_actions SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		cause.Error(), id)
	if err != nil {
		return fmt.Errorf("updating pending action %s: %w", id, err)
	}
	return nil
}
