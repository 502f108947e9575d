package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Event types written to the outbox.
const (
	EventMailReceived = "mail.received"
	EventSyncJob      = "sync.job"
)

// OutboxMessage is a row waiting to be published.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// ReceivedEvent is the payload of a mail.received event.
type ReceivedEvent struct {
	EventID    string   `json:"event_id"`
	TS         int64    `json:"ts"`
	AccountID  string   `json:"account_id"`
	MessageID  string   `json:"message_id"`
	RemoteID   string   `json:"remote_id"`
	ThreadID   string   `json:"thread_id"`
	FolderID   string   `json:"folder_id"`
	Subject    string   `json:"subject"`
	Sender     string   `json:"sender"`
	To         []string `json:"to"`
	Snippet    string   `json:"snippet"`
	ReceivedAt int64    `json:"received_at"`
}

// Subject builds the event subject for an account, e.g.
// "mailsync.acct.mail.received".
func Subject(accountID, eventType string) string {
	return fmt.Sprintf("mailsync.%s.%s", accountID, eventType)
}

func appendReceivedTx(ctx context.Context, tx *sqlx.Tx, m mail.Message) error {
	ev := ReceivedEvent{
		EventID:    uuid.NewString(),
		TS:         time.Now().Unix(),
		AccountID:  m.AccountID,
		MessageID:  m.ID,
		RemoteID:   m.RemoteID,
		ThreadID:   m.ThreadID,
		FolderID:   m.FolderID,
		Subject:    m.Subject,
		Sender:     m.From,
		To:         m.To,
		Snippet:    m.Snippet,
		ReceivedAt: m.Date().Unix(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding received event: %w", err)
	}
	msgID := fmt.Sprintf("%s|%s|%s", EventMailReceived, m.AccountID, m.RemoteID)
	return appendOutboxTx(ctx, tx, Subject(m.AccountID, EventMailReceived), EventMailReceived, payload, msgID)
}

func appendOutboxTx(ctx context.Context, tx *sqlx.Tx, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// AppendOutbox queues an event for publication.
func (s *Store) AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := appendOutboxTx(ctx, tx, subject, eventType, payload, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE outbox SET published_at = ? WHERE id = ?", time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// OutboxRetries returns the retry count of an outbox row.
func (s *Store) OutboxRetries(ctx context.Context, id int64) (int, error) {
	var n sql.NullInt64
	if err := s.db.GetContext(ctx, &n, "SELECT retries FROM outbox WHERE id = ?", id); err != nil {
		return 0, fmt.Errorf("reading outbox retries: %w", err)
	}
	return int(n.Int64), nil
}
