package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mail"
)

type messageRow struct {
	ID             string         `db:"id"`
	RemoteID       sql.NullString `db:"remote_id"`
	ThreadID       string         `db:"thread_id"`
	AccountID      string         `db:"account_id"`
	FolderID       string         `db:"folder_id"`
	ReceivedAt     int64          `db:"received_at"`
	SentAt         int64          `db:"sent_at"`
	LastSyncedAt   int64          `db:"last_synced_at"`
	Subject        string         `db:"subject"`
	Snippet        string         `db:"snippet"`
	Body           sql.NullString `db:"body"`
	BodyIsHTML     bool           `db:"body_is_html"`
	Sender         string         `db:"sender"`
	ToAddrs        string         `db:"to_addrs"`
	CcAddrs        string         `db:"cc_addrs"`
	IsRead         bool           `db:"is_read"`
	IsStarred      bool           `db:"is_starred"`
	HasAttachments bool           `db:"has_attachments"`
	IsDraft        bool           `db:"is_draft"`
	IsOutbox       bool           `db:"is_outbox"`
	SyncStatus     string         `db:"sync_status"`
}

func toRow(m mail.Message) (messageRow, error) {
	to, err := json.Marshal(nonNil(m.To))
	if err != nil {
		return messageRow{}, fmt.Errorf("marshaling to for %s: %w", m.ID, err)
	}
	cc, err := json.Marshal(nonNil(m.Cc))
	if err != nil {
		return messageRow{}, fmt.Errorf("marshaling cc for %s: %w", m.ID, err)
	}
	r := messageRow{
		ID:             m.ID,
		RemoteID:       sql.NullString{String: m.RemoteID, Valid: m.RemoteID != ""},
		ThreadID:       m.ThreadID,
		AccountID:      m.AccountID,
		FolderID:       m.FolderID,
		ReceivedAt:     toMillis(m.ReceivedAt),
		SentAt:         toMillis(m.SentAt),
		LastSyncedAt:   toMillis(m.LastSyncedAt),
		Subject:        m.Subject,
		Snippet:        m.Snippet,
		BodyIsHTML:     m.BodyIsHTML,
		Sender:         m.From,
		ToAddrs:        string(to),
		CcAddrs:        string(cc),
		IsRead:         m.IsRead,
		IsStarred:      m.IsStarred,
		HasAttachments: m.HasAttachments,
		IsDraft:        m.IsDraft,
		IsOutbox:       m.IsOutbox,
		SyncStatus:     string(m.SyncStatus),
	}
	if m.Body != nil {
		r.Body = sql.NullString{String: *m.Body, Valid: true}
	}
	if r.SyncStatus == "" {
		r.SyncStatus = string(mail.StatusSynced)
	}
	return r, nil
}

func (r messageRow) message() mail.Message {
	m := mail.Message{
		ID:             r.ID,
		RemoteID:       r.RemoteID.String,
		ThreadID:       r.ThreadID,
		AccountID:      r.AccountID,
		FolderID:       r.FolderID,
		ReceivedAt:     fromMillis(r.ReceivedAt),
		SentAt:         fromMillis(r.SentAt),
		LastSyncedAt:   fromMillis(r.LastSyncedAt),
		Subject:        r.Subject,
		Snippet:        r.Snippet,
		BodyIsHTML:     r.BodyIsHTML,
		From:           r.Sender,
		IsRead:         r.IsRead,
		IsStarred:      r.IsStarred,
		HasAttachments: r.HasAttachments,
		IsDraft:        r.IsDraft,
		IsOutbox:       r.IsOutbox,
		SyncStatus:     mail.SyncStatus(r.SyncStatus),
	}
	if r.Body.Valid {
		body := r.Body.String
		m.Body = &body
	}
	// Malformed address lists leave the fields empty.
	_ = json.Unmarshal([]byte(r.ToAddrs), &m.To)
	_ = json.Unmarshal([]byte(r.CcAddrs), &m.Cc)
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func rowsToMessages(rows []messageRow) []mail.Message {
	out := make([]mail.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out
}

const upsertMessageSQL = `
	INSERT INTO messages (
		id, remote_id, thread_id, account_id, folder_id,
		received_at, sent_at, last_synced_at,
		subject, snippet, body, body_is_html,
		sender, to_addrs, cc_addrs,
		is_read, is_starred, has_attachments, is_draft, is_outbox,
		sync_status
	) VALUES (
		:id, :remote_id, :thread_id, :account_id, :folder_id,
		:received_at, :sent_at, :last_synced_at,
		:subject, :snippet, :body, :body_is_html,
		:sender, :to_addrs, :cc_addrs,
		:is_read, :is_starred, :has_attachments, :is_draft, :is_outbox,
		:sync_status
	)
	ON CONFLICT(id) DO UPDATE SET
		remote_id = excluded.remote_id,
		thread_id = excluded.thread_id,
		folder_id = excluded.folder_id,
		received_at = excluded.received_at,
		sent_at = excluded.sent_at,
		last_synced_at = excluded.last_synced_at,
		subject = excluded.subject,
		snippet = excluded.snippet,
		body = COALESCE(excluded.body, messages.body),
		body_is_html = excluded.body_is_html,
		sender = excluded.sender,
		to_addrs = excluded.to_addrs,
		cc_addrs = excluded.cc_addrs,
		is_read = excluded.is_read,
		is_starred = excluded.is_starred,
		has_attachments = excluded.has_attachments,
		is_draft = excluded.is_draft,
		is_outbox = excluded.is_outbox,
		sync_status = excluded.sync_status`

// UpsertMessages writes msgs in one transaction. Messages not stored before
// also get a mail.received outbox row in the same transaction. It returns
// how many messages were new.
func (s *Store) UpsertMessages(ctx context.Context, msgs []mail.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, upsertMessageSQL)
		if err != nil {
			return fmt.Errorf("preparing upsert statement: %w", err)
		}
		defer stmt.Close()

		for _, m := range msgs {
			if m.ID == "" {
				return fmt.Errorf("message %s has no local id", m.RemoteID)
			}
			var exists int
			if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM messages WHERE id = ?", m.ID); err != nil {
				return fmt.Errorf("checking message %s: %w", m.ID, err)
			}
			row, err := toRow(m)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return fmt.Errorf("upserting message %s: %w", m.ID, err)
			}
			if exists == 0 && m.RemoteID != "" {
				inserted++
				if err := appendReceivedTx(ctx, tx, m); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// MessagesByRemoteID returns the stored messages of an account keyed by
// remote id.
func (s *Store) MessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) (map[string]mail.Message, error) {
	out := make(map[string]mail.Message, len(remoteIDs))
	if len(remoteIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In("SELECT * FROM messages WHERE account_id = ? AND remote_id IN (?)", accountID, remoteIDs)
	if err != nil {
		return nil, fmt.Errorf("building remote id query: %w", err)
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying messages by remote id: %w", err)
	}
	for _, r := range rows {
		out[r.RemoteID.String] = r.message()
	}
	return out, nil
}

// GetMessage returns the message with local id or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	var r messageRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	m := r.message()
	return &m, nil
}

// ListMessages returns up to limit messages of a folder, newest first. A
// limit of zero returns all of them. Messages deleted locally but not yet on
// the provider are left out.
func (s *Store) ListMessages(ctx context.Context, accountID, folderID string, limit int) ([]mail.Message, error) {
	query := `SELECT * FROM messages WHERE account_id = ? AND folder_id = ? AND sync_status != 'PENDING_DELETE'
		ORDER BY CASE WHEN received_at = 0 THEN sent_at ELSE received_at END DESC, id`
	args := []interface{}{accountID, folderID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages of %s/%s: %w", accountID, folderID, err)
	}
	return rowsToMessages(rows), nil
}

// ThreadMessages returns every stored message of a thread.
func (s *Store) ThreadMessages(ctx context.Context, accountID, threadID string) ([]mail.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM messages WHERE account_id = ? AND thread_id = ? ORDER BY received_at DESC", accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing thread %s: %w", threadID, err)
	}
	return rowsToMessages(rows), nil
}

// DeleteMessagesByRemoteID removes messages the provider reported deleted.
// Messages with local changes waiting for upload are kept.
func (s *Store) DeleteMessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM messages WHERE account_id = ? AND remote_id IN (?)
		AND sync_status NOT IN ('PENDING_UPLOAD')`, accountID, remoteIDs)
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}
	var n int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// DeleteMessage removes one message by local id.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting message %s: %w", id, err)
		}
		return nil
	})
}

// SetMessageRead updates the read flag and sync status of a message.
func (s *Store) SetMessageRead(ctx context.Context, id string, read bool, status mail.SyncStatus) error {
	return s.updateMessage(ctx, id, "is_read = ?, sync_status = ?", read, string(status))
}

// SetMessageFolder moves a message locally.
func (s *Store) SetMessageFolder(ctx context.Context, id, folderID string, status mail.SyncStatus) error {
	return s.updateMessage(ctx, id, "folder_id = ?, sync_status = ?", folderID, string(status))
}

// SetMessageStatus updates only the sync status of a message.
func (s *Store) SetMessageStatus(ctx context.Context, id string, status mail.SyncStatus) error {
	return s.updateMessage(ctx, id, "sync_status = ?", string(status))
}

func (s *Store) updateMessage(ctx context.Context, id, set string, args ...interface{}) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE messages SET "+set+" WHERE id = ?", append(args, id)...)
		if err != nil {
			return fmt.Errorf("updating message %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SaveBody stores a fetched body and the attachment metadata that came with
// it. Attachments already downloaded keep their local path and status.
func (s *Store) SaveBody(ctx context.Context, messageID string, body *mail.MessageBody) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET body = ?, body_is_html = ?, has_attachments = ?, last_synced_at = ?
			WHERE id = ?`,
			body.Content, body.IsHTML, len(body.Attachments) > 0, toMillis(time.Now()), messageID)
		if err != nil {
			return fmt.Errorf("saving body of %s: %w", messageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		for _, a := range body.Attachments {
			a.MessageID = messageID
			if a.ID == "" {
				a.ID = AttachmentID(messageID, a.RemoteID)
			}
			if a.DownloadStatus == "" {
				a.DownloadStatus = mail.DownloadNone
			}
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO attachments (
					id, message_id, account_id, filename, mime_type, size,
					is_inline, content_id, local_path, remote_id, download_status, last_error
				) VALUES (
					:id, :message_id, :account_id, :filename, :mime_type, :size,
					:is_inline, :content_id, :local_path, :remote_id, :download_status, :last_error
				)
				ON CONFLICT(id) DO UPDATE SET
					filename = excluded.filename,
					mime_type = excluded.mime_type,
					size = excluded.size,
					is_inline = excluded.is_inline,
					content_id = excluded.content_id`, a)
			if err != nil {
				return fmt.Errorf("saving attachment %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// AttachmentID derives a stable local id for an attachment.
func AttachmentID(messageID, remoteID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(messageID+"/"+remoteID)).String()
}

// EvictBodies drops cached bodies of synced messages last refreshed before
// olderThan.
func (s *Store) EvictBodies(ctx context.Context, accountID string, olderThan time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET body = NULL
			WHERE account_id = ? AND body IS NOT NULL AND last_synced_at < ? AND sync_status = ?`,
			accountID, toMillis(olderThan), string(mail.StatusSynced))
		if err != nil {
			return fmt.Errorf("evicting bodies of %s: %w", accountID, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
