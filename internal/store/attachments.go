package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// ListAttachments returns the attachments of a message.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]mail.Attachment, error) {
	var out []mail.Attachment
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM attachments WHERE message_id = ? ORDER BY filename, id", messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments of %s: %w", messageID, err)
	}
	return out, nil
}

// GetAttachment returns an attachment by local or remote id.
func (s *Store) GetAttachment(ctx context.Context, messageID, id string) (*mail.Attachment, error) {
	var a mail.Attachment
	err := s.db.GetContext(ctx, &a,
		"SELECT * FROM attachments WHERE message_id = ? AND (id = ? OR remote_id = ?) LIMIT 1",
		messageID, id, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting attachment %s: %w", id, err)
	}
	return &a, nil
}

// UpdateAttachmentDownload records the outcome of a content download.
func (s *Store) UpdateAttachmentDownload(ctx context.Context, id string, status mail.DownloadStatus, localPath *string, lastErr string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE attachments SET download_status = ?, local_path = COALESCE(?, local_path), last_error = ?
			WHERE id = ?`, string(status), localPath, lastErr, id)
		if err != nil {
			return fmt.Errorf("updating attachment %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("attachment %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
