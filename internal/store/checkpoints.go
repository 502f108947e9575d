package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync states recorded with a checkpoint.
const (
	SyncStatusSyncing = "SYNCING"
	SyncStatusHooked  = "HOOKED"
	SyncStatusError   = "ERROR"
)

// Checkpoint is the remote position of one folder: the delta token and the
// page token of the next list page.
type Checkpoint struct {
	Cursor       string `db:"cursor"`
	PageToken    string `db:"page_token"`
	LastSyncedAt int64  `db:"last_synced_at"`
	Status       string `db:"status"`
	LastError    string `db:"last_error"`
}

// LoadCheckpoint returns the checkpoint of a folder; a folder never synced
// yields a zero Checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, accountID, folderID string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.GetContext(ctx, &cp, `
		SELECT cursor, page_token, last_synced_at, status, last_error
		FROM provider_sync_state WHERE account_id = ? AND folder_id = ?`, accountID, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint stores the delta cursor of a folder.
func (s *Store) SaveCheckpoint(ctx context.Context, accountID, folderID, cursor, status string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_sync_state (account_id, folder_id, cursor, last_synced_at, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			last_error = '',
			retry_count = 0,
			updated_at = excluded.updated_at`,
		accountID, folderID, cursor, now, status, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SavePageToken stores the token of the next list page of a folder. An empty
// token means the listing is exhausted.
func (s *Store) SavePageToken(ctx context.Context, accountID, folderID, token string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_sync_state (account_id, folder_id, page_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			page_token = excluded.page_token,
			updated_at = excluded.updated_at`,
		accountID, folderID, token, now)
	if err != nil {
		return fmt.Errorf("failed to save page token: %w", err)
	}
	return nil
}

// UpdateSyncStatus records a sync outcome for a folder.
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID, folderID, status, errorMsg string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_sync_state (account_id, folder_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN provider_sync_state.retry_count + 1 ELSE provider_sync_state.retry_count END,
			updated_at = excluded.updated_at`,
		accountID, folderID, status, errorMsg, errorMsg, now)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}
