package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// ReplaceFolders swaps the stored folder list of an account for folders.
func (s *Store) ReplaceFolders(ctx context.Context, accountID string, folders []mail.Folder) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE account_id = ?", accountID); err != nil {
			return fmt.Errorf("clearing folders of %s: %w", accountID, err)
		}
		if len(folders) == 0 {
			return nil
		}
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO folders (id, account_id, display_name, total_count, unread_count, type, position)
			VALUES (:id, :account_id, :display_name, :total_count, :unread_count, :type, :position)`,
			folders)
		if err != nil {
			return fmt.Errorf("inserting folders of %s: %w", accountID, err)
		}
		return nil
	})
}

// ListFolders returns the folders of an account in display order.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]mail.Folder, error) {
	var folders []mail.Folder
	err := s.db.SelectContext(ctx, &folders,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY position", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders of %s: %w", accountID, err)
	}
	return folders, nil
}

// FolderByType returns the canonical folder of the given type.
func (s *Store) FolderByType(ctx context.Context, accountID string, t mail.FolderType) (*mail.Folder, error) {
	var f mail.Folder
	err := s.db.GetContext(ctx, &f,
		"SELECT * FROM folders WHERE account_id = ? AND type = ? ORDER BY position LIMIT 1",
		accountID, string(t))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s folder of %s: %w", t, accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s folder of %s: %w", t, accountID, err)
	}
	return &f, nil
}
