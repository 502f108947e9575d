package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Store is the persistence the orchestrators write through. *store.Store
// implements it.
type Store interface {
	GetAccount(ctx context.Context, id string) (*mail.Account, error)
	SetNeedsReauthentication(ctx context.Context, id string, needs bool) error

	ReplaceFolders(ctx context.Context, accountID string, folders []mail.Folder) error
	ListFolders(ctx context.Context, accountID string) ([]mail.Folder, error)
	FolderByType(ctx context.Context, accountID string, t mail.FolderType) (*mail.Folder, error)

	UpsertMessages(ctx context.Context, msgs []mail.Message) (int, error)
	MessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) (map[string]mail.Message, error)
	GetMessage(ctx context.Context, id string) (*mail.Message, error)
	ListMessages(ctx context.Context, accountID, folderID string, limit int) ([]mail.Message, error)
	ThreadMessages(ctx context.Context, accountID, threadID string) ([]mail.Message, error)
	DeleteMessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) (int64, error)
	DeleteMessage(ctx context.Context, id string) error
	SetMessageRead(ctx context.Context, id string, read bool, status mail.SyncStatus) error
	SetMessageFolder(ctx context.Context, id, folderID string, status mail.SyncStatus) error
	SetMessageStatus(ctx context.Context, id string, status mail.SyncStatus) error
	SaveBody(ctx context.Context, messageID string, body *mail.MessageBody) error
	EvictBodies(ctx context.Context, accountID string, olderThan time.Time) (int64, error)

	GetAttachment(ctx context.Context, messageID, id string) (*mail.Attachment, error)
	UpdateAttachmentDownload(ctx context.Context, id string, status mail.DownloadStatus, localPath *string, lastErr string) error

	AddPendingActions(ctx context.Context, actions []store.PendingAction) ([]store.PendingAction, error)
	ListPendingActions(ctx context.Context, accountID, id string) ([]store.PendingAction, error)
	DeletePendingAction(ctx context.Context, id string) error
	RecordActionFailure(ctx context.Context, id string, cause error) error

	LoadCheckpoint(ctx context.Context, accountID, folderID string) (store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, accountID, folderID, cursor, status string) error
	SavePageToken(ctx context.Context, accountID, folderID, token string) error
	UpdateSyncStatus(ctx context.Context, accountID, folderID, status, errorMsg string) error
}

var _ Store = (*store.Store)(nil)
