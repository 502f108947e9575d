package mail

import (
	"time"
)

// ProviderTag identifies the backend an account talks to
type ProviderTag string

const (
	ProviderGoogle    ProviderTag = "GOOGLE"
	ProviderMicrosoft ProviderTag = "MICROSOFT"
	ProviderIMAP      ProviderTag = "IMAP"
)

// Account is owned by account management; orchestrators only reference it.
type Account struct {
	ID                    string      `json:"id" db:"id"`
	DisplayName           string      `json:"display_name" db:"display_name"`
	Email                 string      `json:"email" db:"email"`
	Provider              ProviderTag `json:"provider" db:"provider"`
	NeedsReauthentication bool        `json:"needs_reauthentication" db:"needs_reauthentication"`
	IsLocalOnly           bool        `json:"is_local_only" db:"is_local_only"`
}

// FolderType is the canonical role a provider folder is normalized to.
type FolderType string

const (
	FolderInbox       FolderType = "INBOX"
	FolderSentItems   FolderType = "SENT_ITEMS"
	FolderDrafts      FolderType = "DRAFTS"
	FolderArchive     FolderType = "ARCHIVE"
	FolderAllMail     FolderType = "ALL_MAIL"
	FolderTrash       FolderType = "TRASH"
	FolderSpam        FolderType = "SPAM"
	FolderImportant   FolderType = "IMPORTANT"
	FolderStarred     FolderType = "STARRED"
	FolderUserCreated FolderType = "USER_CREATED"
	FolderHidden      FolderType = "HIDDEN"
	FolderOther       FolderType = "OTHER"
)

// Folder is a provider-issued mail folder (or Gmail label).
type Folder struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	DisplayName string     `json:"display_name" db:"display_name"`
	TotalCount  int        `json:"total_count" db:"total_count"`
	UnreadCount int        `json:"unread_count" db:"unread_count"`
	Type        FolderType `json:"type" db:"type"`
	Position    int        `json:"position" db:"position"`
}

// SyncStatus tracks how a local record relates to its remote copy.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "SYNCED"
	StatusPendingUpload   SyncStatus = "PENDING_UPLOAD"
	StatusPendingDownload SyncStatus = "PENDING_DOWNLOAD"
	StatusError           SyncStatus = "ERROR"
	StatusPendingDelete   SyncStatus = "PENDING_DELETE"
)

// Pending reports whether the record carries local changes not yet uploaded.
func (s SyncStatus) Pending() bool {
	return s == StatusPendingUpload || s == StatusPendingDelete
}

// Message is the canonical message record. Body is nil until fetched.
type Message struct {
	ID             string     `json:"id"`
	RemoteID       string     `json:"remote_id"`
	ThreadID       string     `json:"thread_id"`
	AccountID      string     `json:"account_id"`
	FolderID       string     `json:"folder_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	SentAt         time.Time  `json:"sent_at"`
	LastSyncedAt   time.Time  `json:"last_synced_at"`
	Subject        string     `json:"subject"`
	Snippet        string     `json:"snippet"`
	Body           *string    `json:"body,omitempty"`
	BodyIsHTML     bool       `json:"body_is_html"`
	From           string     `json:"from"`
	To             []string   `json:"to"`
	Cc             []string   `json:"cc"`
	IsRead         bool       `json:"is_read"`
	IsStarred      bool       `json:"is_starred"`
	HasAttachments bool       `json:"has_attachments"`
	IsDraft        bool       `json:"is_draft"`
	IsOutbox       bool       `json:"is_outbox"`
	SyncStatus     SyncStatus `json:"sync_status"`
}

// Date is the timestamp threads and lists order by: received, falling back
// to sent.
func (m Message) Date() time.Time {
	if !m.ReceivedAt.IsZero() {
		return m.ReceivedAt
	}
	return m.SentAt
}

// Thread is derived from its messages and never persisted on its own.
type Thread struct {
	ID                  string    `json:"id"`
	AccountID           string    `json:"account_id"`
	Messages            []Message `json:"messages"`
	Subject             string    `json:"subject"`
	Snippet             string    `json:"snippet"`
	ParticipantsSummary string    `json:"participants_summary"`
	UnreadCount         int       `json:"unread_count"`
	TotalCount          int       `json:"total_count"`
	LastMessageAt       time.Time `json:"last_message_at"`
}

// DownloadStatus tracks attachment content retrieval.
type DownloadStatus string

const (
	DownloadNone       DownloadStatus = "NOT_DOWNLOADED"
	DownloadInProgress DownloadStatus = "DOWNLOADING"
	DownloadDone       DownloadStatus = "DOWNLOADED"
	DownloadFailed     DownloadStatus = "FAILED"
)

type Attachment struct {
	ID             string         `json:"id" db:"id"`
	MessageID      string         `json:"message_id" db:"message_id"`
	AccountID      string         `json:"account_id" db:"account_id"`
	Filename       string         `json:"filename" db:"filename"`
	MIMEType       string         `json:"mime_type" db:"mime_type"`
	Size           int64          `json:"size" db:"size"`
	Inline         bool           `json:"inline" db:"is_inline"`
	ContentID      string         `json:"content_id" db:"content_id"`
	LocalPath      *string        `json:"local_path,omitempty" db:"local_path"`
	RemoteID       string         `json:"remote_id" db:"remote_id"`
	DownloadStatus DownloadStatus `json:"download_status" db:"download_status"`
	LastError      string         `json:"last_error" db:"last_error"`
}

// MessageBody is the result of a full message fetch.
type MessageBody struct {
	Content     string
	IsHTML      bool
	Attachments []Attachment
}

// DeltaSyncResult is what every provider delta fetch returns, keeping
// reconciliation provider-agnostic.
type DeltaSyncResult[T any] struct {
	NewOrUpdated  []T
	DeletedIDs    []string
	NextSyncToken string
}

// Page is one page of a message listing.
type Page struct {
	Messages      []Message
	NextPageToken string
}
