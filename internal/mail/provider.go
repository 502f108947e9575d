package mail

import (
	"context"
	"time"
)

// Field names understood by Service listings. Providers map them to their
// own projection syntax.
const (
	FieldID       = "id"
	FieldThreadID = "threadId"
	FieldSubject  = "subject"
	FieldSnippet  = "snippet"
	FieldFrom     = "from"
	FieldTo       = "to"
	FieldDate     = "date"
	FieldFlags    = "flags"
)

// HeaderFields is the projection used for list pages.
var HeaderFields = []string{FieldID, FieldThreadID, FieldSubject, FieldSnippet, FieldFrom, FieldTo, FieldDate, FieldFlags}

// DiscoveryFields is the minimal projection used to discover thread ids.
var DiscoveryFields = []string{FieldID, FieldThreadID, FieldSubject}

// Credential is a resolved access token for one account.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenProvider resolves credentials. It returns ErrNeedsInteraction (wrapped
// or bare) when the user must sign in again.
type TokenProvider interface {
	Resolve(ctx context.Context, account Account, scopes []string) (*Credential, error)
}

// Service is the narrow capability port each provider implements. Results
// are already mapped to canonical records.
type Service interface {
	ListFolders(ctx context.Context) ([]Folder, error)
	ListMessages(ctx context.Context, folderID string, fields []string, maxResults int, pageToken string) (*Page, error)
	ListThreadMessages(ctx context.Context, threadID, folderID string, fields []string, maxResults int) ([]Message, error)
	SyncMessages(ctx context.Context, folderID, syncToken string) (*DeltaSyncResult[Message], error)
	GetMessageBody(ctx context.Context, messageID string) (*MessageBody, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	Search(ctx context.Context, query string, maxResults int) ([]Message, error)

	MarkRead(ctx context.Context, messageID string, read bool) error
	Delete(ctx context.Context, messageID string) error
	Move(ctx context.Context, messageID, destinationID, sourceID string) (*Message, error)
}

// ErrorMapper converts provider-specific failures into *Error. It is applied
// once, at the port boundary.
type ErrorMapper interface {
	Map(err error) *Error
}
