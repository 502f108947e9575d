package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// ServiceFactory builds the capability port of an account from a resolved
// credential.
type ServiceFactory func(ctx context.Context, account mail.Account, cred *mail.Credential) (mail.Service, error)

// Backend describes one provider: the scopes its credentials need, how to
// build its Service and how to map its failures.
type Backend struct {
	Scopes     []string
	NewService ServiceFactory
	Errors     mail.ErrorMapper
}

// Backends resolves credentials and connects accounts to their provider.
type Backends struct {
	tokens mail.TokenProvider
	log    logrus.FieldLogger

	mu    sync.RWMutex
	byTag map[mail.ProviderTag]Backend
}

func NewBackends(tokens mail.TokenProvider, log logrus.FieldLogger) *Backends {
	return &Backends{tokens: tokens, log: log, byTag: make(map[mail.ProviderTag]Backend)}
}

// Register installs the backend serving provider tag.
func (b *Backends) Register(tag mail.ProviderTag, backend Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byTag[tag] = backend
}

// Connect resolves a credential for account and returns its Service. Every
// error the Service returns is already normalized by the backend's
// ErrorMapper. A credential that needs interaction fails before any network
// call is made.
func (b *Backends) Connect(ctx context.Context, account mail.Account) (mail.Service, error) {
	b.mu.RLock()
	backend, ok := b.byTag[account.Provider]
	b.mu.RUnlock()
	if !ok {
		return nil, &mail.Error{Kind: mail.KindProviderAPI, Message: fmt.Sprintf("no backend for provider %q", account.Provider)}
	}

	cred, err := b.tokens.Resolve(ctx, account, backend.Scopes)
	if err != nil {
		if mail.IsCanceled(err) {
			return nil, err
		}
		b.log.WithError(err).WithField("account", account.ID).Warn("credential resolution failed")
		if mail.IsAuthRequired(err) {
			return nil, mail.CredentialError(err)
		}
		return nil, mail.Normalize(backend.Errors, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	svc, err := backend.NewService(ctx, account, cred)
	if err != nil {
		return nil, mail.Normalize(backend.Errors, err)
	}
	return &mappedService{svc: svc, errs: backend.Errors}, nil
}

// mappedService applies the provider ErrorMapper at the port boundary.
type mappedService struct {
	svc  mail.Service
	errs mail.ErrorMapper
}

func (s *mappedService) norm(err error) error {
	return mail.Normalize(s.errs, err)
}

func (s *mappedService) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	f, err := s.svc.ListFolders(ctx)
	return f, s.norm(err)
}

func (s *mappedService) ListMessages(ctx context.Context, folderID string, fields []string, maxResults int, pageToken string) (*mail.Page, error) {
	p, err := s.svc.ListMessages(ctx, folderID, fields, maxResults, pageToken)
	return p, s.norm(err)
}

func (s *mappedService) ListThreadMessages(ctx context.Context, threadID, folderID string, fields []string, maxResults int) ([]mail.Message, error) {
	m, err := s.svc.ListThreadMessages(ctx, threadID, folderID, fields, maxResults)
	return m, s.norm(err)
}

func (s *mappedService) SyncMessages(ctx context.Context, folderID, syncToken string) (*mail.DeltaSyncResult[mail.Message], error) {
	d, err := s.svc.SyncMessages(ctx, folderID, syncToken)
	return d, s.norm(err)
}

func (s *mappedService) GetMessageBody(ctx context.Context, messageID string) (*mail.MessageBody, error) {
	b, err := s.svc.GetMessageBody(ctx, messageID)
	return b, s.norm(err)
}

func (s *mappedService) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	b, err := s.svc.GetAttachment(ctx, messageID, attachmentID)
	return b, s.norm(err)
}

func (s *mappedService) Search(ctx context.Context, query string, maxResults int) ([]mail.Message, error) {
	m, err := s.svc.Search(ctx, query, maxResults)
	return m, s.norm(err)
}

func (s *mappedService) MarkRead(ctx context.Context, messageID string, read bool) error {
	return s.norm(s.svc.MarkRead(ctx, messageID, read))
}

func (s *mappedService) Delete(ctx context.Context, messageID string) error {
	return s.norm(s.svc.Delete(ctx, messageID))
}

func (s *mappedService) Move(ctx context.Context, messageID, destinationID, sourceID string) (*mail.Message, error) {
	m, err := s.svc.Move(ctx, messageID, destinationID, sourceID)
	return m, s.norm(err)
}
