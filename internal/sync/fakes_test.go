package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Martian-dev/mailsync/internal/job"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store/storetest"
)

type fakeTokens struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTokens) Resolve(ctx context.Context, account mail.Account, scopes []string) (*mail.Credential, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &mail.Credential{AccessToken: "token-" + account.ID}, nil
}

// fakeService serves canned data and counts calls per method.
type fakeService struct {
	mu    sync.Mutex
	calls map[string]int

	folders     []mail.Folder
	listFolders func(ctx context.Context) ([]mail.Folder, error)
	pages       map[string]*mail.Page // folder + "|" + page token
	threads     map[string][]mail.Message
	threadErrs  map[string]error
	sync        func(folderID, token string) (*mail.DeltaSyncResult[mail.Message], error)
	bodies      map[string]*mail.MessageBody
	attachments map[string][]byte
	results     []mail.Message
	mutateErr   error
	mutations   []string
}

func newFakeService() *fakeService {
	return &fakeService{
		calls:       make(map[string]int),
		pages:       make(map[string]*mail.Page),
		threads:     make(map[string][]mail.Message),
		threadErrs:  make(map[string]error),
		bodies:      make(map[string]*mail.MessageBody),
		attachments: make(map[string][]byte),
	}
}

func (f *fakeService) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeService) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeService) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	f.count("ListFolders")
	if f.listFolders != nil {
		return f.listFolders(ctx)
	}
	return f.folders, nil
}

func (f *fakeService) ListMessages(ctx context.Context, folderID string, fields []string, maxResults int, pageToken string) (*mail.Page, error) {
	f.count("ListMessages")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[folderID+"|"+pageToken]
	if !ok {
		return &mail.Page{}, nil
	}
	out := &mail.Page{NextPageToken: p.NextPageToken, Messages: make([]mail.Message, len(p.Messages))}
	copy(out.Messages, p.Messages)
	return out, nil
}

func (f *fakeService) ListThreadMessages(ctx context.Context, threadID, folderID string, fields []string, maxResults int) ([]mail.Message, error) {
	f.count("ListThreadMessages")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.threadErrs[threadID]; err != nil {
		return nil, err
	}
	out := make([]mail.Message, len(f.threads[threadID]))
	copy(out, f.threads[threadID])
	return out, nil
}

func (f *fakeService) SyncMessages(ctx context.Context, folderID, syncToken string) (*mail.DeltaSyncResult[mail.Message], error) {
	f.count("SyncMessages")
	if f.sync == nil {
		return &mail.DeltaSyncResult[mail.Message]{NextSyncToken: "t0"}, nil
	}
	return f.sync(folderID, syncToken)
}

func (f *fakeService) GetMessageBody(ctx context.Context, messageID string) (*mail.MessageBody, error) {
	f.count("GetMessageBody")
	b, ok := f.bodies[messageID]
	if !ok {
		return nil, mail.ProviderError(404, "no such message", nil)
	}
	return b, nil
}

func (f *fakeService) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	f.count("GetAttachment")
	b, ok := f.attachments[attachmentID]
	if !ok {
		return nil, mail.ProviderError(404, "no such attachment", nil)
	}
	return b, nil
}

func (f *fakeService) Search(ctx context.Context, query string, maxResults int) ([]mail.Message, error) {
	f.count("Search")
	return f.results, nil
}

func (f *fakeService) mutate(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.mutations = append(f.mutations, op)
	return nil
}

func (f *fakeService) MarkRead(ctx context.Context, messageID string, read bool) error {
	return f.mutate(fmt.Sprintf("read:%s:%t", messageID, read))
}

func (f *fakeService) Delete(ctx context.Context, messageID string) error {
	return f.mutate("delete:" + messageID)
}

func (f *fakeService) Move(ctx context.Context, messageID, destinationID, sourceID string) (*mail.Message, error) {
	if err := f.mutate("move:" + messageID + ":" + destinationID); err != nil {
		return nil, err
	}
	return &mail.Message{RemoteID: messageID + "-moved", FolderID: destinationID}, nil
}

func newBackends(svc mail.Service, tokens mail.TokenProvider) *Backends {
	b := NewBackends(tokens, storetest.Logger())
	b.Register(mail.ProviderIMAP, Backend{
		NewService: func(ctx context.Context, account mail.Account, cred *mail.Credential) (mail.Service, error) {
			return svc, nil
		},
		Errors: mail.BaseErrorMapper{},
	})
	return b
}

// countingStore counts writes that reach the store.
type countingStore struct {
	Store
	writes atomic.Int32
}

func (s *countingStore) ReplaceFolders(ctx context.Context, accountID string, folders []mail.Folder) error {
	s.writes.Add(1)
	return s.Store.ReplaceFolders(ctx, accountID, folders)
}

func (s *countingStore) SetNeedsReauthentication(ctx context.Context, id string, needs bool) error {
	s.writes.Add(1)
	return s.Store.SetNeedsReauthentication(ctx, id, needs)
}

func (s *countingStore) UpsertMessages(ctx context.Context, msgs []mail.Message) (int, error) {
	s.writes.Add(1)
	return s.Store.UpsertMessages(ctx, msgs)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []job.Job
}

func (r *recordingEnqueuer) Enqueue(j job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
}

func (r *recordingEnqueuer) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, j := range r.jobs {
		keys = append(keys, j.Key())
	}
	return keys
}

// waitFor waits for the fetch running under key, if there is one.
func waitFor(t *testing.T, r *runners, key string) error {
	t.Helper()
	h, ok := r.get(key)
	if !ok {
		return nil
	}
	return h.wait()
}
