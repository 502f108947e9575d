package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/job"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/state"
	"github.com/Martian-dev/mailsync/internal/store"
)

const threadsKey = "threads"

// Enqueuer accepts jobs for the controller.
type Enqueuer interface {
	Enqueue(j job.Job)
}

// ThreadManager reconstructs the conversation threads of the targeted folder
// and applies thread-level mutations. One fetch runs at a time.
type ThreadManager struct {
	backends *Backends
	store    Store
	jobs     Enqueuer
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time

	mu      sync.RWMutex
	target  target
	runners *runners
	state   *state.Value[ThreadDataState]
}

func NewThreadManager(backends *Backends, st Store, jobs Enqueuer, cfg Config, log logrus.FieldLogger) *ThreadManager {
	log = log.WithField("component", "threads")
	return &ThreadManager{
		backends: backends,
		store:    st,
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		runners:  newRunners(log),
		state:    state.NewValue(ThreadDataState{Status: FetchInitial}),
	}
}

func (m *ThreadManager) State() ThreadDataState {
	return m.state.Get()
}

func (m *ThreadManager) WatchState(ctx context.Context) <-chan ThreadDataState {
	return m.state.Subscribe(ctx)
}

// SetTargetFolderForThreads loads the threads of (account, folder). It does
// nothing when that pair is already targeted and loading or loaded.
func (m *ThreadManager) SetTargetFolderForThreads(ctx context.Context, account mail.Account, folderID string) {
	m.mu.Lock()
	cur := m.state.Get()
	if m.target.is(account.ID, folderID) && (cur.Status == FetchLoading || cur.Status == FetchSuccess) {
		m.mu.Unlock()
		return
	}
	m.target = target{account: account, folderID: folderID}
	m.state.Set(ThreadDataState{Status: FetchLoading, AccountID: account.ID, FolderID: folderID})
	m.startLocked(ctx)
	m.mu.Unlock()
}

// RefreshThreads refetches the targeted folder, cancelling a running fetch.
func (m *ThreadManager) RefreshThreads(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target.account.ID == "" {
		return
	}
	m.startLocked(ctx)
}

// Wait blocks until the current fetch, if any, has finished.
func (m *ThreadManager) Wait() error {
	h, ok := m.runners.get(threadsKey)
	if !ok {
		return nil
	}
	return h.wait()
}

func (m *ThreadManager) Close() {
	m.runners.cancelAll()
}

func (m *ThreadManager) startLocked(ctx context.Context) *runner {
	t := m.target
	return m.runners.start(ctx, threadsKey, func(ctx context.Context) error {
		return m.fetch(ctx, t)
	})
}

func (m *ThreadManager) fetch(ctx context.Context, t target) error {
	a, folderID := t.account, t.folderID
	log := m.log.WithFields(logrus.Fields{"account": a.ID, "folder": folderID})

	m.publish(ctx, t, func(cur ThreadDataState) ThreadDataState {
		cur.Status = FetchLoading
		cur.Error = ""
		return cur
	})

	svc, err := m.backends.Connect(ctx, a)
	if err != nil {
		return m.fail(ctx, t, err)
	}
	discovery, err := svc.ListMessages(ctx, folderID, mail.DiscoveryFields, m.cfg.DiscoveryPageSize, "")
	if err != nil {
		return m.fail(ctx, t, err)
	}
	ids := reconcile.DistinctThreadIDs(discovery.Messages)

	results := make([][]mail.Message, len(ids))
	failures := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			msgs, err := svc.ListThreadMessages(ctx, id, folderID, mail.HeaderFields, m.cfg.ThreadPageSize)
			if err != nil {
				if mail.IsCanceled(err) || ctx.Err() != nil {
					return err
				}
				failures[i] = err
				return nil
			}
			for j := range msgs {
				fill(&msgs[j], a.ID, folderID)
				msgs[j].ThreadID = id
			}
			results[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m.fail(ctx, t, err)
	}

	var fetched []mail.Message
	var failed int
	for i, msgs := range results {
		if failures[i] != nil {
			failed++
			log.WithError(failures[i]).WithField("thread", ids[i]).Warn("thread fetch failed")
			continue
		}
		fetched = append(fetched, msgs...)
	}
	if len(ids) > 0 && failed == len(ids) {
		return m.fail(ctx, t, failures[0])
	}

	existing, err := m.store.MessagesByRemoteID(ctx, a.ID, reconcile.RemoteIDs(fetched))
	if err != nil {
		return m.fail(ctx, t, err)
	}
	merged := reconcile.Merge(existing, fetched, m.now())
	if err := m.guard(ctx, func() error {
		_, err := m.store.UpsertMessages(ctx, merged)
		return err
	}); err != nil {
		return m.fail(ctx, t, err)
	}

	byThread := make(map[string][]mail.Message, len(ids))
	for _, msg := range merged {
		byThread[msg.ThreadID] = append(byThread[msg.ThreadID], msg)
	}
	threads := make([]mail.Thread, 0, len(ids))
	for _, id := range ids {
		if th, ok := reconcile.BuildThread(id, a.ID, byThread[id]); ok {
			threads = append(threads, th)
		}
	}
	reconcile.SortThreads(threads)

	if m.publish(ctx, t, func(ThreadDataState) ThreadDataState {
		return ThreadDataState{Status: FetchSuccess, AccountID: a.ID, FolderID: folderID, Threads: threads}
	}) {
		log.WithFields(logrus.Fields{"threads": len(threads), "failed": failed}).Info("threads synced")
	}
	return nil
}

func (m *ThreadManager) fail(ctx context.Context, t target, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if mail.IsCanceled(err) {
		return err
	}
	if m.publish(ctx, t, func(cur ThreadDataState) ThreadDataState {
		cur.Status = FetchError
		cur.Error = errorText(err)
		return cur
	}) {
		m.log.WithError(err).WithFields(logrus.Fields{"account": t.account.ID, "folder": t.folderID}).Warn("thread fetch failed")
	}
	return err
}

func (m *ThreadManager) publish(ctx context.Context, t target, fn func(ThreadDataState) ThreadDataState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ctx.Err() != nil || !m.target.is(t.account.ID, t.folderID) {
		return false
	}
	m.state.Update(func(cur ThreadDataState) (ThreadDataState, bool) {
		return fn(cur), true
	})
	return true
}

func (m *ThreadManager) guard(ctx context.Context, fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// MarkThreadRead sets the read flag of every message in a thread locally
// and queues the remote update.
func (m *ThreadManager) MarkThreadRead(ctx context.Context, account mail.Account, threadID string, read bool) error {
	kind := store.ActionMarkRead
	if !read {
		kind = store.ActionMarkUnread
	}
	return m.mutate(ctx, account, threadID, func(msg *mail.Message) (*store.PendingAction, error) {
		if msg.IsRead == read {
			return nil, nil
		}
		status := pendingStatus(account, mail.StatusPendingUpload)
		if err := m.store.SetMessageRead(ctx, msg.ID, read, status); err != nil {
			return nil, err
		}
		msg.IsRead = read
		msg.SyncStatus = status
		return &store.PendingAction{Kind: kind}, nil
	}, func(th mail.Thread) (mail.Thread, bool) {
		return reconcile.BuildThread(th.ID, th.AccountID, th.Messages)
	})
}

// DeleteThread removes a thread. Messages never uploaded are deleted at
// once; the rest stay PENDING_DELETE until the provider confirms.
func (m *ThreadManager) DeleteThread(ctx context.Context, account mail.Account, threadID string) error {
	return m.mutate(ctx, account, threadID, func(msg *mail.Message) (*store.PendingAction, error) {
		if account.IsLocalOnly || msg.RemoteID == "" {
			return nil, m.store.DeleteMessage(ctx, msg.ID)
		}
		if err := m.store.SetMessageStatus(ctx, msg.ID, mail.StatusPendingDelete); err != nil {
			return nil, err
		}
		msg.SyncStatus = mail.StatusPendingDelete
		return &store.PendingAction{Kind: store.ActionDelete}, nil
	}, func(mail.Thread) (mail.Thread, bool) {
		return mail.Thread{}, false
	})
}

// MoveThread moves every message of a thread to destinationID.
func (m *ThreadManager) MoveThread(ctx context.Context, account mail.Account, threadID, destinationID string) error {
	if destinationID == "" {
		return fmt.Errorf("move thread %s: no destination", threadID)
	}
	stays := m.targetFolder() == destinationID
	return m.mutate(ctx, account, threadID, func(msg *mail.Message) (*store.PendingAction, error) {
		if msg.FolderID == destinationID {
			return nil, nil
		}
		source := msg.FolderID
		status := pendingStatus(account, mail.StatusPendingUpload)
		if err := m.store.SetMessageFolder(ctx, msg.ID, destinationID, status); err != nil {
			return nil, err
		}
		msg.FolderID = destinationID
		msg.SyncStatus = status
		return &store.PendingAction{Kind: store.ActionMove, DestinationID: destinationID, SourceID: source}, nil
	}, func(th mail.Thread) (mail.Thread, bool) {
		if stays {
			return reconcile.BuildThread(th.ID, th.AccountID, th.Messages)
		}
		return mail.Thread{}, false
	})
}

// mutate applies change to each stored message of a thread, records the
// returned actions and queues their upload, then patches the published
// thread with patch. A patch reporting false removes the thread.
func (m *ThreadManager) mutate(ctx context.Context, account mail.Account, threadID string,
	change func(*mail.Message) (*store.PendingAction, error),
	patch func(mail.Thread) (mail.Thread, bool),
) error {
	msgs, err := m.store.ThreadMessages(ctx, account.ID, threadID)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}

	var actions []store.PendingAction
	for i := range msgs {
		action, err := change(&msgs[i])
		if err != nil {
			return fmt.Errorf("update message %s: %w", msgs[i].ID, err)
		}
		if action == nil || account.IsLocalOnly || msgs[i].RemoteID == "" {
			continue
		}
		action.AccountID = account.ID
		action.MessageID = msgs[i].ID
		action.RemoteID = msgs[i].RemoteID
		actions = append(actions, *action)
	}

	if len(actions) > 0 {
		recorded, err := m.store.AddPendingActions(ctx, actions)
		if err != nil {
			return fmt.Errorf("record actions: %w", err)
		}
		for _, a := range recorded {
			m.jobs.Enqueue(job.NewUploadPendingAction(account.ID, a.ID))
		}
	}
	m.log.WithFields(logrus.Fields{"account": account.ID, "thread": threadID, "actions": len(actions)}).Info("thread updated")

	m.patchThread(account.ID, threadID, msgs, patch)
	return nil
}

func (m *ThreadManager) patchThread(accountID, threadID string, msgs []mail.Message, patch func(mail.Thread) (mail.Thread, bool)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.target.account.ID != accountID {
		return
	}
	byID := make(map[string]mail.Message, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg
	}
	m.state.Update(func(cur ThreadDataState) (ThreadDataState, bool) {
		if cur.Status != FetchSuccess {
			return cur, false
		}
		out := make([]mail.Thread, 0, len(cur.Threads))
		changed := false
		for _, th := range cur.Threads {
			if th.ID != threadID {
				out = append(out, th)
				continue
			}
			changed = true
			patched := th
			patched.Messages = make([]mail.Message, len(th.Messages))
			for i, msg := range th.Messages {
				if updated, ok := byID[msg.ID]; ok {
					msg = updated
				}
				patched.Messages[i] = msg
			}
			if next, keep := patch(patched); keep {
				out = append(out, next)
			}
		}
		if !changed {
			return cur, false
		}
		reconcile.SortThreads(out)
		cur.Threads = out
		return cur, true
	})
}

func (m *ThreadManager) targetFolder() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target.folderID
}

func pendingStatus(account mail.Account, status mail.SyncStatus) mail.SyncStatus {
	if account.IsLocalOnly {
		return mail.StatusSynced
	}
	return status
}
