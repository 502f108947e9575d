package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/state"
	"github.com/Martian-dev/mailsync/internal/store"
)

// target is the (account, folder) pair a list orchestrator publishes for.
type target struct {
	account  mail.Account
	folderID string
}

func (t target) is(accountID, folderID string) bool {
	return t.account.ID != "" && t.account.ID == accountID && t.folderID == folderID
}

// MessageManager pages message lists into the store and publishes the list
// of the targeted folder. Background jobs may sync any folder; only the
// targeted one is published.
type MessageManager struct {
	backends *Backends
	store    Store
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time

	// mu guards target. Retargeting cancels the old target's fetches while
	// holding the write lock; fetches publish and write only under the read
	// lock after checking cancellation.
	mu      sync.RWMutex
	target  target
	runners *runners
	state   *state.Value[MessageDataState]
}

func NewMessageManager(backends *Backends, st Store, cfg Config, log logrus.FieldLogger) *MessageManager {
	log = log.WithField("component", "messages")
	return &MessageManager{
		backends: backends,
		store:    st,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		runners:  newRunners(log),
		state:    state.NewValue(MessageDataState{Status: FetchInitial}),
	}
}

// State returns the message list of the targeted folder.
func (m *MessageManager) State() MessageDataState {
	return m.state.Get()
}

// WatchState streams the targeted folder's state.
func (m *MessageManager) WatchState(ctx context.Context) <-chan MessageDataState {
	return m.state.Subscribe(ctx)
}

// SetTargetFolder points the published list at (account, folder) and loads
// its first page. Selecting the current target again while it is loading
// or loaded does nothing.
func (m *MessageManager) SetTargetFolder(ctx context.Context, account mail.Account, folderID string) {
	m.mu.Lock()
	cur := m.state.Get()
	if m.target.is(account.ID, folderID) && (cur.Status == FetchLoading || cur.Status == FetchSuccess) {
		m.mu.Unlock()
		return
	}
	if old := m.target; old.account.ID != "" && !old.is(account.ID, folderID) {
		m.runners.cancel(runnerKey("refresh", old.account.ID, old.folderID))
		m.runners.cancel(runnerKey("page", old.account.ID, old.folderID))
	}
	m.target = target{account: account, folderID: folderID}
	m.state.Set(MessageDataState{Status: FetchLoading, AccountID: account.ID, FolderID: folderID})
	m.mu.Unlock()

	m.launch(ctx, "refresh", account, folderID, m.firstPage)
}

// Refresh reloads the first page of the targeted folder.
func (m *MessageManager) Refresh(ctx context.Context) {
	if t, ok := m.currentTarget(); ok {
		m.launch(ctx, "refresh", t.account, t.folderID, m.firstPage)
	}
}

// LoadNextPage loads the next page of the targeted folder.
func (m *MessageManager) LoadNextPage(ctx context.Context) {
	if t, ok := m.currentTarget(); ok {
		m.launch(ctx, "page", t.account, t.folderID, m.nextPage)
	}
}

// RefreshFolder refetches the first page of any folder and waits.
func (m *MessageManager) RefreshFolder(ctx context.Context, account mail.Account, folderID string) error {
	return m.launch(ctx, "refresh", account, folderID, m.firstPage).wait()
}

// NextPage loads the next stored page of any folder and waits.
func (m *MessageManager) NextPage(ctx context.Context, account mail.Account, folderID string) error {
	return m.launch(ctx, "page", account, folderID, m.nextPage).wait()
}

// NextPageAfter loads the page following token. It does nothing when the
// folder has already moved past token; an empty token loads whatever page
// is next.
func (m *MessageManager) NextPageAfter(ctx context.Context, account mail.Account, folderID, token string) error {
	if token != "" {
		cp, err := m.store.LoadCheckpoint(ctx, account.ID, folderID)
		if err != nil {
			return fmt.Errorf("load checkpoint of %s: %w", folderID, err)
		}
		if cp.PageToken != token {
			m.log.WithFields(logrus.Fields{"account": account.ID, "folder": folderID}).Debug("page already loaded")
			return nil
		}
	}
	return m.NextPage(ctx, account, folderID)
}

// CheckForNewMail runs a delta sync of a folder and waits. Without a stored
// sync token it lists the first page and records a fresh token.
func (m *MessageManager) CheckForNewMail(ctx context.Context, account mail.Account, folderID string) error {
	return m.launch(ctx, "check", account, folderID, m.check).wait()
}

// Close cancels every running fetch.
func (m *MessageManager) Close() {
	m.runners.cancelAll()
}

func (m *MessageManager) currentTarget() (target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target, m.target.account.ID != ""
}

type folderFetch func(ctx context.Context, account mail.Account, folderID string) error

func (m *MessageManager) launch(ctx context.Context, op string, account mail.Account, folderID string, fn folderFetch) *runner {
	key := runnerKey(op, account.ID, folderID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners.start(ctx, key, func(ctx context.Context) error {
		return fn(ctx, account, folderID)
	})
}

func runnerKey(op, accountID, folderID string) string {
	return op + ":" + accountID + ":" + folderID
}

func (m *MessageManager) firstPage(ctx context.Context, a mail.Account, folderID string) error {
	m.publish(ctx, a.ID, folderID, func(cur MessageDataState) MessageDataState {
		cur.Status = FetchLoading
		cur.Error = ""
		return cur
	})

	svc, err := m.backends.Connect(ctx, a)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	page, err := svc.ListMessages(ctx, folderID, mail.HeaderFields, m.cfg.MessagePageSize, "")
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if _, err := m.persist(ctx, a.ID, folderID, page.Messages); err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if err := m.guard(ctx, func() error {
		return m.store.SavePageToken(ctx, a.ID, folderID, page.NextPageToken)
	}); err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	return m.publishList(ctx, a.ID, folderID, page.NextPageToken != "")
}

func (m *MessageManager) nextPage(ctx context.Context, a mail.Account, folderID string) error {
	cp, err := m.store.LoadCheckpoint(ctx, a.ID, folderID)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if cp.PageToken == "" {
		return m.publishList(ctx, a.ID, folderID, false)
	}
	m.publish(ctx, a.ID, folderID, func(cur MessageDataState) MessageDataState {
		cur.Status = FetchLoading
		return cur
	})

	svc, err := m.backends.Connect(ctx, a)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	page, err := svc.ListMessages(ctx, folderID, mail.HeaderFields, m.cfg.MessagePageSize, cp.PageToken)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if _, err := m.persist(ctx, a.ID, folderID, page.Messages); err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if err := m.guard(ctx, func() error {
		return m.store.SavePageToken(ctx, a.ID, folderID, page.NextPageToken)
	}); err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	return m.publishList(ctx, a.ID, folderID, page.NextPageToken != "")
}

func (m *MessageManager) check(ctx context.Context, a mail.Account, folderID string) error {
	log := m.log.WithFields(logrus.Fields{"account": a.ID, "folder": folderID})

	cp, err := m.store.LoadCheckpoint(ctx, a.ID, folderID)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	svc, err := m.backends.Connect(ctx, a)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}

	cursor := cp.Cursor
	if cursor != "" {
		delta, err := svc.SyncMessages(ctx, folderID, cursor)
		switch {
		case err == nil:
			return m.applyDelta(ctx, a.ID, folderID, delta)
		case expiredCursor(err):
			log.WithError(err).Info("sync token expired, relisting folder")
			cursor = ""
		default:
			return m.fail(ctx, a.ID, folderID, err)
		}
	}

	page, err := svc.ListMessages(ctx, folderID, mail.HeaderFields, m.cfg.MessagePageSize, "")
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if _, err := m.persist(ctx, a.ID, folderID, page.Messages); err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	if err := m.guard(ctx, func() error {
		return m.store.SavePageToken(ctx, a.ID, folderID, page.NextPageToken)
	}); err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}

	delta, err := svc.SyncMessages(ctx, folderID, cursor)
	if err != nil {
		return m.fail(ctx, a.ID, folderID, err)
	}
	return m.applyDelta(ctx, a.ID, folderID, delta)
}

func (m *MessageManager) applyDelta(ctx context.Context, accountID, folderID string, delta *mail.DeltaSyncResult[mail.Message]) error {
	for i := range delta.NewOrUpdated {
		fill(&delta.NewOrUpdated[i], accountID, folderID)
	}
	existing, err := m.store.MessagesByRemoteID(ctx, accountID, reconcile.RemoteIDs(delta.NewOrUpdated))
	if err != nil {
		return m.fail(ctx, accountID, folderID, err)
	}
	upserts, deletes := reconcile.ApplyDelta(existing, delta, m.now())

	var inserted int
	var removed int64
	err = m.guard(ctx, func() error {
		var err error
		if inserted, err = m.store.UpsertMessages(ctx, upserts); err != nil {
			return err
		}
		if removed, err = m.store.DeleteMessagesByRemoteID(ctx, accountID, deletes); err != nil {
			return err
		}
		return m.store.SaveCheckpoint(ctx, accountID, folderID, delta.NextSyncToken, store.SyncStatusHooked)
	})
	if err != nil {
		return m.fail(ctx, accountID, folderID, err)
	}
	m.log.WithFields(logrus.Fields{
		"account": accountID,
		"folder":  folderID,
		"new":     inserted,
		"updated": len(upserts) - inserted,
		"deleted": removed,
	}).Info("delta sync complete")

	cp, _ := m.store.LoadCheckpoint(ctx, accountID, folderID)
	return m.publishList(ctx, accountID, folderID, cp.PageToken != "")
}

// persist merges a fetched page with stored copies and writes it.
func (m *MessageManager) persist(ctx context.Context, accountID, folderID string, msgs []mail.Message) (int, error) {
	for i := range msgs {
		fill(&msgs[i], accountID, folderID)
	}
	existing, err := m.store.MessagesByRemoteID(ctx, accountID, reconcile.RemoteIDs(msgs))
	if err != nil {
		return 0, err
	}
	merged := reconcile.Merge(existing, msgs, m.now())
	var n int
	err = m.guard(ctx, func() error {
		var err error
		n, err = m.store.UpsertMessages(ctx, merged)
		return err
	})
	return n, err
}

func (m *MessageManager) publishList(ctx context.Context, accountID, folderID string, hasMore bool) error {
	if !m.isTarget(accountID, folderID) {
		return nil
	}
	list, err := m.store.ListMessages(ctx, accountID, folderID, 0)
	if err != nil {
		return m.fail(ctx, accountID, folderID, err)
	}
	m.publish(ctx, accountID, folderID, func(cur MessageDataState) MessageDataState {
		return MessageDataState{Status: FetchSuccess, AccountID: accountID, FolderID: folderID, Messages: list, HasMore: hasMore}
	})
	return nil
}

func (m *MessageManager) fail(ctx context.Context, accountID, folderID string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if mail.IsCanceled(err) {
		return err
	}
	m.log.WithError(err).WithFields(logrus.Fields{"account": accountID, "folder": folderID}).Warn("message fetch failed")
	if serr := m.store.UpdateSyncStatus(ctx, accountID, folderID, store.SyncStatusError, err.Error()); serr != nil {
		m.log.WithError(serr).Warn("failed to record sync status")
	}
	m.publish(ctx, accountID, folderID, func(cur MessageDataState) MessageDataState {
		cur.Status = FetchError
		cur.Error = errorText(err)
		return cur
	})
	return err
}

func (m *MessageManager) isTarget(accountID, folderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target.is(accountID, folderID)
}

// publish updates the state when (account, folder) is still the target and
// ctx is live.
func (m *MessageManager) publish(ctx context.Context, accountID, folderID string, fn func(MessageDataState) MessageDataState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ctx.Err() != nil || !m.target.is(accountID, folderID) {
		return false
	}
	m.state.Update(func(cur MessageDataState) (MessageDataState, bool) {
		return fn(cur), true
	})
	return true
}

// guard runs a storage write unless ctx has been cancelled.
func (m *MessageManager) guard(ctx context.Context, fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func fill(msg *mail.Message, accountID, folderID string) {
	msg.AccountID = accountID
	if msg.FolderID == "" {
		msg.FolderID = folderID
	}
	if msg.ThreadID == "" {
		msg.ThreadID = msg.RemoteID
	}
}

// expiredCursor reports a provider rejecting a stale sync token.
func expiredCursor(err error) bool {
	var me *mail.Error
	return errors.As(err, &me) && me.Kind == mail.KindProviderAPI && (me.Code == 404 || me.Code == 410)
}
