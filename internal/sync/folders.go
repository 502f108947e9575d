package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/state"
)

// FolderManager keeps the folder lists of the observed accounts fresh. At
// most one folder fetch runs per account.
type FolderManager struct {
	backends *Backends
	store    Store
	log      logrus.FieldLogger

	// mu guards observed. Removing an account cancels its fetch while
	// holding the write lock; fetches write state and storage only while
	// holding the read lock, after checking membership and cancellation.
	mu       sync.RWMutex
	observed map[string]mail.Account
	runners  *runners
	states   *state.Value[map[string]FolderFetchState]
}

func NewFolderManager(backends *Backends, st Store, log logrus.FieldLogger) *FolderManager {
	log = log.WithField("component", "folders")
	return &FolderManager{
		backends: backends,
		store:    st,
		log:      log,
		observed: make(map[string]mail.Account),
		runners:  newRunners(log),
		states:   state.NewValue(map[string]FolderFetchState{}),
	}
}

// States returns the latest folder fetch state of every observed account.
func (m *FolderManager) States() map[string]FolderFetchState {
	return m.states.Get()
}

// WatchStates streams the state map; the current value arrives first.
func (m *FolderManager) WatchStates(ctx context.Context) <-chan map[string]FolderFetchState {
	return m.states.Subscribe(ctx)
}

// Observed returns the accounts currently tracked.
func (m *FolderManager) Observed() []mail.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]mail.Account, 0, len(m.observed))
	for _, a := range m.observed {
		out = append(out, a)
	}
	return out
}

// ManageObservedAccounts makes accounts the tracked set. Accounts no longer
// present lose their running fetch and their state. New accounts start a
// fetch unless a non-error state exists for them; cached folders in the
// store count as such a state.
func (m *FolderManager) ManageObservedAccounts(ctx context.Context, accounts []mail.Account) {
	next := make(map[string]mail.Account, len(accounts))
	for _, a := range accounts {
		next[a.ID] = a
	}

	m.mu.Lock()
	var removed []string
	for id := range m.observed {
		if _, ok := next[id]; !ok {
			delete(m.observed, id)
			m.runners.cancel(id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.states.Update(func(cur map[string]FolderFetchState) (map[string]FolderFetchState, bool) {
			out := copyStates(cur)
			for _, id := range removed {
				delete(out, id)
			}
			return out, true
		})
	}

	current := m.states.Get()
	var added []mail.Account
	for _, a := range accounts {
		_, had := m.observed[a.ID]
		m.observed[a.ID] = a
		if had {
			continue
		}
		if st, ok := current[a.ID]; !ok || st.Status == FetchError {
			added = append(added, a)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.log.WithField("account", id).Info("stopped observing account")
	}
	for _, a := range added {
		if m.restoreCached(ctx, a) {
			continue
		}
		m.start(ctx, a)
	}
}

// restoreCached publishes folders already in the store for a freshly
// observed account and reports whether there were any.
func (m *FolderManager) restoreCached(ctx context.Context, a mail.Account) bool {
	cached, err := m.store.ListFolders(ctx, a.ID)
	if err != nil {
		m.log.WithError(err).WithField("account", a.ID).Warn("failed to load cached folders")
		return false
	}
	if len(cached) == 0 {
		return false
	}
	ok, _ := m.guard(ctx, a.ID, func() error {
		m.setState(a.ID, FolderFetchState{Status: FetchSuccess, Folders: cached})
		return nil
	})
	return ok
}

// RefreshAllFolders restarts the folder fetch of every observed account.
func (m *FolderManager) RefreshAllFolders(ctx context.Context) {
	for _, a := range m.Observed() {
		m.start(ctx, a)
	}
}

// ErrNotObserved is returned for work on an account that is no longer
// tracked.
var ErrNotObserved = errors.New("account not observed")

// FetchFolders fetches the folders of one observed account and waits for
// the outcome. It replaces any fetch already running for the account. An
// account that is not observed is left alone and ErrNotObserved returned.
func (m *FolderManager) FetchFolders(ctx context.Context, account mail.Account) error {
	m.mu.Lock()
	if _, ok := m.observed[account.ID]; !ok {
		m.mu.Unlock()
		m.log.WithField("account", account.ID).Debug("skipping folder fetch of unobserved account")
		return fmt.Errorf("fetch folders of %s: %w", account.ID, ErrNotObserved)
	}
	h := m.runners.start(ctx, account.ID, func(ctx context.Context) error {
		return m.fetch(ctx, account)
	})
	m.mu.Unlock()
	if err := h.wait(); err != nil {
		return err
	}
	if !m.isObserved(account.ID) {
		return fmt.Errorf("fetch folders of %s: %w", account.ID, ErrNotObserved)
	}
	return nil
}

func (m *FolderManager) isObserved(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.observed[accountID]
	return ok
}

// Close cancels every running fetch.
func (m *FolderManager) Close() {
	m.runners.cancelAll()
}

// start replaces the fetch of an account. The previous fetch is cancelled
// under the write lock so it cannot slip in another write.
func (m *FolderManager) start(ctx context.Context, a mail.Account) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners.start(ctx, a.ID, func(ctx context.Context) error {
		return m.fetch(ctx, a)
	})
}

func (m *FolderManager) fetch(ctx context.Context, a mail.Account) error {
	log := m.log.WithField("account", a.ID)

	if ok, err := m.guard(ctx, a.ID, func() error {
		prev := m.states.Get()[a.ID]
		m.setState(a.ID, FolderFetchState{Status: FetchLoading, Folders: prev.Folders})
		return nil
	}); !ok {
		return err
	}

	svc, err := m.backends.Connect(ctx, a)
	if err != nil {
		return m.fail(ctx, a.ID, err)
	}
	folders, err := svc.ListFolders(ctx)
	if err != nil {
		return m.fail(ctx, a.ID, err)
	}

	ok, err := m.guard(ctx, a.ID, func() error {
		if err := m.store.ReplaceFolders(ctx, a.ID, folders); err != nil {
			return err
		}
		m.setState(a.ID, FolderFetchState{Status: FetchSuccess, Folders: folders})
		return nil
	})
	if !ok {
		log.Debug("discarding folders of unobserved account")
		return err
	}
	if err != nil {
		return m.fail(ctx, a.ID, err)
	}
	log.WithField("folders", len(folders)).Info("folders synced")
	return nil
}

// fail publishes an Error state unless the fetch was cancelled or the
// account went away.
func (m *FolderManager) fail(ctx context.Context, accountID string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if mail.IsCanceled(err) {
		return err
	}
	st := FolderFetchState{Status: FetchError, Error: errorText(err), NeedsSignIn: mail.IsAuthRequired(err)}
	if ok, _ := m.guard(ctx, accountID, func() error {
		m.setState(accountID, st)
		if st.NeedsSignIn {
			return m.store.SetNeedsReauthentication(ctx, accountID, true)
		}
		return nil
	}); ok {
		m.log.WithError(err).WithField("account", accountID).Warn("folder fetch failed")
	}
	return err
}

// guard runs fn only while accountID is observed and ctx is live. It
// reports whether fn ran.
func (m *FolderManager) guard(ctx context.Context, accountID string, fn func() error) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := m.observed[accountID]; !ok {
		return false, nil
	}
	return true, fn()
}

func (m *FolderManager) setState(accountID string, st FolderFetchState) {
	m.states.Update(func(cur map[string]FolderFetchState) (map[string]FolderFetchState, bool) {
		out := copyStates(cur)
		out[accountID] = st
		return out, true
	})
}

func copyStates[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
