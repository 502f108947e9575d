package sync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/state"
)

// SearchManager runs provider-side searches. A new search of an account
// supersedes the one still running.
type SearchManager struct {
	backends *Backends
	cfg      Config
	log      logrus.FieldLogger

	mu      sync.RWMutex
	queries map[string]string
	runners *runners
	states  *state.Value[map[string]SearchState]
}

func NewSearchManager(backends *Backends, cfg Config, log logrus.FieldLogger) *SearchManager {
	log = log.WithField("component", "search")
	return &SearchManager{
		backends: backends,
		cfg:      cfg.withDefaults(),
		log:      log,
		queries:  make(map[string]string),
		runners:  newRunners(log),
		states:   state.NewValue(map[string]SearchState{}),
	}
}

func (m *SearchManager) States() map[string]SearchState {
	return m.states.Get()
}

func (m *SearchManager) WatchStates(ctx context.Context) <-chan map[string]SearchState {
	return m.states.Subscribe(ctx)
}

// Search runs query for account and waits for it. It returns the
// cancellation error when a newer search replaced it.
func (m *SearchManager) Search(ctx context.Context, account mail.Account, query string) error {
	m.mu.Lock()
	m.queries[account.ID] = query
	h := m.runners.start(ctx, account.ID, func(ctx context.Context) error {
		return m.run(ctx, account, query)
	})
	m.mu.Unlock()
	return h.wait()
}

// Clear forgets the search state of account.
func (m *SearchManager) Clear(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners.cancel(accountID)
	delete(m.queries, accountID)
	m.states.Update(func(cur map[string]SearchState) (map[string]SearchState, bool) {
		if _, ok := cur[accountID]; !ok {
			return cur, false
		}
		out := copyStates(cur)
		delete(out, accountID)
		return out, true
	})
}

func (m *SearchManager) Close() {
	m.runners.cancelAll()
}

func (m *SearchManager) run(ctx context.Context, a mail.Account, query string) error {
	m.publish(ctx, a.ID, query, SearchState{Status: FetchLoading, Query: query})

	svc, err := m.backends.Connect(ctx, a)
	if err != nil {
		return m.fail(ctx, a.ID, query, err)
	}
	results, err := svc.Search(ctx, query, m.cfg.SearchPageSize)
	if err != nil {
		return m.fail(ctx, a.ID, query, err)
	}
	for i := range results {
		results[i].AccountID = a.ID
	}
	if m.publish(ctx, a.ID, query, SearchState{Status: FetchSuccess, Query: query, Results: results}) {
		m.log.WithFields(logrus.Fields{"account": a.ID, "results": len(results)}).Debug("search complete")
	}
	return nil
}

func (m *SearchManager) fail(ctx context.Context, accountID, query string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if mail.IsCanceled(err) {
		return err
	}
	m.log.WithError(err).WithField("account", accountID).Warn("search failed")
	m.publish(ctx, accountID, query, SearchState{Status: FetchError, Query: query, Error: errorText(err)})
	return err
}

// publish writes st unless ctx is done or a newer query took over.
func (m *SearchManager) publish(ctx context.Context, accountID, query string, st SearchState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ctx.Err() != nil || m.queries[accountID] != query {
		return false
	}
	m.states.Update(func(cur map[string]SearchState) (map[string]SearchState, bool) {
		out := copyStates(cur)
		out[accountID] = st
		return out, true
	})
	return true
}
