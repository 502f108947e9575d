package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/job"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Manager wires the controller to the orchestrators it dispatches to.
type Manager struct {
	Controller *Controller
	Folders    *FolderManager
	Messages   *MessageManager
	Threads    *ThreadManager
	Search     *SearchManager
	Bodies     *BodyFetcher
	Uploader   *Uploader

	router *Router
	store  Store
	log    logrus.FieldLogger
}

// NewManager builds the sync core. events receives sync.job events and may
// be nil.
func NewManager(st Store, backends *Backends, events EventRecorder, cfg Config, log logrus.FieldLogger) *Manager {
	ctrl := NewController(events, log)
	m := &Manager{
		Controller: ctrl,
		Folders:    NewFolderManager(backends, st, log),
		Messages:   NewMessageManager(backends, st, cfg, log),
		Search:     NewSearchManager(backends, cfg, log),
		Bodies:     NewBodyFetcher(backends, st, cfg, log),
		Uploader:   NewUploader(backends, st, log),
		store:      st,
		log:        log,
	}
	m.Threads = NewThreadManager(backends, st, ctrl, cfg, log)
	m.router = &Router{
		Store:     st,
		Folders:   m.Folders,
		Messages:  m.Messages,
		Bodies:    m.Bodies,
		Uploader:  m.Uploader,
		Search:    m.Search,
		Bootstrap: NewBootstrapper(m.Folders, m.Messages, st, log),
		Log:       log.WithField("component", "router"),
	}
	return m
}

// Run drains the job queue until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.Controller.Run(ctx, m.router)
}

// ObserveAccounts makes accounts the tracked set and schedules a bootstrap
// for every remote account that has no inbox stored yet. Accounts dropped
// from the set lose their pending jobs and search state.
func (m *Manager) ObserveAccounts(ctx context.Context, accounts []mail.Account) {
	keep := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		keep[a.ID] = true
	}
	previous := m.Folders.Observed()
	m.Folders.ManageObservedAccounts(ctx, accounts)
	for _, a := range previous {
		if !keep[a.ID] {
			m.Controller.RemoveAccount(a.ID)
			m.Search.Clear(a.ID)
		}
	}
	for _, a := range accounts {
		if a.IsLocalOnly {
			continue
		}
		_, err := m.store.FolderByType(ctx, a.ID, mail.FolderInbox)
		switch {
		case errors.Is(err, store.ErrNotFound):
			m.log.WithField("account", a.ID).Info("scheduling account bootstrap")
			m.Controller.Enqueue(job.NewFullAccountBootstrap(a.ID))
		case err != nil:
			m.log.WithError(err).WithField("account", a.ID).Warn("failed to look up inbox")
		}
	}
}

// RequestBody schedules a full body fetch.
func (m *Manager) RequestBody(accountID, messageID string) {
	m.Controller.Enqueue(job.NewFullMessageBodyFetch(accountID, messageID))
}

// RequestAttachment schedules an attachment download.
func (m *Manager) RequestAttachment(accountID, messageID, attachmentID string) {
	m.Controller.Enqueue(job.NewAttachmentDownload(accountID, messageID, attachmentID))
}

// RequestNextPage schedules the page following the one stored last for a
// folder.
func (m *Manager) RequestNextPage(ctx context.Context, accountID, folderID string) error {
	cp, err := m.store.LoadCheckpoint(ctx, accountID, folderID)
	if err != nil {
		return fmt.Errorf("load checkpoint of %s: %w", folderID, err)
	}
	m.Controller.Enqueue(job.NewNextMessageListPage(accountID, folderID, cp.PageToken))
	return nil
}

// RequestRefresh schedules a first-page refetch of a folder.
func (m *Manager) RequestRefresh(accountID, folderID string) {
	m.Controller.Enqueue(job.NewForceRefreshFolder(accountID, folderID))
}

// RequestSearch schedules an online search.
func (m *Manager) RequestSearch(accountID, query string) {
	m.Controller.Enqueue(job.NewOnlineSearch(accountID, query))
}

// RunningFetches lists the keys of every fetch currently in flight.
func (m *Manager) RunningFetches() []string {
	var keys []string
	for prefix, r := range map[string]*runners{
		"folders":  m.Folders.runners,
		"messages": m.Messages.runners,
		"threads":  m.Threads.runners,
		"search":   m.Search.runners,
	} {
		for _, k := range r.keys() {
			keys = append(keys, prefix+"/"+k)
		}
	}
	sort.Strings(keys)
	return keys
}

// StopAll cancels every running fetch.
func (m *Manager) StopAll() {
	m.Folders.Close()
	m.Messages.Close()
	m.Threads.Close()
	m.Search.Close()
}
