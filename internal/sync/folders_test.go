package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Martian-dev/mailsync/internal/job"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store/storetest"
)

var testFolders = []mail.Folder{
	{ID: "INBOX", AccountID: "a", DisplayName: "Inbox", Type: mail.FolderInbox, Position: 0},
	{ID: "SENT", AccountID: "a", DisplayName: "Sent", Type: mail.FolderSentItems, Position: 1},
}

func TestFolderFetchSuccess(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)

	svc := newFakeService()
	svc.folders = testFolders
	m := NewFolderManager(newBackends(svc, &fakeTokens{}), st, storetest.Logger())

	m.ManageObservedAccounts(ctx, []mail.Account{acct})
	if err := waitFor(t, m.runners, "a"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := map[string]FolderFetchState{"a": {Status: FetchSuccess, Folders: testFolders}}
	if diff := cmp.Diff(want, m.States()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	stored, err := st.ListFolders(ctx, "a")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if diff := cmp.Diff(testFolders, stored); diff != "" {
		t.Errorf("stored folders mismatch (-want +got):\n%s", diff)
	}

	// Already loaded: observing again must not refetch.
	m.ManageObservedAccounts(ctx, []mail.Account{acct})
	if got := svc.called("ListFolders"); got != 1 {
		t.Errorf("ListFolders called %d times, want 1", got)
	}
}

func TestFolderFetchNeedsInteraction(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)

	svc := newFakeService()
	tokens := &fakeTokens{err: fmt.Errorf("refresh: %w", mail.ErrNeedsInteraction)}
	m := NewFolderManager(newBackends(svc, tokens), st, storetest.Logger())
	m.ManageObservedAccounts(ctx, []mail.Account{acct})

	err := m.FetchFolders(ctx, acct)
	if !mail.IsAuthRequired(err) {
		t.Fatalf("FetchFolders error = %v, want auth required", err)
	}
	if got := svc.called("ListFolders"); got != 0 {
		t.Errorf("ListFolders called %d times before sign-in", got)
	}
	got := m.States()["a"]
	if got.Status != FetchError || !got.NeedsSignIn {
		t.Errorf("state = %+v, want Error needing sign-in", got)
	}
	stored, err := st.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !stored.NeedsReauthentication {
		t.Error("account not flagged for re-authentication")
	}
}

func TestFolderFetchErrorRetriedOnObserve(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)

	svc := newFakeService()
	fail := true
	svc.listFolders = func(ctx context.Context) ([]mail.Folder, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return testFolders, nil
	}
	m := NewFolderManager(newBackends(svc, &fakeTokens{}), st, storetest.Logger())
	m.ManageObservedAccounts(ctx, []mail.Account{acct})

	if err := m.FetchFolders(ctx, acct); err == nil {
		t.Fatal("FetchFolders succeeded, want error")
	}
	if got := m.States()["a"]; got.Status != FetchError || got.Error != "boom" {
		t.Fatalf("state = %+v, want Error(boom)", got)
	}

	// An Error state is refetched when the account is observed (again).
	fail = false
	m.ManageObservedAccounts(ctx, nil)
	m.ManageObservedAccounts(ctx, []mail.Account{acct})
	if err := waitFor(t, m.runners, "a"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := m.States()["a"]; got.Status != FetchSuccess {
		t.Errorf("state = %+v, want Success", got)
	}
}

func TestCancelOnRemoval(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)
	counted := &countingStore{Store: st}

	entered := make(chan struct{})
	release := make(chan struct{})
	svc := newFakeService()
	// The fake ignores cancellation and returns a result after removal.
	svc.listFolders = func(context.Context) ([]mail.Folder, error) {
		close(entered)
		<-release
		return testFolders, nil
	}
	m := NewFolderManager(newBackends(svc, &fakeTokens{}), counted, storetest.Logger())

	m.ManageObservedAccounts(ctx, []mail.Account{acct})
	h, ok := m.runners.get("a")
	if !ok {
		t.Fatal("no fetch running for a")
	}
	<-entered
	if got := m.States()["a"].Status; got != FetchLoading {
		t.Fatalf("status = %s, want LOADING", got)
	}

	m.ManageObservedAccounts(ctx, nil)
	close(release)
	if err := h.wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("fetch error = %v, want context.Canceled", err)
	}

	if _, ok := m.States()["a"]; ok {
		t.Errorf("state for removed account still present: %+v", m.States()["a"])
	}
	if n := counted.writes.Load(); n != 0 {
		t.Errorf("%d persistence writes after removal, want 0", n)
	}
}

func TestRestoreCachedFolders(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)
	if err := st.ReplaceFolders(ctx, "a", testFolders); err != nil {
		t.Fatalf("ReplaceFolders: %v", err)
	}

	svc := newFakeService()
	m := NewFolderManager(newBackends(svc, &fakeTokens{}), st, storetest.Logger())
	m.ManageObservedAccounts(ctx, []mail.Account{acct})

	if got := svc.called("ListFolders"); got != 0 {
		t.Errorf("ListFolders called %d times with cached folders", got)
	}
	if got := m.States()["a"]; got.Status != FetchSuccess || len(got.Folders) != 2 {
		t.Errorf("state = %+v, want cached Success", got)
	}
}

func TestRefreshAllFolders(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	a := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	b := mail.Account{ID: "b", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, a, b)

	svc := newFakeService()
	m := NewFolderManager(newBackends(svc, &fakeTokens{}), st, storetest.Logger())
	m.ManageObservedAccounts(ctx, []mail.Account{a, b})
	for _, id := range []string{"a", "b"} {
		if err := waitFor(t, m.runners, id); err != nil {
			t.Fatalf("fetch %s: %v", id, err)
		}
	}

	m.RefreshAllFolders(ctx)
	for _, id := range []string{"a", "b"} {
		if err := waitFor(t, m.runners, id); err != nil {
			t.Fatalf("refresh %s: %v", id, err)
		}
	}
	if got := svc.called("ListFolders"); got != 4 {
		t.Errorf("ListFolders called %d times, want 4", got)
	}
}

func TestFetchFoldersSkipsUnobservedAccount(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)

	svc := newFakeService()
	svc.folders = testFolders
	m := NewFolderManager(newBackends(svc, &fakeTokens{}), st, storetest.Logger())

	if err := m.FetchFolders(ctx, acct); !errors.Is(err, ErrNotObserved) {
		t.Fatalf("FetchFolders error = %v, want ErrNotObserved", err)
	}
	if got := svc.called("ListFolders"); got != 0 {
		t.Errorf("ListFolders called %d times for an unobserved account", got)
	}
	if len(m.Observed()) != 0 || len(m.States()) != 0 {
		t.Errorf("observed = %v, states = %v; want both empty", m.Observed(), m.States())
	}
}

func TestRemovedAccountStaysRemoved(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)

	svc := newFakeService()
	m := NewManager(st, newBackends(svc, &fakeTokens{}), nil, DefaultConfig(), storetest.Logger())

	m.ObserveAccounts(ctx, []mail.Account{acct})
	if err := waitFor(t, m.Folders.runners, "a"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if n := m.Controller.Pending(); n != 1 {
		t.Fatalf("pending = %d, want a bootstrap job", n)
	}

	m.ObserveAccounts(ctx, nil)
	if n := m.Controller.Pending(); n != 0 {
		t.Errorf("pending = %d after removal, want 0", n)
	}
	if q := m.Controller.Status().QueueLength; q != 0 {
		t.Errorf("status queue length = %d, want 0", q)
	}
	calls := svc.called("ListFolders")

	// Jobs already taken off the queue when the account went away.
	for _, j := range []job.Job{job.NewFullAccountBootstrap("a"), job.NewFolderListResync("a")} {
		if err := m.router.Dispatch(ctx, j); err != nil {
			t.Errorf("Dispatch(%s) = %v, want nil", j, err)
		}
	}
	if got := svc.called("ListFolders"); got != calls {
		t.Errorf("ListFolders called %d times after removal, want %d", got, calls)
	}
	if len(m.Folders.Observed()) != 0 || len(m.Folders.States()) != 0 {
		t.Errorf("observed = %v, states = %v; want both empty", m.Folders.Observed(), m.Folders.States())
	}
}
