package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store/storetest"
)

var day = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func threadService() *fakeService {
	svc := newFakeService()
	svc.pages["INBOX|"] = &mail.Page{Messages: []mail.Message{
		{RemoteID: "m1", ThreadID: "T1", Subject: "Plans"},
		{RemoteID: "m2", ThreadID: "T1", Subject: "Re: Plans"},
		{RemoteID: "m3", ThreadID: "T2", Subject: "Invoice"},
	}}
	svc.threads["T1"] = []mail.Message{
		{RemoteID: "m1", Subject: "Plans", From: "Ann <ann@example.com>", ReceivedAt: day},
		{RemoteID: "m2", Subject: "Re: Plans", From: "Bob <bob@example.com>", ReceivedAt: day.Add(2 * time.Hour)},
	}
	svc.threads["T2"] = []mail.Message{
		{RemoteID: "m3", Subject: "Invoice", From: "billing@example.com", ReceivedAt: day.Add(time.Hour), IsRead: true},
	}
	return svc
}

func newThreadManager(t *testing.T, svc *fakeService) (*ThreadManager, *recordingEnqueuer, mail.Account) {
	t.Helper()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)
	jobs := &recordingEnqueuer{}
	return NewThreadManager(newBackends(svc, &fakeTokens{}), st, jobs, DefaultConfig(), storetest.Logger()), jobs, acct
}

func TestThreadReconstruction(t *testing.T) {
	svc := threadService()
	m, _, acct := newThreadManager(t, svc)

	m.SetTargetFolderForThreads(context.Background(), acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got := svc.called("ListThreadMessages"); got != 2 {
		t.Errorf("ListThreadMessages called %d times, want 2", got)
	}
	st := m.State()
	if st.Status != FetchSuccess {
		t.Fatalf("status = %s (%s), want SUCCESS", st.Status, st.Error)
	}

	type summary struct {
		ID, Subject, Participants string
		Unread, Total             int
		RemoteIDs                 []string
	}
	var got []summary
	for _, th := range st.Threads {
		s := summary{ID: th.ID, Subject: th.Subject, Participants: th.ParticipantsSummary, Unread: th.UnreadCount, Total: th.TotalCount}
		for _, msg := range th.Messages {
			s.RemoteIDs = append(s.RemoteIDs, msg.RemoteID)
		}
		got = append(got, s)
	}
	want := []summary{
		{ID: "T1", Subject: "Re: Plans", Participants: "Bob, Ann", Unread: 2, Total: 2, RemoteIDs: []string{"m2", "m1"}},
		{ID: "T2", Subject: "Invoice", Participants: "billing@example.com", Unread: 0, Total: 1, RemoteIDs: []string{"m3"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
}

func TestSetTargetFolderForThreadsIdempotent(t *testing.T) {
	svc := threadService()
	m, _, acct := newThreadManager(t, svc)
	ctx := context.Background()

	m.SetTargetFolderForThreads(ctx, acct, "INBOX")
	m.SetTargetFolderForThreads(ctx, acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	m.SetTargetFolderForThreads(ctx, acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := svc.called("ListMessages"); got != 1 {
		t.Errorf("discovery ran %d times, want 1", got)
	}

	m.RefreshThreads(ctx)
	if err := m.Wait(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := svc.called("ListMessages"); got != 2 {
		t.Errorf("discovery ran %d times after refresh, want 2", got)
	}
}

func TestThreadFetchSkipsFailedThread(t *testing.T) {
	svc := threadService()
	svc.threadErrs["T2"] = errors.New("thread gone")
	m, _, acct := newThreadManager(t, svc)

	m.SetTargetFolderForThreads(context.Background(), acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	st := m.State()
	if st.Status != FetchSuccess || len(st.Threads) != 1 || st.Threads[0].ID != "T1" {
		t.Errorf("state = %+v, want Success with T1 only", st)
	}
}

func TestThreadFetchAllFailed(t *testing.T) {
	svc := threadService()
	svc.threadErrs["T1"] = errors.New("unavailable")
	svc.threadErrs["T2"] = errors.New("unavailable")
	m, _, acct := newThreadManager(t, svc)

	m.SetTargetFolderForThreads(context.Background(), acct, "INBOX")
	if err := m.Wait(); err == nil {
		t.Fatal("fetch succeeded, want error")
	}
	if st := m.State(); st.Status != FetchError || st.Error != "unavailable" {
		t.Errorf("state = %+v, want Error(unavailable)", st)
	}
}

func TestMarkThreadReadQueuesUploads(t *testing.T) {
	svc := threadService()
	m, jobs, acct := newThreadManager(t, svc)
	ctx := context.Background()

	m.SetTargetFolderForThreads(ctx, acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := m.MarkThreadRead(ctx, acct, "T1", true); err != nil {
		t.Fatalf("MarkThreadRead: %v", err)
	}

	if got := len(jobs.keys()); got != 2 {
		t.Errorf("queued %d uploads, want 2: %v", got, jobs.keys())
	}
	msgs, err := m.store.ThreadMessages(ctx, "a", "T1")
	if err != nil {
		t.Fatalf("ThreadMessages: %v", err)
	}
	for _, msg := range msgs {
		if !msg.IsRead || msg.SyncStatus != mail.StatusPendingUpload {
			t.Errorf("message %s: read=%t status=%s, want read and PENDING_UPLOAD", msg.RemoteID, msg.IsRead, msg.SyncStatus)
		}
	}
	actions, err := m.store.ListPendingActions(ctx, "a", "")
	if err != nil {
		t.Fatalf("ListPendingActions: %v", err)
	}
	if len(actions) != 2 {
		t.Errorf("recorded %d actions, want 2", len(actions))
	}
	for _, th := range m.State().Threads {
		if th.ID == "T1" && th.UnreadCount != 0 {
			t.Errorf("published T1 unread = %d, want 0", th.UnreadCount)
		}
	}
}

func TestDeleteAndMoveThread(t *testing.T) {
	svc := threadService()
	m, jobs, acct := newThreadManager(t, svc)
	ctx := context.Background()

	m.SetTargetFolderForThreads(ctx, acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := m.DeleteThread(ctx, acct, "T2"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if err := m.MoveThread(ctx, acct, "T1", "ARCHIVE"); err != nil {
		t.Fatalf("MoveThread: %v", err)
	}

	if got := m.State().Threads; len(got) != 0 {
		t.Errorf("published %d threads, want none", len(got))
	}
	if got := len(jobs.keys()); got != 3 {
		t.Errorf("queued %d uploads, want 3", got)
	}
	deleted, err := m.store.ThreadMessages(ctx, "a", "T2")
	if err != nil {
		t.Fatalf("ThreadMessages: %v", err)
	}
	if len(deleted) != 1 || deleted[0].SyncStatus != mail.StatusPendingDelete {
		t.Errorf("T2 messages = %+v, want one PENDING_DELETE", deleted)
	}
	moved, err := m.store.ThreadMessages(ctx, "a", "T1")
	if err != nil {
		t.Fatalf("ThreadMessages: %v", err)
	}
	for _, msg := range moved {
		if msg.FolderID != "ARCHIVE" {
			t.Errorf("message %s in %s, want ARCHIVE", msg.RemoteID, msg.FolderID)
		}
	}
}

func TestLocalOnlyMutationSkipsUpload(t *testing.T) {
	svc := threadService()
	m, jobs, acct := newThreadManager(t, svc)
	ctx := context.Background()

	m.SetTargetFolderForThreads(ctx, acct, "INBOX")
	if err := m.Wait(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	local := acct
	local.IsLocalOnly = true
	if err := m.MarkThreadRead(ctx, local, "T1", true); err != nil {
		t.Fatalf("MarkThreadRead: %v", err)
	}
	if got := jobs.keys(); len(got) != 0 {
		t.Errorf("queued %v for a local account", got)
	}
}
