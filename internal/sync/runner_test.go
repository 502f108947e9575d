package sync

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store/storetest"
)

type flakyPublisher struct {
	fail      int
	published []string
}

func (p *flakyPublisher) Publish(subject string, payload []byte, msgID string) error {
	if p.fail > 0 {
		p.fail--
		return errors.New("nats: no responders")
	}
	p.published = append(p.published, msgID)
	return nil
}

func TestOutboxDispatchRetries(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	if err := st.AppendOutbox(ctx, "mailsync.a.sync.job", "sync.job", []byte(`{}`), "e1"); err != nil {
		t.Fatalf("AppendOutbox: %v", err)
	}
	pub := &flakyPublisher{fail: 1}
	d := &OutboxDispatcher{Outbox: st, Publisher: pub, Log: storetest.Logger()}

	n, err := d.DispatchOnce(ctx, 10, 0)
	if err != nil || n != 1 {
		t.Fatalf("DispatchOnce = %d, %v", n, err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("published %v on a failing publisher", pub.published)
	}
	retries, err := st.OutboxRetries(ctx, 1)
	if err != nil || retries != 1 {
		t.Fatalf("retries = %d, %v; want 1", retries, err)
	}

	// Zero backoff makes the row due again at once.
	if _, err := d.DispatchOnce(ctx, 10, 0); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if diff := cmp.Diff([]string{"e1"}, pub.published); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
	if n, _ := d.DispatchOnce(ctx, 10, 0); n != 0 {
		t.Errorf("%d rows dispatched after publishing, want 0", n)
	}
}

func TestSchedulerTick(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewTestStore(t)
	remote := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	local := mail.Account{ID: "l", Provider: mail.ProviderIMAP, IsLocalOnly: true}
	storetest.SeedAccounts(t, st, remote, local)
	if err := st.ReplaceFolders(ctx, "a", testFolders); err != nil {
		t.Fatalf("ReplaceFolders: %v", err)
	}
	if err := st.ReplaceFolders(ctx, "l", []mail.Folder{{ID: "local-inbox", AccountID: "l", Type: mail.FolderInbox}}); err != nil {
		t.Fatalf("ReplaceFolders: %v", err)
	}

	folders := NewFolderManager(newBackends(newFakeService(), &fakeTokens{}), st, storetest.Logger())
	folders.ManageObservedAccounts(ctx, []mail.Account{remote, local})

	jobs := &recordingEnqueuer{}
	s := &Scheduler{Jobs: jobs, Folders: folders, Store: st, Interval: time.Minute, Log: storetest.Logger()}
	s.Tick(ctx)

	got := jobs.keys()
	sort.Strings(got)
	want := []string{"check:a:INBOX", "evict:a", "evict:l", "upload:a:"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scheduled jobs mismatch (-want +got):\n%s", diff)
	}
}
