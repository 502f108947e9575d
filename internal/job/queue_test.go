package job

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func drain(q *Queue, online bool) []Kind {
	var kinds []Kind
	for {
		j, ok := q.Pop(online)
		if !ok {
			return kinds
		}
		kinds = append(kinds, j.Kind())
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue()
	q.Push(NewCacheEviction("a"))
	q.Push(NewFolderListResync("a"))
	q.Push(NewFullMessageBodyFetch("a", "m1"))

	want := []Kind{KindFullMessageBodyFetch, KindFolderListResync, KindCacheEviction}
	if diff := cmp.Diff(want, drain(q, true)); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	q.Push(NewCheckForNewMail("a", "inbox"))
	q.Push(NewCheckForNewMail("b", "inbox"))
	q.Push(NewCheckForNewMail("a", "sent"))

	var got []string
	for {
		j, ok := q.Pop(true)
		if !ok {
			break
		}
		got = append(got, j.Key())
	}
	want := []string{"check:a:inbox", "check:b:inbox", "check:a:sent"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FIFO mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueCoalesces(t *testing.T) {
	q := NewQueue()
	if q.Push(NewForceRefreshFolder("a", "inbox")) {
		t.Fatal("first push reported coalesced")
	}
	q.Push(NewFolderListResync("a"))
	if !q.Push(NewForceRefreshFolder("a", "inbox")) {
		t.Fatal("duplicate push not coalesced")
	}
	q.Push(NewOnlineSearch("a", "old"))
	if !q.Push(NewOnlineSearch("a", "new")) {
		t.Fatal("second search not coalesced")
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	j, _ := q.Pop(true)
	if j.Kind() != KindForceRefreshFolder {
		t.Fatalf("first pop = %s, want refresh", j.Kind())
	}
	j, _ = q.Pop(true)
	s, ok := j.(*OnlineSearch)
	if !ok || s.Query != "new" {
		t.Fatalf("second pop = %v, want newest search", j)
	}

	// Different entities never coalesce.
	q.Push(NewFullMessageBodyFetch("a", "m1"))
	q.Push(NewFullMessageBodyFetch("a", "m2"))
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
}

func TestQueueOffline(t *testing.T) {
	q := NewQueue()
	q.Push(NewFullAccountBootstrap("a"))
	q.Push(NewCacheEviction("a"))

	if diff := cmp.Diff([]Kind{KindCacheEviction}, drain(q, false)); diff != "" {
		t.Errorf("offline drain mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 1 {
		t.Fatalf("network job dropped while offline, Len() = %d", q.Len())
	}
	if diff := cmp.Diff([]Kind{KindFullAccountBootstrap}, drain(q, true)); diff != "" {
		t.Errorf("online drain mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueRemoveAccount(t *testing.T) {
	q := NewQueue()
	q.Push(NewFolderListResync("a"))
	q.Push(NewFolderListResync("b"))
	q.Push(NewCheckForNewMail("a", "inbox"))

	if n := q.RemoveAccount("a"); n != 2 {
		t.Errorf("RemoveAccount() = %d, want 2", n)
	}
	// The key index must be cleared with the entries.
	if q.Push(NewFolderListResync("a")) {
		t.Error("push after removal reported coalesced")
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := NewAttachmentDownload("acct", "m1", "att1")
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := out.(*AttachmentDownload)
	if !ok {
		t.Fatalf("Unmarshal returned %T", out)
	}
	if got.AccountID != "acct" || got.MessageID != "m1" || got.AttachmentID != "att1" {
		t.Errorf("round trip = %+v", got)
	}

	if _, err := Unmarshal([]byte(`{"kind":"nope","payload":{}}`)); err == nil {
		t.Error("Unmarshal(unknown kind) succeeded")
	}
}

func TestNextPageRequestsCoalesceByToken(t *testing.T) {
	q := NewQueue()
	q.Push(NewNextMessageListPage("a", "inbox", "tok-1"))
	if !q.Push(NewNextMessageListPage("a", "inbox", "tok-1")) {
		t.Error("second request for the same page not coalesced")
	}
	if q.Push(NewNextMessageListPage("a", "inbox", "tok-2")) {
		t.Error("request for the following page coalesced into the earlier one")
	}
	if got := q.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}
