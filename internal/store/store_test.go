package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/storetest"
)

func TestFoldersReplace(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)
	storetest.SeedAccounts(t, s, mail.Account{ID: "a"})

	first := []mail.Folder{
		{ID: "INBOX", AccountID: "a", DisplayName: "Inbox", Type: mail.FolderInbox, Position: 0},
		{ID: "old", AccountID: "a", DisplayName: "Old", Type: mail.FolderUserCreated, Position: 1},
	}
	if err := s.ReplaceFolders(ctx, "a", first); err != nil {
		t.Fatalf("ReplaceFolders: %v", err)
	}
	second := []mail.Folder{
		{ID: "INBOX", AccountID: "a", DisplayName: "Inbox", Type: mail.FolderInbox, UnreadCount: 3, Position: 0},
		{ID: "SPAM", AccountID: "a", DisplayName: "Spam", Type: mail.FolderSpam, Position: 1},
	}
	if err := s.ReplaceFolders(ctx, "a", second); err != nil {
		t.Fatalf("ReplaceFolders: %v", err)
	}

	got, err := s.ListFolders(ctx, "a")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("ListFolders mismatch (-want +got):\n%s", diff)
	}

	f, err := s.FolderByType(ctx, "a", mail.FolderSpam)
	if err != nil || f.ID != "SPAM" {
		t.Errorf("FolderByType(SPAM) = %v, %v", f, err)
	}
	if _, err := s.FolderByType(ctx, "a", mail.FolderTrash); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FolderByType(TRASH) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertMessagesWritesOutbox(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)
	storetest.SeedAccounts(t, s, mail.Account{ID: "a"})

	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []mail.Message{
		{ID: "l1", RemoteID: "r1", AccountID: "a", FolderID: "INBOX", ThreadID: "t1", Subject: "hello",
			From: "Bob <bob@example.com>", To: []string{"me@example.com"}, ReceivedAt: received},
		{ID: "l2", RemoteID: "r2", AccountID: "a", FolderID: "INBOX", ThreadID: "t1", Subject: "re: hello",
			ReceivedAt: received.Add(time.Hour)},
	}
	n, err := s.UpsertMessages(ctx, msgs)
	if err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("UpsertMessages inserted = %d, want 2", n)
	}

	// Updating an existing row is not a new message.
	msgs[0].IsRead = true
	if n, err := s.UpsertMessages(ctx, msgs[:1]); err != nil || n != 0 {
		t.Errorf("second UpsertMessages = %d, %v; want 0, nil", n, err)
	}

	list, err := s.ListMessages(ctx, "a", "INBOX", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 2 || list[0].ID != "l2" {
		t.Fatalf("ListMessages = %+v, want l2 first", list)
	}
	if !list[1].IsRead || !list[1].ReceivedAt.Equal(received) {
		t.Errorf("l1 = %+v, want read with received time kept", list[1])
	}
	if diff := cmp.Diff([]string{"me@example.com"}, list[1].To); diff != "" {
		t.Errorf("To mismatch (-want +got):\n%s", diff)
	}

	out, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("outbox rows = %d, want 2", len(out))
	}
	if out[0].Subject != "mailsync.a.mail.received" || out[0].MsgID != "mail.received|a|r1" {
		t.Errorf("outbox[0] = %+v", out[0])
	}
	var ev store.ReceivedEvent
	if err := json.Unmarshal(out[0].Payload, &ev); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if ev.Subject != "hello" || ev.RemoteID != "r1" {
		t.Errorf("event = %+v", ev)
	}

	if err := s.MarkPublished(ctx, out[0].ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := s.MarkOutboxRetry(ctx, out[1].ID, time.Hour); err != nil {
		t.Fatalf("MarkOutboxRetry: %v", err)
	}
	if rest, _ := s.DequeueOutbox(ctx, 10); len(rest) != 0 {
		t.Errorf("DequeueOutbox after publish/retry = %d rows, want 0", len(rest))
	}
	if n, _ := s.OutboxRetries(ctx, out[1].ID); n != 1 {
		t.Errorf("retries = %d, want 1", n)
	}
}

func TestMessagesByRemoteIDAndDelete(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)
	storetest.SeedAccounts(t, s, mail.Account{ID: "a"})

	msgs := []mail.Message{
		{ID: "l1", RemoteID: "r1", AccountID: "a", FolderID: "INBOX"},
		{ID: "l2", RemoteID: "r2", AccountID: "a", FolderID: "INBOX", SyncStatus: mail.StatusPendingUpload},
		{ID: "l3", RemoteID: "r3", AccountID: "a", FolderID: "INBOX"},
	}
	if _, err := s.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	got, err := s.MessagesByRemoteID(ctx, "a", []string{"r1", "r2", "missing"})
	if err != nil {
		t.Fatalf("MessagesByRemoteID: %v", err)
	}
	if len(got) != 2 || got["r1"].ID != "l1" || got["r2"].ID != "l2" {
		t.Errorf("MessagesByRemoteID = %+v", got)
	}

	n, err := s.DeleteMessagesByRemoteID(ctx, "a", []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("DeleteMessagesByRemoteID: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1 (pending upload kept)", n)
	}
	if _, err := s.GetMessage(ctx, "l1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage(l1) error = %v, want ErrNotFound", err)
	}
}

func TestListMessagesHidesPendingDeletes(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)
	storetest.SeedAccounts(t, s, mail.Account{ID: "a"})

	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []mail.Message{
		{ID: "l1", RemoteID: "r1", AccountID: "a", FolderID: "INBOX", ReceivedAt: received},
		{ID: "l2", RemoteID: "r2", AccountID: "a", FolderID: "INBOX", ReceivedAt: received.Add(time.Hour)},
	}
	if _, err := s.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	if err := s.SetMessageStatus(ctx, "l2", mail.StatusPendingDelete); err != nil {
		t.Fatalf("SetMessageStatus: %v", err)
	}

	list, err := s.ListMessages(ctx, "a", "INBOX", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 1 || list[0].ID != "l1" {
		t.Errorf("ListMessages = %+v, want only l1", list)
	}
	// The row stays until the provider confirms the delete.
	if m, err := s.GetMessage(ctx, "l2"); err != nil || m.SyncStatus != mail.StatusPendingDelete {
		t.Errorf("GetMessage(l2) = %+v, %v; want PENDING_DELETE", m, err)
	}
}

func TestSaveBodyAndEvict(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)
	storetest.SeedAccounts(t, s, mail.Account{ID: "a"})

	if _, err := s.UpsertMessages(ctx, []mail.Message{{ID: "l1", RemoteID: "r1", AccountID: "a", FolderID: "INBOX"}}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	body := &mail.MessageBody{
		Content: "<p>hi</p>",
		IsHTML:  true,
		Attachments: []mail.Attachment{
			{RemoteID: "att-1", AccountID: "a", Filename: "a.pdf", MIMEType: "application/pdf", Size: 42},
		},
	}
	if err := s.SaveBody(ctx, "l1", body); err != nil {
		t.Fatalf("SaveBody: %v", err)
	}
	m, err := s.GetMessage(ctx, "l1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Body == nil || *m.Body != "<p>hi</p>" || !m.BodyIsHTML || !m.HasAttachments {
		t.Errorf("message after SaveBody = %+v", m)
	}

	atts, err := s.ListAttachments(ctx, "l1")
	if err != nil || len(atts) != 1 {
		t.Fatalf("ListAttachments = %v, %v", atts, err)
	}
	if atts[0].ID != store.AttachmentID("l1", "att-1") || atts[0].DownloadStatus != mail.DownloadNone {
		t.Errorf("attachment = %+v", atts[0])
	}
	path := "/tmp/a.pdf"
	if err := s.UpdateAttachmentDownload(ctx, atts[0].ID, mail.DownloadDone, &path, ""); err != nil {
		t.Fatalf("UpdateAttachmentDownload: %v", err)
	}
	// Re-saving the body must not forget the download.
	if err := s.SaveBody(ctx, "l1", body); err != nil {
		t.Fatalf("SaveBody: %v", err)
	}
	a, err := s.GetAttachment(ctx, "l1", "att-1")
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if a.LocalPath == nil || *a.LocalPath != path || a.DownloadStatus != mail.DownloadDone {
		t.Errorf("attachment after re-save = %+v", a)
	}

	if n, err := s.EvictBodies(ctx, "a", time.Now().Add(-time.Hour)); err != nil || n != 0 {
		t.Errorf("EvictBodies(recent) = %d, %v; want 0", n, err)
	}
	if n, err := s.EvictBodies(ctx, "a", time.Now().Add(time.Hour)); err != nil || n != 1 {
		t.Errorf("EvictBodies(all) = %d, %v; want 1", n, err)
	}
	m, _ = s.GetMessage(ctx, "l1")
	if m.Body != nil {
		t.Errorf("body survived eviction")
	}
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)

	cp, err := s.LoadCheckpoint(ctx, "a", "INBOX")
	if err != nil || cp.Cursor != "" {
		t.Fatalf("LoadCheckpoint(empty) = %+v, %v", cp, err)
	}
	if err := s.SavePageToken(ctx, "a", "INBOX", "page-2"); err != nil {
		t.Fatalf("SavePageToken: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, "a", "INBOX", "hist-9", store.SyncStatusHooked); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.UpdateSyncStatus(ctx, "a", "INBOX", store.SyncStatusError, "boom"); err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}
	cp, err = s.LoadCheckpoint(ctx, "a", "INBOX")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Cursor != "hist-9" || cp.PageToken != "page-2" || cp.Status != store.SyncStatusError || cp.LastError != "boom" {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestPendingActions(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewTestStore(t)

	added, err := s.AddPendingActions(ctx, []store.PendingAction{
		{AccountID: "a", MessageID: "l1", RemoteID: "r1", Kind: store.ActionMarkRead},
		{AccountID: "a", MessageID: "l2", RemoteID: "r2", Kind: store.ActionMove, DestinationID: "TRASH"},
	})
	if err != nil {
		t.Fatalf("AddPendingActions: %v", err)
	}
	if added[0].ID == "" || added[0].ID == added[1].ID {
		t.Fatalf("ids not assigned: %+v", added)
	}

	one, err := s.ListPendingActions(ctx, "a", added[1].ID)
	if err != nil || len(one) != 1 || one[0].Kind != store.ActionMove {
		t.Fatalf("ListPendingActions(id) = %+v, %v", one, err)
	}
	if err := s.RecordActionFailure(ctx, added[0].ID, errors.New("timeout")); err != nil {
		t.Fatalf("RecordActionFailure: %v", err)
	}
	if err := s.DeletePendingAction(ctx, added[1].ID); err != nil {
		t.Fatalf("DeletePendingAction: %v", err)
	}
	all, _ := s.ListPendingActions(ctx, "a", "")
	if len(all) != 1 || all[0].Attempts != 1 || all[0].LastError != "timeout" {
		t.Errorf("remaining actions = %+v", all)
	}
}

func TestWatchMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := storetest.NewTestStore(t)
	storetest.SeedAccounts(t, s, mail.Account{ID: "a"})

	ch := s.WatchMessages(ctx, "a", "INBOX", 10)
	first := <-ch
	if len(first) != 0 {
		t.Fatalf("initial result = %d messages, want 0", len(first))
	}
	if _, err := s.UpsertMessages(ctx, []mail.Message{{ID: "l1", RemoteID: "r1", AccountID: "a", FolderID: "INBOX"}}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-ch:
			if len(msgs) == 1 {
				return
			}
		case <-timeout:
			t.Fatal("watch did not deliver the new message")
		}
	}
}
