package sync

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/storetest"
)

func seedPending(t *testing.T, st *store.Store, kind store.ActionKind, dest string) (mail.Message, store.PendingAction) {
	t.Helper()
	ctx := context.Background()
	msg := mail.Message{ID: "l1", RemoteID: "r1", ThreadID: "T1", AccountID: "a", FolderID: "INBOX", SyncStatus: mail.StatusPendingUpload}
	if _, err := st.UpsertMessages(ctx, []mail.Message{msg}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	actions, err := st.AddPendingActions(ctx, []store.PendingAction{{
		AccountID: "a", MessageID: "l1", RemoteID: "r1", Kind: kind, DestinationID: dest, SourceID: "INBOX",
	}})
	if err != nil {
		t.Fatalf("AddPendingActions: %v", err)
	}
	return msg, actions[0]
}

func newUploader(t *testing.T, svc *fakeService) (*Uploader, *store.Store, mail.Account) {
	t.Helper()
	st := storetest.NewTestStore(t)
	acct := mail.Account{ID: "a", Provider: mail.ProviderIMAP}
	storetest.SeedAccounts(t, st, acct)
	return NewUploader(newBackends(svc, &fakeTokens{}), st, storetest.Logger()), st, acct
}

func TestUploadMarkRead(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	u, st, acct := newUploader(t, svc)
	_, action := seedPending(t, st, store.ActionMarkRead, "")

	if err := u.Upload(ctx, acct, action.ID); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if diff := cmp.Diff([]string{"read:r1:true"}, svc.mutations); diff != "" {
		t.Errorf("mutations mismatch (-want +got):\n%s", diff)
	}
	left, _ := st.ListPendingActions(ctx, "a", "")
	if len(left) != 0 {
		t.Errorf("%d actions left, want 0", len(left))
	}
	msg, err := st.GetMessage(ctx, "l1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.SyncStatus != mail.StatusSynced {
		t.Errorf("status = %s, want SYNCED", msg.SyncStatus)
	}
}

func TestUploadMoveAdoptsNewRemoteID(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	u, st, acct := newUploader(t, svc)
	seedPending(t, st, store.ActionMove, "ARCHIVE")

	if err := u.Upload(ctx, acct, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	msg, err := st.GetMessage(ctx, "l1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.RemoteID != "r1-moved" || msg.FolderID != "ARCHIVE" || msg.SyncStatus != mail.StatusSynced {
		t.Errorf("moved message = %+v", msg)
	}
}

func TestUploadDeleteRemovesMessage(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	u, st, acct := newUploader(t, svc)
	seedPending(t, st, store.ActionDelete, "")

	if err := u.Upload(ctx, acct, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := st.GetMessage(ctx, "l1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage error = %v, want ErrNotFound", err)
	}
}

func TestUploadKeepsActionOnConnectivityError(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.mutateErr = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	u, st, acct := newUploader(t, svc)
	_, action := seedPending(t, st, store.ActionMarkRead, "")

	err := u.Upload(ctx, acct, action.ID)
	if !mail.IsConnectivity(err) {
		t.Fatalf("Upload error = %v, want connectivity", err)
	}
	left, _ := st.ListPendingActions(ctx, "a", "")
	if len(left) != 1 || left[0].Attempts != 1 {
		t.Errorf("actions = %+v, want one with 1 attempt", left)
	}
	msg, _ := st.GetMessage(ctx, "l1")
	if msg.SyncStatus != mail.StatusPendingUpload {
		t.Errorf("status = %s, want PENDING_UPLOAD", msg.SyncStatus)
	}
}

func TestUploadDropsRejectedAction(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.mutateErr = mail.ProviderError(400, "invalid label", nil)
	u, st, acct := newUploader(t, svc)
	_, action := seedPending(t, st, store.ActionMove, "NOPE")

	if err := u.Upload(ctx, acct, action.ID); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	left, _ := st.ListPendingActions(ctx, "a", "")
	if len(left) != 0 {
		t.Errorf("%d actions left, want 0", len(left))
	}
	msg, _ := st.GetMessage(ctx, "l1")
	if msg.SyncStatus != mail.StatusError {
		t.Errorf("status = %s, want ERROR", msg.SyncStatus)
	}
}

func TestUploadAfterMoveUsesNewRemoteID(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	u, st, acct := newUploader(t, svc)
	msg := mail.Message{ID: "l1", RemoteID: "r1", ThreadID: "T1", AccountID: "a", FolderID: "INBOX", IsRead: true, SyncStatus: mail.StatusPendingUpload}
	if _, err := st.UpsertMessages(ctx, []mail.Message{msg}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	// Both actions were recorded before the move reached the provider.
	_, err := st.AddPendingActions(ctx, []store.PendingAction{
		{AccountID: "a", MessageID: "l1", RemoteID: "r1", Kind: store.ActionMove, DestinationID: "ARCHIVE", SourceID: "INBOX"},
		{AccountID: "a", MessageID: "l1", RemoteID: "r1", Kind: store.ActionMarkUnread},
	})
	if err != nil {
		t.Fatalf("AddPendingActions: %v", err)
	}

	if err := u.Upload(ctx, acct, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := []string{"move:r1:ARCHIVE", "read:r1-moved:false"}
	if diff := cmp.Diff(want, svc.mutations); diff != "" {
		t.Errorf("mutations mismatch (-want +got):\n%s", diff)
	}
	got, err := st.GetMessage(ctx, "l1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.RemoteID != "r1-moved" || got.SyncStatus != mail.StatusSynced {
		t.Errorf("message = %+v, want r1-moved SYNCED", got)
	}
}
