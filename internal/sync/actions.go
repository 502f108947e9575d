package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Uploader replays pending local mutations against the provider.
type Uploader struct {
	backends *Backends
	store    Store
	log      logrus.FieldLogger
}

func NewUploader(backends *Backends, st Store, log logrus.FieldLogger) *Uploader {
	return &Uploader{backends: backends, store: st, log: log.WithField("component", "uploader")}
}

// Upload replays one pending action of account, or all of them in creation
// order when actionID is empty. Actions failing on connectivity or
// credentials stay queued; other provider rejections are dropped and their
// message is marked ERROR.
func (u *Uploader) Upload(ctx context.Context, account mail.Account, actionID string) error {
	queued, err := u.store.ListPendingActions(ctx, account.ID, "")
	if err != nil {
		return fmt.Errorf("list pending actions: %w", err)
	}
	actions := queued
	if actionID != "" {
		actions = nil
		for i, a := range queued {
			if a.ID == actionID {
				actions, queued = queued[i:i+1], queued[i+1:]
				break
			}
		}
	}
	if len(actions) == 0 {
		return nil
	}

	svc, err := u.backends.Connect(ctx, account)
	if err != nil {
		return err
	}

	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := u.log.WithFields(logrus.Fields{"account": account.ID, "action": a.ID, "kind": a.Kind, "message": a.MessageID})

		a.RemoteID = u.currentRemoteID(ctx, a)
		moved, err := u.replay(ctx, svc, a)
		if err != nil {
			if mail.IsCanceled(err) {
				return err
			}
			if rerr := u.store.RecordActionFailure(ctx, a.ID, err); rerr != nil {
				log.WithError(rerr).Warn("failed to record action failure")
			}
			if mail.IsConnectivity(err) || mail.IsAuthRequired(err) {
				log.WithError(err).Info("action kept for retry")
				return err
			}
			log.WithError(err).Warn("action rejected by provider")
			if err := u.store.DeletePendingAction(ctx, a.ID); err != nil {
				return fmt.Errorf("drop action %s: %w", a.ID, err)
			}
			if err := u.store.SetMessageStatus(ctx, a.MessageID, mail.StatusError); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("mark message %s: %w", a.MessageID, err)
			}
			continue
		}

		later := actions[i+1:]
		if actionID != "" {
			later = queued
		}
		if err := u.complete(ctx, a, moved, laterFor(later, a.MessageID)); err != nil {
			return err
		}
		log.Debug("action uploaded")
	}
	return nil
}

// currentRemoteID returns the provider id the message has now. An earlier
// move may have changed it after a was recorded.
func (u *Uploader) currentRemoteID(ctx context.Context, a store.PendingAction) string {
	msg, err := u.store.GetMessage(ctx, a.MessageID)
	if err != nil || msg.RemoteID == "" {
		return a.RemoteID
	}
	return msg.RemoteID
}

func (u *Uploader) replay(ctx context.Context, svc mail.Service, a store.PendingAction) (*mail.Message, error) {
	switch a.Kind {
	case store.ActionMarkRead:
		return nil, svc.MarkRead(ctx, a.RemoteID, true)
	case store.ActionMarkUnread:
		return nil, svc.MarkRead(ctx, a.RemoteID, false)
	case store.ActionDelete:
		return nil, svc.Delete(ctx, a.RemoteID)
	case store.ActionMove:
		return svc.Move(ctx, a.RemoteID, a.DestinationID, a.SourceID)
	}
	return nil, &mail.Error{Kind: mail.KindMapping, Message: fmt.Sprintf("unknown action kind %q", a.Kind)}
}

// complete settles the local message once the provider accepted a. A
// message with later queued actions keeps its pending status.
func (u *Uploader) complete(ctx context.Context, a store.PendingAction, moved *mail.Message, pendingMore bool) error {
	if err := u.store.DeletePendingAction(ctx, a.ID); err != nil {
		return fmt.Errorf("drop action %s: %w", a.ID, err)
	}

	switch {
	case a.Kind == store.ActionDelete:
		err := u.store.DeleteMessage(ctx, a.MessageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete message %s: %w", a.MessageID, err)
		}
		return nil
	case a.Kind == store.ActionMove && moved != nil && moved.RemoteID != "" && moved.RemoteID != a.RemoteID:
		// Some providers assign a new id on move.
		msg, err := u.store.GetMessage(ctx, a.MessageID)
		if err != nil {
			return fmt.Errorf("load moved message %s: %w", a.MessageID, err)
		}
		msg.RemoteID = moved.RemoteID
		msg.FolderID = a.DestinationID
		if !pendingMore {
			msg.SyncStatus = mail.StatusSynced
		}
		_, err = u.store.UpsertMessages(ctx, []mail.Message{*msg})
		return err
	}

	if pendingMore {
		return nil
	}
	err := u.store.SetMessageStatus(ctx, a.MessageID, mail.StatusSynced)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("settle message %s: %w", a.MessageID, err)
	}
	return nil
}

func laterFor(actions []store.PendingAction, messageID string) bool {
	for _, a := range actions {
		if a.MessageID == messageID {
			return true
		}
	}
	return false
}
