package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// BodyFetcher loads full message bodies and attachment content on demand
// and evicts stale cached bodies.
type BodyFetcher struct {
	backends *Backends
	store    Store
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewBodyFetcher(backends *Backends, st Store, cfg Config, log logrus.FieldLogger) *BodyFetcher {
	return &BodyFetcher{
		backends: backends,
		store:    st,
		cfg:      cfg.withDefaults(),
		log:      log.WithField("component", "bodies"),
		now:      time.Now,
	}
}

// FetchBody downloads the body of a stored message along with its
// attachment metadata.
func (f *BodyFetcher) FetchBody(ctx context.Context, account mail.Account, messageID string) error {
	msg, err := f.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.RemoteID == "" {
		return fmt.Errorf("message %s has not been uploaded", messageID)
	}
	svc, err := f.backends.Connect(ctx, account)
	if err != nil {
		return err
	}
	body, err := svc.GetMessageBody(ctx, msg.RemoteID)
	if err != nil {
		return err
	}
	for i := range body.Attachments {
		body.Attachments[i].AccountID = account.ID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.store.SaveBody(ctx, messageID, body); err != nil {
		return err
	}
	f.log.WithFields(logrus.Fields{
		"account":     account.ID,
		"message":     messageID,
		"attachments": len(body.Attachments),
	}).Debug("body fetched")
	return nil
}

// DownloadAttachment fetches attachment content into the data directory and
// records where it went.
func (f *BodyFetcher) DownloadAttachment(ctx context.Context, account mail.Account, messageID, attachmentID string) error {
	msg, err := f.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	att, err := f.store.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return err
	}
	if att.DownloadStatus == mail.DownloadDone && att.LocalPath != nil {
		if _, err := os.Stat(*att.LocalPath); err == nil {
			return nil
		}
	}
	if err := f.store.UpdateAttachmentDownload(ctx, att.ID, mail.DownloadInProgress, nil, ""); err != nil {
		return err
	}

	path, err := f.download(ctx, account, msg.RemoteID, att)
	if err != nil {
		if ctx.Err() != nil || mail.IsCanceled(err) {
			// Back to a retryable state; the caller owns the cancellation.
			_ = f.store.UpdateAttachmentDownload(context.WithoutCancel(ctx), att.ID, mail.DownloadNone, nil, "")
			return err
		}
		f.log.WithError(err).WithFields(logrus.Fields{"account": account.ID, "attachment": att.ID}).Warn("attachment download failed")
		if uerr := f.store.UpdateAttachmentDownload(ctx, att.ID, mail.DownloadFailed, nil, errorText(err)); uerr != nil {
			return uerr
		}
		return err
	}
	return f.store.UpdateAttachmentDownload(ctx, att.ID, mail.DownloadDone, &path, "")
}

func (f *BodyFetcher) download(ctx context.Context, account mail.Account, remoteMessageID string, att *mail.Attachment) (string, error) {
	if f.cfg.DataDir == "" {
		return "", fmt.Errorf("no data directory configured")
	}
	svc, err := f.backends.Connect(ctx, account)
	if err != nil {
		return "", err
	}
	data, err := svc.GetAttachment(ctx, remoteMessageID, att.RemoteID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(f.cfg.DataDir, "attachments", account.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	path := filepath.Join(dir, att.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

// Evict drops cached bodies of account older than the eviction age.
func (f *BodyFetcher) Evict(ctx context.Context, accountID string) error {
	n, err := f.store.EvictBodies(ctx, accountID, f.now().Add(-f.cfg.EvictionAge))
	if err != nil {
		return err
	}
	if n > 0 {
		f.log.WithFields(logrus.Fields{"account": accountID, "bodies": n}).Info("evicted cached bodies")
	}
	return nil
}
