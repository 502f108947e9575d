package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/job"
)

// Router dispatches each job to the component that owns it.
type Router struct {
	Store     Store
	Folders   *FolderManager
	Messages  *MessageManager
	Bodies    *BodyFetcher
	Uploader  *Uploader
	Search    *SearchManager
	Bootstrap *Bootstrapper
	Log       logrus.FieldLogger
}

func (r *Router) Dispatch(ctx context.Context, j job.Job) error {
	account, err := r.Store.GetAccount(ctx, j.Account())
	if err != nil {
		return fmt.Errorf("%s: %w", j, err)
	}
	if account.IsLocalOnly && j.RequiresNetwork() {
		r.Log.WithField("job", j.String()).Debug("skipping network job of local account")
		return nil
	}

	switch j := j.(type) {
	case *job.FullAccountBootstrap:
		return r.Bootstrap.Bootstrap(ctx, *account)
	case *job.FullMessageBodyFetch:
		return r.Bodies.FetchBody(ctx, *account, j.MessageID)
	case *job.AttachmentDownload:
		return r.Bodies.DownloadAttachment(ctx, *account, j.MessageID, j.AttachmentID)
	case *job.NextMessageListPage:
		return r.Messages.NextPageAfter(ctx, *account, j.FolderID, j.PageToken)
	case *job.ForceRefreshFolder:
		return r.Messages.RefreshFolder(ctx, *account, j.FolderID)
	case *job.OnlineSearch:
		return r.Search.Search(ctx, *account, j.Query)
	case *job.UploadPendingAction:
		return r.Uploader.Upload(ctx, *account, j.ActionID)
	case *job.CheckForNewMail:
		return r.Messages.CheckForNewMail(ctx, *account, j.FolderID)
	case *job.FolderListResync:
		if err := r.Folders.FetchFolders(ctx, *account); !errors.Is(err, ErrNotObserved) {
			return err
		}
		r.Log.WithField("account", account.ID).Debug("dropping folder resync of unobserved account")
		return nil
	case *job.CacheEviction:
		return r.Bodies.Evict(ctx, account.ID)
	}
	return fmt.Errorf("no handler for job kind %s", j.Kind())
}
