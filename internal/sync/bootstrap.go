package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

// bootstrapFolders are the folders whose first page a new account loads.
var bootstrapFolders = []mail.FolderType{mail.FolderInbox, mail.FolderSentItems, mail.FolderDrafts}

// Bootstrapper performs the first full sync of an account.
type Bootstrapper struct {
	folders  *FolderManager
	messages *MessageManager
	store    Store
	log      logrus.FieldLogger
}

func NewBootstrapper(folders *FolderManager, messages *MessageManager, st Store, log logrus.FieldLogger) *Bootstrapper {
	return &Bootstrapper{folders: folders, messages: messages, store: st, log: log.WithField("component", "bootstrap")}
}

// Bootstrap fetches the folder list, then the first pages of the main
// folders, then sets up the inbox delta checkpoint.
func (b *Bootstrapper) Bootstrap(ctx context.Context, account mail.Account) error {
	log := b.log.WithField("account", account.ID)

	if err := b.folders.FetchFolders(ctx, account); err != nil {
		if errors.Is(err, ErrNotObserved) {
			log.Info("account no longer observed, bootstrap skipped")
			return nil
		}
		return fmt.Errorf("fetch folders: %w", err)
	}

	var inbox string
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range bootstrapFolders {
		f, err := b.store.FolderByType(ctx, account.ID, t)
		if errors.Is(err, store.ErrNotFound) {
			log.WithField("type", t).Debug("no folder of type")
			continue
		}
		if err != nil {
			return err
		}
		if t == mail.FolderInbox {
			inbox = f.ID
		}
		g.Go(func() error {
			return b.messages.RefreshFolder(gctx, account, f.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("first pages: %w", err)
	}

	if inbox != "" {
		if err := b.messages.CheckForNewMail(ctx, account, inbox); err != nil {
			return fmt.Errorf("inbox checkpoint: %w", err)
		}
	}
	log.Info("account bootstrapped")
	return nil
}
