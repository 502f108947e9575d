package store

import (
	"context"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// watch re-runs query after every committed write and delivers the result.
// The first result is delivered immediately. Query errors are logged and the
// previous result stays current.
func watch[T any](ctx context.Context, s *Store, name string, query func(context.Context) (T, error)) <-chan T {
	out := make(chan T)
	changes := s.changes.Subscribe(ctx)
	go func() {
		defer close(out)
		for range changes {
			v, err := query(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).WithField("query", name).Warn("observable query failed")
				}
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WatchFolders streams the folder list of an account.
func (s *Store) WatchFolders(ctx context.Context, accountID string) <-chan []mail.Folder {
	return watch(ctx, s, "folders", func(ctx context.Context) ([]mail.Folder, error) {
		return s.ListFolders(ctx, accountID)
	})
}

// WatchMessages streams up to limit messages of a folder, newest first.
func (s *Store) WatchMessages(ctx context.Context, accountID, folderID string, limit int) <-chan []mail.Message {
	return watch(ctx, s, "messages", func(ctx context.Context) ([]mail.Message, error) {
		return s.ListMessages(ctx, accountID, folderID, limit)
	})
}

// WatchAccounts streams the account list.
func (s *Store) WatchAccounts(ctx context.Context) <-chan []mail.Account {
	return watch(ctx, s, "accounts", s.ListAccounts)
}
