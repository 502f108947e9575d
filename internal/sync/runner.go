package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/job"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Publisher delivers an outbox row. msgID deduplicates redeliveries.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Outbox is the storage side of event publication.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// OutboxDispatcher moves stored events to the publisher.
type OutboxDispatcher struct {
	Outbox    Outbox
	Publisher Publisher
	Log       logrus.FieldLogger

	BatchSize    int
	Idle         time.Duration
	RetryBackoff time.Duration
}

// Run publishes outbox rows until ctx is done. Rows that fail to publish
// are retried after RetryBackoff.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	batch, idle, backoff := d.BatchSize, d.Idle, d.RetryBackoff
	if batch <= 0 {
		batch = 100
	}
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.DispatchOnce(ctx, batch, backoff)
		if err != nil {
			d.Log.WithError(err).Warn("error dequeuing outbox")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if n == 0 && !sleep(ctx, idle) {
			return
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it took.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context, limit int, backoff time.Duration) (int, error) {
	messages, err := d.Outbox.DequeueOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.Log.WithError(err).WithField("outbox_id", msg.ID).Warn("error publishing event")
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.Log.WithError(err).WithField("outbox_id", msg.ID).Warn("error scheduling retry")
			}
			continue
		}
		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.Log.WithError(err).WithField("outbox_id", msg.ID).Warn("error marking event published")
		}
	}
	return len(messages), nil
}

// Scheduler enqueues the periodic background jobs of observed accounts.
type Scheduler struct {
	Jobs     Enqueuer
	Folders  *FolderManager
	Store    Store
	Interval time.Duration
	Log      logrus.FieldLogger
}

// Run ticks every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues a new mail check of the inbox, an upload of pending
// actions and a cache eviction for every observed account.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, a := range s.Folders.Observed() {
		if a.IsLocalOnly {
			s.Jobs.Enqueue(job.NewCacheEviction(a.ID))
			continue
		}
		inbox, err := s.Store.FolderByType(ctx, a.ID, mail.FolderInbox)
		if err != nil {
			s.Log.WithError(err).WithField("account", a.ID).Debug("no inbox to check")
		} else {
			s.Jobs.Enqueue(job.NewCheckForNewMail(a.ID, inbox.ID))
		}
		s.Jobs.Enqueue(job.NewUploadPendingAction(a.ID, ""))
		s.Jobs.Enqueue(job.NewCacheEviction(a.ID))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
