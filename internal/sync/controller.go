package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/job"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/state"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Status is the observable state of the controller.
type Status struct {
	Syncing          bool   `json:"is_syncing"`
	CurrentJob       string `json:"current_job,omitempty"`
	NetworkAvailable bool   `json:"network_available"`
	LastError        string `json:"last_error,omitempty"`
	QueueLength      int    `json:"queue_length"`
}

// Dispatcher executes one job.
type Dispatcher interface {
	Dispatch(ctx context.Context, j job.Job) error
}

// EventRecorder stores job events for publication.
type EventRecorder interface {
	AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
}

// JobEvent is the payload of a sync.job event.
type JobEvent struct {
	EventID    string   `json:"event_id"`
	Kind       job.Kind `json:"kind"`
	AccountID  string   `json:"account_id"`
	Job        string   `json:"job"`
	OK         bool     `json:"ok"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	FinishedAt int64    `json:"finished_at"`
	// Payload is the job in its job.Marshal envelope, so a consumer can
	// rebuild and resubmit it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Controller drains the job queue with a single consumer. While the network
// is unavailable only jobs that need no network run; the rest wait.
type Controller struct {
	queue  *job.Queue
	wake   chan struct{}
	events EventRecorder
	log    logrus.FieldLogger

	mu     sync.Mutex
	online bool
	status *state.Value[Status]
}

// NewController returns a controller that assumes the network is available.
// events may be nil.
func NewController(events EventRecorder, log logrus.FieldLogger) *Controller {
	return &Controller{
		queue:  job.NewQueue(),
		wake:   make(chan struct{}, 1),
		events: events,
		log:    log.WithField("component", "controller"),
		online: true,
		status: state.NewValue(Status{NetworkAvailable: true}),
	}
}

// Enqueue schedules j. A pending job with the same key is replaced.
func (c *Controller) Enqueue(j job.Job) {
	coalesced := c.queue.Push(j)
	c.log.WithFields(logrus.Fields{"job": j.String(), "priority": j.Priority(), "coalesced": coalesced}).Debug("job enqueued")
	c.updateStatus(func(s Status) Status {
		s.QueueLength = c.queue.Len()
		return s
	})
	c.signal()
}

// RemoveAccount drops every pending job of accountID.
func (c *Controller) RemoveAccount(accountID string) {
	n := c.queue.RemoveAccount(accountID)
	if n == 0 {
		return
	}
	c.log.WithFields(logrus.Fields{"account": accountID, "dropped": n}).Info("pending jobs dropped")
	c.updateStatus(func(s Status) Status {
		s.QueueLength = c.queue.Len()
		return s
	})
}

// SetNetworkAvailable gates network-bound jobs.
func (c *Controller) SetNetworkAvailable(available bool) {
	c.mu.Lock()
	changed := c.online != available
	c.online = available
	c.mu.Unlock()
	if !changed {
		return
	}
	c.log.WithField("available", available).Info("network availability changed")
	c.updateStatus(func(s Status) Status {
		s.NetworkAvailable = available
		return s
	})
	c.signal()
}

func (c *Controller) Status() Status {
	return c.status.Get()
}

func (c *Controller) WatchStatus(ctx context.Context) <-chan Status {
	return c.status.Subscribe(ctx)
}

// Pending reports how many jobs wait in the queue.
func (c *Controller) Pending() int {
	return c.queue.Len()
}

// Run dispatches jobs to d until ctx is done. A failed job is not retried.
func (c *Controller) Run(ctx context.Context, d Dispatcher) error {
	c.log.Info("controller started")
	defer c.log.Info("controller stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		j, ok := c.queue.Pop(c.isOnline())
		if !ok {
			c.updateStatus(func(s Status) Status {
				s.Syncing = false
				s.CurrentJob = ""
				s.QueueLength = c.queue.Len()
				return s
			})
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			}
			continue
		}

		c.updateStatus(func(s Status) Status {
			s.Syncing = true
			s.CurrentJob = j.String()
			s.QueueLength = c.queue.Len()
			return s
		})
		log := c.log.WithFields(logrus.Fields{"job": j.String(), "account": j.Account()})
		log.Debug("job start")

		started := time.Now()
		err := d.Dispatch(ctx, j)
		if ctx.Err() != nil {
			return nil
		}
		failed := err != nil && !mail.IsCanceled(err)
		if failed {
			log.WithError(err).Warn("job failed")
		} else {
			log.WithField("took", time.Since(started).String()).Debug("job done")
		}

		c.updateStatus(func(s Status) Status {
			s.Syncing = false
			s.CurrentJob = ""
			s.QueueLength = c.queue.Len()
			if failed {
				s.LastError = errorText(err)
			}
			return s
		})
		c.record(ctx, j, err, time.Since(started))
	}
}

func (c *Controller) record(ctx context.Context, j job.Job, err error, took time.Duration) {
	if c.events == nil {
		return
	}
	ev := JobEvent{
		EventID:    uuid.NewString(),
		Kind:       j.Kind(),
		AccountID:  j.Account(),
		Job:        j.String(),
		OK:         err == nil,
		DurationMs: took.Milliseconds(),
		FinishedAt: time.Now().UnixMilli(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if enc, jerr := job.Marshal(j); jerr == nil {
		ev.Payload = enc
	} else {
		c.log.WithError(jerr).WithField("job", j.String()).Warn("failed to encode job")
	}
	payload, merr := json.Marshal(ev)
	if merr != nil {
		c.log.WithError(merr).Warn("failed to encode job event")
		return
	}
	msgID := fmt.Sprintf("%s|%s", store.EventSyncJob, ev.EventID)
	if aerr := c.events.AppendOutbox(ctx, store.Subject(j.Account(), store.EventSyncJob), store.EventSyncJob, payload, msgID); aerr != nil {
		c.log.WithError(aerr).Warn("failed to record job event")
	}
}

func (c *Controller) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) updateStatus(fn func(Status) Status) {
	c.status.Update(func(s Status) (Status, bool) {
		return fn(s), true
	})
}
