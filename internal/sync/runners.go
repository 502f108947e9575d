package sync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// runner is the cancellable handle of one running fetch.
type runner struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// runners tracks at most one running fetch per key. Starting a fetch for a
// key cancels the one already running under it; a finishing fetch removes
// its entry only while it still owns the key.
type runners struct {
	runnersMutex sync.Mutex
	runners      map[string]*runner
	seq          uint64
	log          logrus.FieldLogger
}

func newRunners(log logrus.FieldLogger) *runners {
	return &runners{runners: make(map[string]*runner), log: log}
}

func (r *runners) start(ctx context.Context, key string, fn func(context.Context) error) *runner {
	runCtx, cancel := context.WithCancel(ctx)

	r.runnersMutex.Lock()
	if prev, ok := r.runners[key]; ok {
		prev.cancel()
	}
	r.seq++
	h := &runner{id: r.seq, cancel: cancel, done: make(chan struct{})}
	r.runners[key] = h
	r.runnersMutex.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()

		r.log.WithField("key", key).Debug("fetch start")
		h.err = fn(runCtx)

		r.runnersMutex.Lock()
		if cur, ok := r.runners[key]; ok && cur.id == h.id {
			delete(r.runners, key)
		}
		r.runnersMutex.Unlock()
		r.log.WithField("key", key).Debug("fetch stop")
	}()
	return h
}

// wait blocks until the fetch behind h has finished and returns its error.
func (h *runner) wait() error {
	<-h.done
	return h.err
}

func (r *runners) cancel(key string) bool {
	r.runnersMutex.Lock()
	defer r.runnersMutex.Unlock()

	h, ok := r.runners[key]
	if !ok {
		return false
	}
	h.cancel()
	delete(r.runners, key)
	return true
}

func (r *runners) cancelAll() {
	r.runnersMutex.Lock()
	defer r.runnersMutex.Unlock()

	for key, h := range r.runners {
		r.log.WithField("key", key).Debug("stopping fetch")
		h.cancel()
	}
	r.runners = make(map[string]*runner)
}

func (r *runners) get(key string) (*runner, bool) {
	r.runnersMutex.Lock()
	defer r.runnersMutex.Unlock()
	h, ok := r.runners[key]
	return h, ok
}

func (r *runners) keys() []string {
	r.runnersMutex.Lock()
	defer r.runnersMutex.Unlock()

	keys := make([]string, 0, len(r.runners))
	for key := range r.runners {
		keys = append(keys, key)
	}
	return keys
}
