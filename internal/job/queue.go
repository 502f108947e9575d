package job

import (
	"sync"
)

type entry struct {
	job Job
	seq uint64
}

// Queue is a coalescing priority queue. Higher priority pops first, equal
// priority pops in enqueue order. Enqueueing a job whose Key matches a
// pending job replaces that job in place, keeping its queue position.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	byKey   map[string]*entry
	seq     uint64
}

func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]*entry)}
}

// Push adds j and reports whether it coalesced into a pending job.
func (q *Queue) Push(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := j.Key()
	if key != "" {
		if e, ok := q.byKey[key]; ok {
			e.job = j
			return true
		}
	}
	q.seq++
	e := &entry{job: j, seq: q.seq}
	q.entries = append(q.entries, e)
	if key != "" {
		q.byKey[key] = e
	}
	return false
}

// Pop removes and returns the best job allowed to run. When online is false
// only jobs that do not require the network are eligible; the rest stay
// queued.
func (q *Queue) Pop(online bool) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.entries {
		if !online && e.job.RequiresNetwork() {
			continue
		}
		if best < 0 || before(e, q.entries[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	e := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	if key := e.job.Key(); key != "" && q.byKey[key] == e {
		delete(q.byKey, key)
	}
	return e.job, true
}

func before(a, b *entry) bool {
	if pa, pb := a.job.Priority(), b.job.Priority(); pa != pb {
		return pa > pb
	}
	return a.seq < b.seq
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// RemoveAccount drops every pending job of account and returns how many were
// removed.
func (q *Queue) RemoveAccount(account string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.job.Account() == account {
			if key := e.job.Key(); key != "" && q.byKey[key] == e {
				delete(q.byKey, key)
			}
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return removed
}
