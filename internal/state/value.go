// Package state provides a latest-value container with subscriptions.
//
// A subscriber receives the current value immediately and then every later
// value in publication order. Slow subscribers only ever miss stale values:
// each subscriber channel holds at most one pending value, and publishing
// replaces it with the newer one.
package state

import (
	"context"
	"sync"
)

// Value holds the latest published T.
type Value[T any] struct {
	mu   sync.Mutex
	cur  T
	subs map[chan T]struct{}
}

// NewValue returns a Value initialised to v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{cur: v, subs: make(map[chan T]struct{})}
}

// Get returns the current value.
func (s *Value[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set publishes v.
func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(v)
}

// Update publishes fn(current). fn runs under the value's lock and must
// return a fresh value rather than mutate the current one in place. When fn
// reports false nothing is published.
func (s *Value[T]) Update(fn func(T) (T, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := fn(s.cur)
	if !ok {
		return false
	}
	s.publishLocked(next)
	return true
}

func (s *Value[T]) publishLocked(v T) {
	s.cur = v
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Subscribe returns a channel that first yields the current value and then
// every subsequent one. The channel is closed when ctx is done.
func (s *Value[T]) Subscribe(ctx context.Context) <-chan T {
	in := make(chan T, 1)
	s.mu.Lock()
	in <- s.cur
	s.subs[in] = struct{}{}
	s.mu.Unlock()

	out := make(chan T)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, in)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-in:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
