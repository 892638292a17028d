// Package schedule provides cancellable one-shot timers keyed by
// string.
//
// The engine uses one Scheduler for entitlement expiry (keyed by
// device ID): activating a subscription schedules its expiry, and
// re-activating or deactivating first cancels any pending timer for
// the same device, so at most one expiry is ever in flight per key.
package schedule

import (
	"sync"
	"time"
)

// Scheduler runs at most one pending callback per key. Scheduling a
// key that already has a pending callback replaces it; the superseded
// callback never fires.
//
// Callbacks run on their timer's goroutine. The zero value is not
// usable; construct with New.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*timer
	stopped bool
	wg      sync.WaitGroup
}

type timer struct {
	cancel chan struct{} // closed to abort before firing
	done   chan struct{} // closed once the goroutine exits
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		pending: make(map[string]*timer),
	}
}

// Schedule arranges for fn to run after d, replacing any pending
// callback for the same key. A non-positive duration fires (almost)
// immediately, still asynchronously. Calls after Stop are ignored.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.pending[key]; ok {
		close(prev.cancel)
	}
	t := &timer{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.pending[key] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(t.done)

		clock := time.NewTimer(d)
		defer clock.Stop()

		select {
		case <-t.cancel:
			return
		case <-clock.C:
		}

		// Drop the map entry before running fn so that fn may itself
		// call Schedule or Cancel for the same key.
		s.mu.Lock()
		if s.pending[key] == t {
			delete(s.pending, key)
		}
		stopped := s.stopped
		s.mu.Unlock()

		if !stopped {
			fn()
		}
	}()
}

// Cancel aborts the pending callback for key, if any. It reports
// whether a callback was pending. A callback that has already started
// running is not interrupted.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[key]
	if !ok {
		return false
	}
	close(t.cancel)
	delete(s.pending, key)
	return true
}

// Pending reports whether a callback is scheduled for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop cancels every pending callback and waits for timer goroutines
// to exit. The Scheduler accepts no further work afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, t := range s.pending {
		close(t.cancel)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
