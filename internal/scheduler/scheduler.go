// Package scheduler fires deferred callbacks when reservations expire.
//
// All pending entries live in one min-heap served by a single loop goroutine
// that sleeps until the earliest fire time. Entries are keyed; arming a key
// that is already pending replaces the old entry.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"laundrybot/internal/metrics"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Payload identifies the reservation a timer was armed for.
type Payload struct {
	MachineID string
	UserID    int64
	Code      string
}

// Handler is called once for every entry whose fire time has passed.
type Handler func(ctx context.Context, key string, p Payload)

// Scheduler is a keyed one-shot timer queue.
type Scheduler struct {
	clock  clock.Clock
	logger *zerolog.Logger

	mu      sync.Mutex
	entries entryHeap
	byKey   map[string]*entry
	seq     uint64
	running bool

	wake     chan struct{}
	stopCh   chan struct{}
	loop     sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a scheduler. The clock is injectable so tests can drive time.
func New(clk clock.Clock, logger *zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		clock:  clk,
		logger: &l,
		byKey:  make(map[string]*entry),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine. It returns immediately.
func (s *Scheduler) Start(ctx context.Context, handler Handler) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.loop.Add(1)
	go s.run(ctx, handler, stopCh)
	s.logger.Info().Msg("expiry scheduler started")
}

// Stop terminates the loop and waits for running handlers to return.
// Pending entries are kept and fire once Start is called again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loop.Wait()
	s.inflight.Wait()
	s.logger.Info().Msg("expiry scheduler stopped")
}

// Arm schedules key to fire at fireAt, replacing any pending entry for key.
func (s *Scheduler) Arm(key string, fireAt time.Time, p Payload) {
	s.mu.Lock()
	s.seq++
	if e, ok := s.byKey[key]; ok {
		e.fireAt = fireAt
		e.payload = p
		e.seq = s.seq
		heap.Fix(&s.entries, e.index)
	} else {
		e := &entry{key: key, fireAt: fireAt, payload: p, seq: s.seq}
		heap.Push(&s.entries, e)
		s.byKey[key] = e
	}
	n := len(s.entries)
	s.mu.Unlock()

	metrics.SetPendingTimers(n)
	s.logger.Debug().Str("key", key).Time("fire_at", fireAt).Msg("timer armed")
	s.notify()
}

// Cancel removes the pending entry for key. It reports whether one existed.
// An entry already handed to its handler cannot be cancelled.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	e, ok := s.byKey[key]
	if ok {
		heap.Remove(&s.entries, e.index)
		delete(s.byKey, key)
	}
	n := len(s.entries)
	s.mu.Unlock()

	if ok {
		metrics.SetPendingTimers(n)
		s.logger.Debug().Str("key", key).Msg("timer cancelled")
		s.notify()
	}
	return ok
}

// Pending returns the number of armed entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextFireAt returns the earliest pending fire time.
func (s *Scheduler) NextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].fireAt, true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, handler Handler, stopCh <-chan struct{}) {
	defer s.loop.Done()

	for {
		for _, e := range s.popDue() {
			s.dispatch(ctx, handler, e)
		}

		var (
			timer  *clock.Timer
			timerC <-chan time.Time
		)
		if fireAt, ok := s.NextFireAt(); ok {
			timer = s.clock.Timer(fireAt.Sub(s.clock.Now()))
			// The clock may have moved between computing the delay and
			// registering the timer.
			if !s.clock.Now().Before(fireAt) {
				timer.Stop()
				continue
			}
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-stopCh:
			stopTimer(timer)
			return
		case <-s.wake:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

// popDue removes and returns every entry whose fire time has passed.
func (s *Scheduler) popDue() []*entry {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*entry
	for len(s.entries) > 0 && !s.entries[0].fireAt.After(now) {
		e := heap.Pop(&s.entries).(*entry)
		delete(s.byKey, e.key)
		due = append(due, e)
	}
	n := len(s.entries)
	s.mu.Unlock()

	if len(due) > 0 {
		metrics.SetPendingTimers(n)
	}
	return due
}

func (s *Scheduler) dispatch(ctx context.Context, handler Handler, e *entry) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("key", e.key).
					Str("panic", fmt.Sprint(r)).
					Msg("expiry handler panicked")
			}
		}()
		s.logger.Debug().Str("key", e.key).Msg("timer fired")
		handler(ctx, e.key, e.payload)
	}()
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
