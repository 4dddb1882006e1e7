package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"laundrybot/internal/database"
	"laundrybot/internal/events"
	"laundrybot/internal/scheduler"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	userID int64
	text   string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[int64]bool
}

func (f *fakeNotifier) NotifyUser(_ context.Context, userID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[userID] {
		return errors.New("blocked by user")
	}
	f.sent = append(f.sent, sentMessage{userID: userID, text: text})
	return nil
}

func (f *fakeNotifier) all() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeNotifier) count() int {
	return len(f.all())
}

func (f *fakeNotifier) textsFor(userID int64) []string {
	var out []string
	for _, m := range f.all() {
		if m.userID == userID {
			out = append(out, m.text)
		}
	}
	return out
}

// countText returns how many deliveries carried exactly text.
func (f *fakeNotifier) countText(text string) int {
	n := 0
	for _, m := range f.all() {
		if m.text == text {
			n++
		}
	}
	return n
}

type testEnv struct {
	db       *database.DB
	svc      *ReservationService
	sched    *scheduler.Scheduler
	clock    *clock.Mock
	notifier *fakeNotifier
}

// newTestEnv wires the service to a seeded SQLite pool of 4 washers and
// 3 dryers, a running scheduler on virtual time and a recording notifier.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, func(db *database.DB) MachineStore { return db })
}

// newTestEnvWithStore is newTestEnv with the service reading machines
// through wrap(db).
func newTestEnvWithStore(t *testing.T, wrap func(db *database.DB) MachineStore) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "laundry.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.SeedMachines(ctx, 4, 3)
	require.NoError(t, err)

	bus := events.NewEventBus()
	bus.Subscribe(db.RecordEvent, events.ReservationCreated, events.ReservationReleased, events.ReservationExpired)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))

	sched := scheduler.New(mock, &logger)
	notifier := &fakeNotifier{failFor: map[int64]bool{}}
	dispatcher := NewDispatcher(db, DispatcherConfig{RatePerSecond: 1000, Burst: 100, MaxConcurrent: 4}, &logger)
	dispatcher.SetNotifier(notifier)

	svc := NewReservationService(wrap(db), db, sched, bus, dispatcher, mock, &logger)
	sched.Start(ctx, svc.HandleExpiry)
	t.Cleanup(sched.Stop)

	return &testEnv{db: db, svc: svc, sched: sched, clock: mock, notifier: notifier}
}

// advanceUntil moves virtual time forward in small steps until cond holds.
func (e *testEnv) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, func() bool {
		if cond() {
			return true
		}
		e.clock.Add(time.Second)
		return cond()
	}, 3*time.Second, 5*time.Millisecond)
}
