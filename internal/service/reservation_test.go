package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"laundrybot/internal/codegen"
	"laundrybot/internal/database"
	"laundrybot/internal/events"
	"laundrybot/internal/models"
	"laundrybot/internal/scheduler"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestReserve_DurationBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, minutes := range []int{0, -5, 301} {
		_, err := env.svc.Reserve(ctx, "WM1", 1, "alice", minutes)
		assert.ErrorIs(t, err, models.ErrInvalidDuration, "minutes=%d", minutes)
	}

	m, err := env.svc.GetMachine(ctx, "WM1")
	require.NoError(t, err)
	assert.True(t, m.IsFree())
	assert.Equal(t, 0, env.sched.Pending())

	r, err := env.svc.Reserve(ctx, "WM1", 1, "alice", 1)
	require.NoError(t, err)
	assert.True(t, env.clock.Now().Add(time.Minute).Equal(r.EndsAt))

	r, err = env.svc.Reserve(ctx, "WM2", 1, "alice", 300)
	require.NoError(t, err)
	assert.True(t, env.clock.Now().Add(300*time.Minute).Equal(r.EndsAt))
	assert.Equal(t, 2, env.sched.Pending())
}

func TestReserve_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Reserve(ctx, "WM9", 1, "alice", 50)
	assert.ErrorIs(t, err, models.ErrMachineNotFound)

	r, err := env.svc.Reserve(ctx, "D2", 1, "", 45)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultDisplayName, r.HolderDisplayName)
	assert.True(t, codegen.Valid(r.Code))

	_, err = env.svc.Reserve(ctx, "D2", 2, "bob", 45)
	assert.ErrorIs(t, err, models.ErrAlreadyInUse)

	m, err := env.svc.GetMachine(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Reservation.HolderUserID)
}

func TestReserve_ConcurrentExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const racers = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  []*models.Reservation
		other []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			r, err := env.svc.Reserve(ctx, "WM3", userID, "racer", 50)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins = append(wins, r)
				return
			}
			other = append(other, err)
		}(int64(i + 1))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	for _, err := range other {
		assert.ErrorIs(t, err, models.ErrAlreadyInUse)
	}

	m, err := env.svc.GetMachine(ctx, "WM3")
	require.NoError(t, err)
	assert.Equal(t, wins[0].Code, m.Reservation.Code)
	assert.Equal(t, wins[0].HolderUserID, m.Reservation.HolderUserID)
	assert.Equal(t, 1, env.sched.Pending())
}

func TestReleaseByCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, env.svc.RegisterUser(ctx, id, "user"))
	}

	r, err := env.svc.Reserve(ctx, "WM2", 1, "alice", 50)
	require.NoError(t, err)

	t.Run("WrongCode", func(t *testing.T) {
		wrong := "ZZZZZZ"
		if r.Code == wrong {
			wrong = "YYYYYY"
		}
		_, err := env.svc.ReleaseByCode(ctx, wrong)
		assert.ErrorIs(t, err, models.ErrCodeNotFound)

		_, err = env.svc.ReleaseByCode(ctx, "   ")
		assert.ErrorIs(t, err, models.ErrCodeNotFound)

		m, err := env.svc.GetMachine(ctx, "WM2")
		require.NoError(t, err)
		assert.True(t, m.IsReserved())
		assert.Equal(t, r.Code, m.Reservation.Code)
		assert.Equal(t, 1, env.sched.Pending())
		assert.Zero(t, env.notifier.count())
	})

	t.Run("CorrectCodeCaseInsensitive", func(t *testing.T) {
		rel, err := env.svc.ReleaseByCode(ctx, " "+strings.ToLower(r.Code)+"\n")
		require.NoError(t, err)
		assert.Equal(t, "WM2", rel.MachineID)
		assert.Equal(t, 3, rel.Notified)
		assert.NotEmpty(t, rel.Message)

		m, err := env.svc.GetMachine(ctx, "WM2")
		require.NoError(t, err)
		assert.True(t, m.IsFree())
		assert.Nil(t, m.Reservation)
		assert.Equal(t, 0, env.sched.Pending())

		free := plainMessages{}.MachineFree("WM2")
		assert.Equal(t, 3, env.notifier.countText(free))
		for _, id := range []int64{1, 2, 3} {
			assert.Equal(t, []string{free}, env.notifier.textsFor(id))
		}
	})

	t.Run("SecondReleaseIsStale", func(t *testing.T) {
		_, err := env.svc.ReleaseByCode(ctx, r.Code)
		assert.ErrorIs(t, err, models.ErrCodeNotFound)
		assert.Equal(t, 3, env.notifier.count())
	})
}

func TestReleaseBeforeExpiry_NoNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.RegisterUser(ctx, 1, "alice"))

	r, err := env.svc.Reserve(ctx, "D1", 1, "alice", 1)
	require.NoError(t, err)
	_, err = env.svc.ReleaseByCode(ctx, r.Code)
	require.NoError(t, err)
	require.Equal(t, 1, env.notifier.count())

	env.clock.Add(2 * time.Minute)
	assert.Never(t, func() bool { return env.notifier.count() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRegisterUser_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RegisterUser(ctx, 42, "alice"))
	require.NoError(t, env.svc.RegisterUser(ctx, 42, "alice"))

	users, err := env.db.ListSubscribedUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestEndToEnd_ReserveStatusRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.RegisterUser(ctx, 1, "u1"))
	require.NoError(t, env.svc.RegisterUser(ctx, 2, "u2"))

	snapshot, err := env.svc.StatusSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 7)
	for _, st := range snapshot {
		assert.Equal(t, DisplayFree, st.State, st.ID)
	}

	r, err := env.svc.Reserve(ctx, "WM1", 1, "u1", 50)
	require.NoError(t, err)

	snapshot, err = env.svc.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "WM1", snapshot[0].ID)
	assert.Equal(t, DisplayReserved, snapshot[0].State)
	assert.Equal(t, 50, snapshot[0].MinutesRemaining)
	require.NotNil(t, snapshot[0].EndsAt)
	for _, st := range snapshot[1:] {
		assert.Equal(t, DisplayFree, st.State, st.ID)
	}

	env.clock.Add(90 * time.Second)
	snapshot, err = env.svc.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 48, snapshot[0].MinutesRemaining)

	_, err = env.svc.ReleaseByCode(ctx, r.Code)
	require.NoError(t, err)

	snapshot, err = env.svc.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, DisplayFree, snapshot[0].State)
	free := plainMessages{}.MachineFree("WM1")
	assert.Equal(t, 2, env.notifier.count())
	assert.Equal(t, []string{free}, env.notifier.textsFor(1))
	assert.Equal(t, []string{free}, env.notifier.textsFor(2))

	history, err := env.db.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, events.ReservationReleased, history[0].Event)
	assert.Equal(t, events.ReservationCreated, history[1].Event)
}

func TestEndToEnd_Expiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.RegisterUser(ctx, 1, "u1"))
	require.NoError(t, env.svc.RegisterUser(ctx, 2, "u2"))

	r, err := env.svc.Reserve(ctx, "D1", 1, "u1", 1)
	require.NoError(t, err)

	msgs := plainMessages{}
	finished := msgs.MachineFinished("D1", r.Code)
	finishing := msgs.MachineFinishing("D1")

	env.clock.Add(61 * time.Second)
	env.advanceUntil(t, func() bool { return env.notifier.count() == 3 })

	assert.Equal(t, 1, env.notifier.countText(finished))
	assert.Equal(t, 2, env.notifier.countText(finishing))
	assert.ElementsMatch(t, []string{finished, finishing}, env.notifier.textsFor(1))
	assert.Equal(t, []string{finishing}, env.notifier.textsFor(2))

	m, err := env.svc.GetMachine(ctx, "D1")
	require.NoError(t, err)
	assert.True(t, m.IsReserved(), "expiry never frees a machine")

	snapshot, err := env.svc.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "D1", snapshot[4].ID)
	assert.Equal(t, DisplayFinished, snapshot[4].State)
	assert.Equal(t, 0, snapshot[4].MinutesRemaining)

	env.clock.Add(time.Hour)
	assert.Never(t, func() bool { return env.notifier.count() > 3 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = env.svc.ReleaseByCode(ctx, r.Code)
	require.NoError(t, err)
}

func TestHandleExpiry_StaleReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.RegisterUser(ctx, 1, "u1"))

	r, err := env.svc.Reserve(ctx, "WM4", 1, "u1", 60)
	require.NoError(t, err)

	fire := func(machineID string, userID int64, code string) {
		env.svc.HandleExpiry(ctx, expiryKey(machineID, code), scheduler.Payload{MachineID: machineID, UserID: userID, Code: code})
	}
	fire("WM4", 2, r.Code)
	fire("WM4", 1, "OTHER0")
	fire("D3", 1, r.Code)
	fire("XX1", 1, r.Code)
	assert.Zero(t, env.notifier.count())

	fire("WM4", 1, r.Code)
	assert.Equal(t, 2, env.notifier.count())
}

// racingStore runs afterRelease right after a release commits and
// afterApply right after a reservation is stored, each at most once.
type racingStore struct {
	*database.DB
	afterRelease func(id string)
	afterApply   func(id string, r models.Reservation)
	released     atomic.Bool
	applied      atomic.Bool
}

func (s *racingStore) ReleaseMachine(ctx context.Context, id, code string) error {
	if err := s.DB.ReleaseMachine(ctx, id, code); err != nil {
		return err
	}
	if s.afterRelease != nil && s.released.CompareAndSwap(false, true) {
		s.afterRelease(id)
	}
	return nil
}

func (s *racingStore) ApplyReservation(ctx context.Context, id string, r models.Reservation) error {
	if err := s.DB.ApplyReservation(ctx, id, r); err != nil {
		return err
	}
	if s.afterApply != nil && s.applied.CompareAndSwap(false, true) {
		s.afterApply(id, r)
	}
	return nil
}

func TestReleaseByCode_ReReservedBeforeCancelKeepsNewTimer(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{}
	env := newTestEnvWithStore(t, func(db *database.DB) MachineStore {
		store.DB = db
		return store
	})
	require.NoError(t, env.svc.RegisterUser(ctx, 1, "alice"))
	require.NoError(t, env.svc.RegisterUser(ctx, 2, "bob"))

	alice, err := env.svc.Reserve(ctx, "D1", 1, "alice", 60)
	require.NoError(t, err)

	var bob *models.Reservation
	store.afterRelease = func(id string) {
		var err error
		bob, err = env.svc.Reserve(ctx, id, 2, "bob", 1)
		require.NoError(t, err)
	}

	_, err = env.svc.ReleaseByCode(ctx, alice.Code)
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, 1, env.sched.Pending())

	finished := plainMessages{}.MachineFinished("D1", bob.Code)
	env.clock.Add(61 * time.Second)
	env.advanceUntil(t, func() bool { return env.notifier.countText(finished) == 1 })
	assert.Contains(t, env.notifier.textsFor(2), finished)
}

func TestReserve_LateArmKeepsNewerTimer(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{}
	env := newTestEnvWithStore(t, func(db *database.DB) MachineStore {
		store.DB = db
		return store
	})
	require.NoError(t, env.svc.RegisterUser(ctx, 1, "alice"))
	require.NoError(t, env.svc.RegisterUser(ctx, 2, "bob"))

	// Alice's reservation is released and the machine taken by Bob before
	// Alice's timer is armed.
	var bob *models.Reservation
	store.afterApply = func(id string, r models.Reservation) {
		_, err := env.svc.ReleaseByCode(ctx, r.Code)
		require.NoError(t, err)
		bob, err = env.svc.Reserve(ctx, id, 2, "bob", 1)
		require.NoError(t, err)
	}

	alice, err := env.svc.Reserve(ctx, "WM1", 1, "alice", 60)
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, 2, env.sched.Pending())

	bobFinished := plainMessages{}.MachineFinished("WM1", bob.Code)
	env.clock.Add(61 * time.Second)
	env.advanceUntil(t, func() bool { return env.notifier.countText(bobFinished) == 1 })

	aliceFinished := plainMessages{}.MachineFinished("WM1", alice.Code)
	env.clock.Add(time.Hour)
	assert.Never(t, func() bool { return env.notifier.countText(aliceFinished) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, env.sched.Pending())
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	require.NoError(t, env.db.ApplyReservation(ctx, "WM1", models.Reservation{HolderUserID: 1, Code: "AAA111", EndsAt: now.Add(10 * time.Minute)}))
	require.NoError(t, env.db.ApplyReservation(ctx, "WM2", models.Reservation{HolderUserID: 2, Code: "BBB222", EndsAt: now.Add(-10 * time.Minute)}))

	armed, err := env.svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)
	assert.Equal(t, 1, env.sched.Pending())

	at, ok := env.sched.NextFireAt()
	require.True(t, ok)
	assert.True(t, at.Equal(now.Add(10*time.Minute)))

	// WM2 ended while the process was down: no notice for it.
	env.clock.Add(time.Minute)
	assert.Never(t, func() bool { return len(env.notifier.textsFor(2)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListMachines(ctx context.Context) ([]models.Machine, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Machine), args.Error(1)
}

func (m *mockStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Machine), args.Error(1)
}

func (m *mockStore) ApplyReservation(ctx context.Context, id string, r models.Reservation) error {
	return m.Called(ctx, id, r).Error(0)
}

func (m *mockStore) ReleaseMachine(ctx context.Context, id, code string) error {
	return m.Called(ctx, id, code).Error(0)
}

type mockTimers struct {
	mock.Mock
}

func (m *mockTimers) Arm(key string, fireAt time.Time, p scheduler.Payload) {
	m.Called(key, fireAt, p)
}

func (m *mockTimers) Cancel(key string) bool {
	return m.Called(key).Bool(0)
}

type mockEventBus struct {
	mock.Mock
}

func (m *mockEventBus) PublishJSON(et string, p interface{}) error { return m.Called(et, p).Error(0) }

func TestReservationService_StoreRaces(t *testing.T) {
	store := new(mockStore)
	timers := new(mockTimers)
	bus := new(mockEventBus)
	logger := zerolog.New(io.Discard)
	svc := NewReservationService(store, nil, timers, bus, nil, clock.NewMock(), &logger)
	ctx := context.Background()

	t.Run("ConflictBecomesAlreadyInUse", func(t *testing.T) {
		free := &models.Machine{ID: "WM1", Kind: models.KindWasher, State: models.StateFree}
		store.On("GetMachine", ctx, "WM1").Return(free, nil).Once()
		store.On("ListMachines", ctx).Return([]models.Machine{*free}, nil).Once()
		store.On("ApplyReservation", ctx, "WM1", mock.AnythingOfType("models.Reservation")).Return(models.ErrConflict).Once()

		_, err := svc.Reserve(ctx, "WM1", 1, "alice", 50)
		assert.ErrorIs(t, err, models.ErrAlreadyInUse)
		timers.AssertNotCalled(t, "Arm", mock.Anything, mock.Anything, mock.Anything)
		bus.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("StaleCodeBecomesCodeNotFound", func(t *testing.T) {
		reserved := models.Machine{
			ID:          "D1",
			Kind:        models.KindDryer,
			State:       models.StateReserved,
			Reservation: &models.Reservation{HolderUserID: 1, Code: "ABC123"},
		}
		store.On("ListMachines", ctx).Return([]models.Machine{reserved}, nil).Once()
		store.On("ReleaseMachine", ctx, "D1", "ABC123").Return(models.ErrNotReserved).Once()

		_, err := svc.ReleaseByCode(ctx, "abc123")
		assert.ErrorIs(t, err, models.ErrCodeNotFound)
		timers.AssertNotCalled(t, "Cancel", mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("StoreFailureIsWrapped", func(t *testing.T) {
		boom := errors.New("disk full")
		free := &models.Machine{ID: "WM2", Kind: models.KindWasher, State: models.StateFree}
		store.On("GetMachine", ctx, "WM2").Return(free, nil).Once()
		store.On("ListMachines", ctx).Return([]models.Machine{*free}, nil).Once()
		store.On("ApplyReservation", ctx, "WM2", mock.AnythingOfType("models.Reservation")).Return(boom).Once()

		_, err := svc.Reserve(ctx, "WM2", 1, "alice", 50)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("SuccessArmsTimerAndPublishes", func(t *testing.T) {
		free := &models.Machine{ID: "WM3", Kind: models.KindWasher, State: models.StateFree}
		store.On("GetMachine", ctx, "WM3").Return(free, nil).Once()
		store.On("ListMachines", ctx).Return([]models.Machine{*free}, nil).Once()
		store.On("ApplyReservation", ctx, "WM3", mock.AnythingOfType("models.Reservation")).Return(nil).Once()
		timers.On("Arm",
			mock.MatchedBy(func(key string) bool { return strings.HasPrefix(key, "WM3/") }),
			mock.AnythingOfType("time.Time"),
			mock.MatchedBy(func(p scheduler.Payload) bool { return p.MachineID == "WM3" && p.UserID == 7 }),
		).Return().Once()
		bus.On("PublishJSON", events.ReservationCreated, mock.Anything).Return(nil).Once()

		r, err := svc.Reserve(ctx, "WM3", 7, "bob", 60)
		require.NoError(t, err)
		assert.Equal(t, int64(7), r.HolderUserID)
		timers.AssertExpectations(t)
		bus.AssertExpectations(t)
	})
}
