package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"laundrybot/internal/codegen"
	"laundrybot/internal/config"
	"laundrybot/internal/events"
	"laundrybot/internal/metrics"
	"laundrybot/internal/models"
	"laundrybot/internal/scheduler"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const maxCodeAttempts = 10

// MachineStore is the persistent pool of machines.
type MachineStore interface {
	ListMachines(ctx context.Context) ([]models.Machine, error)
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	ApplyReservation(ctx context.Context, id string, r models.Reservation) error
	ReleaseMachine(ctx context.Context, id, expectedCode string) error
}

// ExpiryScheduler arms and cancels the per-machine expiry timers.
type ExpiryScheduler interface {
	Arm(key string, fireAt time.Time, p scheduler.Payload)
	Cancel(key string) bool
}

// EventPublisher receives reservation events.
type EventPublisher interface {
	PublishJSON(evType string, payload interface{}) error
}

// DisplayState is how a machine is presented to users.
type DisplayState string

const (
	DisplayFree     DisplayState = "free"
	DisplayReserved DisplayState = "reserved"
	DisplayFinished DisplayState = "finished"
)

// MachineStatus is one row of the status snapshot.
type MachineStatus struct {
	ID               string             `json:"id"`
	Kind             models.MachineKind `json:"kind"`
	State            DisplayState       `json:"state"`
	MinutesRemaining int                `json:"minutes_remaining"`
	EndsAt           *time.Time         `json:"ends_at,omitempty"`
}

// Release describes a successful release by code.
type Release struct {
	MachineID string
	Message   string
	Notified  int
}

// ReservationService implements reserve, release and expiry handling on top
// of the machine store.
type ReservationService struct {
	store    MachineStore
	users    UserDirectory
	timers   ExpiryScheduler
	events   EventPublisher
	dispatch *Dispatcher
	clock    clock.Clock
	logger   *zerolog.Logger

	mu       sync.RWMutex
	messages Messages
}

func NewReservationService(
	store MachineStore,
	users UserDirectory,
	timers ExpiryScheduler,
	eventBus EventPublisher,
	dispatch *Dispatcher,
	clk clock.Clock,
	logger *zerolog.Logger,
) *ReservationService {
	if clk == nil {
		clk = clock.New()
	}
	l := logger.With().Str("component", "reservations").Logger()
	return &ReservationService{
		store:    store,
		users:    users,
		timers:   timers,
		events:   eventBus,
		dispatch: dispatch,
		clock:    clk,
		logger:   &l,
		messages: plainMessages{},
	}
}

// SetMessages replaces the notification texts.
func (s *ReservationService) SetMessages(m Messages) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = m
}

func (s *ReservationService) texts() Messages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages
}

// ValidateDuration checks a reservation length in minutes.
func ValidateDuration(minutes int) error {
	if minutes < config.MinDurationMinutes || minutes > config.MaxDurationMinutes {
		return fmt.Errorf("%w: must be between %d and %d minutes",
			models.ErrInvalidDuration, config.MinDurationMinutes, config.MaxDurationMinutes)
	}
	return nil
}

// Reserve takes a free machine for userID for the given number of minutes and
// returns the new reservation with its release code.
func (s *ReservationService) Reserve(ctx context.Context, machineID string, userID int64, displayName string, minutes int) (*models.Reservation, error) {
	if err := ValidateDuration(minutes); err != nil {
		metrics.IncReservationRejected("invalid_duration")
		return nil, err
	}

	m, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, models.ErrMachineNotFound) {
			metrics.IncReservationRejected("not_found")
		}
		return nil, err
	}
	if !m.IsFree() {
		metrics.IncReservationRejected("in_use")
		return nil, models.ErrAlreadyInUse
	}

	code, err := s.newCode(ctx)
	if err != nil {
		return nil, err
	}

	if displayName == "" {
		displayName = models.DefaultDisplayName
	}
	r := models.Reservation{
		HolderUserID:      userID,
		HolderDisplayName: displayName,
		Code:              code,
		EndsAt:            s.clock.Now().Add(time.Duration(minutes) * time.Minute),
	}

	if err := s.store.ApplyReservation(ctx, machineID, r); err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			metrics.IncReservationRejected("in_use")
			return nil, models.ErrAlreadyInUse
		case errors.Is(err, models.ErrMachineNotFound):
			metrics.IncReservationRejected("not_found")
			return nil, err
		default:
			return nil, fmt.Errorf("apply reservation: %w", err)
		}
	}

	s.timers.Arm(expiryKey(machineID, code), r.EndsAt, scheduler.Payload{
		MachineID: machineID,
		UserID:    userID,
		Code:      code,
	})
	metrics.IncReservationCreated(string(m.Kind))

	s.publish(events.ReservationCreated, events.MachineEvent{
		MachineID: machineID,
		Kind:      string(m.Kind),
		UserID:    userID,
		Minutes:   minutes,
		EndsAt:    r.EndsAt,
	})

	s.logger.Info().
		Str("machine_id", machineID).
		Int64("user_id", userID).
		Int("minutes", minutes).
		Time("ends_at", r.EndsAt).
		Msg("machine reserved")

	return &r, nil
}

// newCode returns a code not used by any currently reserved machine.
func (s *ReservationService) newCode(ctx context.Context) (string, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return "", err
	}
	active := make(map[string]struct{}, len(machines))
	for i := range machines {
		if machines[i].IsReserved() {
			active[machines[i].Reservation.Code] = struct{}{}
		}
	}

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := codegen.Generate()
		if err != nil {
			return "", err
		}
		if _, taken := active[code]; !taken {
			return code, nil
		}
		s.logger.Warn().Msg("generated code collides with an active reservation, retrying")
	}
	return "", errors.New("could not generate a unique code")
}

// ReleaseByCode frees the machine whose active reservation carries code and
// broadcasts that it is free. Unknown, stale and mismatched codes all yield
// ErrCodeNotFound.
func (s *ReservationService) ReleaseByCode(ctx context.Context, code string) (*Release, error) {
	code = codegen.Normalize(code)
	if code == "" {
		metrics.IncRelease("not_found")
		return nil, models.ErrCodeNotFound
	}

	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	var target *models.Machine
	for i := range machines {
		if machines[i].IsReserved() && machines[i].Reservation.Code == code {
			target = &machines[i]
			break
		}
	}
	if target == nil {
		metrics.IncRelease("not_found")
		return nil, models.ErrCodeNotFound
	}

	if err := s.store.ReleaseMachine(ctx, target.ID, code); err != nil {
		switch {
		case errors.Is(err, models.ErrCodeMismatch),
			errors.Is(err, models.ErrNotReserved),
			errors.Is(err, models.ErrMachineNotFound):
			metrics.IncRelease("stale")
			return nil, models.ErrCodeNotFound
		default:
			metrics.IncRelease("error")
			return nil, fmt.Errorf("release machine: %w", err)
		}
	}

	s.timers.Cancel(expiryKey(target.ID, code))
	metrics.IncRelease("ok")

	s.publish(events.ReservationReleased, events.MachineEvent{
		MachineID: target.ID,
		Kind:      string(target.Kind),
		UserID:    target.Reservation.HolderUserID,
	})

	s.logger.Info().
		Str("machine_id", target.ID).
		Int64("holder_id", target.Reservation.HolderUserID).
		Msg("machine released")

	notified := 0
	if s.dispatch != nil {
		notified = s.dispatch.NotifyAllSubscribed(ctx, s.texts().MachineFree(target.ID))
	}

	return &Release{
		MachineID: target.ID,
		Message:   fmt.Sprintf("Machine %s has been freed. Thank you!", target.ID),
		Notified:  notified,
	}, nil
}

// expiryKey names the timer of one reservation. Timers are per reservation,
// not per machine, so a release or a late Arm never touches the timer of a
// newer reservation on the same machine.
func expiryKey(machineID, code string) string {
	return machineID + "/" + code
}

// HandleExpiry is the expiry scheduler callback. The holder and all
// subscribers are notified only when the machine is still held by the same
// reservation the timer was armed for.
func (s *ReservationService) HandleExpiry(ctx context.Context, _ string, p scheduler.Payload) {
	machineID := p.MachineID
	m, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		metrics.IncExpiry("error")
		s.logger.Error().Err(err).Str("machine_id", machineID).Msg("expiry: failed to read machine")
		return
	}
	if !m.HeldBy(p.UserID, p.Code) {
		metrics.IncExpiry("stale")
		s.logger.Debug().Str("machine_id", machineID).Msg("expiry: reservation no longer active")
		return
	}

	metrics.IncExpiry("notified")
	s.publish(events.ReservationExpired, events.MachineEvent{
		MachineID: machineID,
		Kind:      string(m.Kind),
		UserID:    p.UserID,
		EndsAt:    m.Reservation.EndsAt,
		Notified:  true,
	})

	if s.dispatch == nil {
		return
	}
	msgs := s.texts()
	s.dispatch.NotifyUser(ctx, p.UserID, msgs.MachineFinished(machineID, p.Code))
	s.dispatch.NotifyAllSubscribed(ctx, msgs.MachineFinishing(machineID))
}

// Restore re-arms timers for reservations that survived a restart and have
// not ended yet.
func (s *ReservationService) Restore(ctx context.Context) (int, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	armed := 0
	for i := range machines {
		m := &machines[i]
		if !m.IsReserved() || !m.Reservation.EndsAt.After(now) {
			continue
		}
		s.timers.Arm(expiryKey(m.ID, m.Reservation.Code), m.Reservation.EndsAt, scheduler.Payload{
			MachineID: m.ID,
			UserID:    m.Reservation.HolderUserID,
			Code:      m.Reservation.Code,
		})
		armed++
	}
	s.logger.Info().Int("armed", armed).Msg("expiry timers restored")
	return armed, nil
}

// StatusSnapshot reports every machine in pool order.
func (s *ReservationService) StatusSnapshot(ctx context.Context) ([]MachineStatus, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]MachineStatus, 0, len(machines))
	for i := range machines {
		out = append(out, statusOf(&machines[i], now))
	}
	return out, nil
}

func statusOf(m *models.Machine, now time.Time) MachineStatus {
	st := MachineStatus{ID: m.ID, Kind: m.Kind, State: DisplayFree}
	if !m.IsReserved() {
		return st
	}
	endsAt := m.Reservation.EndsAt
	st.EndsAt = &endsAt
	if left := m.TimeLeft(now); left > 0 {
		st.State = DisplayReserved
		st.MinutesRemaining = int(left / time.Minute)
	} else {
		st.State = DisplayFinished
	}
	return st
}

// ListMachines returns the pool for menu rendering.
func (s *ReservationService) ListMachines(ctx context.Context) ([]models.Machine, error) {
	return s.store.ListMachines(ctx)
}

// GetMachine returns a single machine.
func (s *ReservationService) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	return s.store.GetMachine(ctx, id)
}

// RegisterUser adds the user to the broadcast list. Repeated calls are no-ops.
func (s *ReservationService) RegisterUser(ctx context.Context, userID int64, displayName string) error {
	if err := s.users.RegisterUser(ctx, userID, displayName); err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	return nil
}

func (s *ReservationService) publish(evType string, payload events.MachineEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJSON(evType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", evType).Msg("failed to publish event")
	}
}

type plainMessages struct{}

func (plainMessages) MachineFinished(machineID, code string) string {
	return fmt.Sprintf("Your laundry is ready! Machine %s has finished. Collect it with code %s", machineID, code)
}

func (plainMessages) MachineFinishing(machineID string) string {
	return fmt.Sprintf("Machine %s has finished and will be free soon!", machineID)
}

func (plainMessages) MachineFree(machineID string) string {
	return fmt.Sprintf("Machine %s is now FREE!", machineID)
}
