package service

import (
	"context"
	"sync"
	"sync/atomic"

	"laundrybot/internal/metrics"
	"laundrybot/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notifier delivers a text message to a single user.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string) error
}

// Messages renders notification texts. The front-end supplies it so wording
// and markup stay in one place.
type Messages interface {
	MachineFinished(machineID, code string) string
	MachineFinishing(machineID string) string
	MachineFree(machineID string) string
}

// UserDirectory is the set of users that receive broadcasts.
type UserDirectory interface {
	RegisterUser(ctx context.Context, userID int64, displayName string) error
	ListSubscribedUsers(ctx context.Context) ([]models.User, error)
}

// DispatcherConfig bounds outgoing traffic.
type DispatcherConfig struct {
	RatePerSecond float64
	Burst         int
	MaxConcurrent int
}

// Dispatcher sends notifications. Every delivery is a single attempt; a
// failure is logged and counted but never returned to the caller.
type Dispatcher struct {
	users    UserDirectory
	notifier atomic.Value // holds notifierHolder
	limiter  *rate.Limiter
	sem      chan struct{}
	logger   *zerolog.Logger
}

type notifierHolder struct{ n Notifier }

// NewDispatcher creates a dispatcher. SetNotifier must be called before any
// message can be delivered.
func NewDispatcher(users UserDirectory, cfg DispatcherConfig, logger *zerolog.Logger) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	l := logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		users:   users,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		logger:  &l,
	}
}

// SetNotifier attaches the transport used for delivery.
func (d *Dispatcher) SetNotifier(n Notifier) {
	d.notifier.Store(notifierHolder{n: n})
}

func (d *Dispatcher) transport() Notifier {
	h, _ := d.notifier.Load().(notifierHolder)
	return h.n
}

// NotifyUser makes one delivery attempt and reports whether it succeeded.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID int64, text string) bool {
	n := d.transport()
	if n == nil {
		d.logger.Warn().Int64("user_id", userID).Msg("no notifier attached, dropping message")
		metrics.IncNotification("dropped")
		return false
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warn().Err(err).Int64("user_id", userID).Msg("notification cancelled")
		metrics.IncNotification("cancelled")
		return false
	}

	if err := n.NotifyUser(ctx, userID, text); err != nil {
		d.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to deliver notification")
		metrics.IncNotification("failed")
		return false
	}
	metrics.IncNotification("sent")
	return true
}

// NotifyAllSubscribed sends text to every subscribed user and returns the
// number of successful deliveries. One recipient failing does not affect the
// others.
func (d *Dispatcher) NotifyAllSubscribed(ctx context.Context, text string) int {
	users, err := d.users.ListSubscribedUsers(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list subscribed users")
		return 0
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, u := range users {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return int(delivered.Load())
		}

		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			defer func() { <-d.sem }()
			if d.NotifyUser(ctx, userID, text) {
				delivered.Add(1)
			}
		}(u.ID)
	}
	wg.Wait()

	d.logger.Debug().
		Int("recipients", len(users)).
		Int64("delivered", delivered.Load()).
		Msg("broadcast finished")
	return int(delivered.Load())
}
