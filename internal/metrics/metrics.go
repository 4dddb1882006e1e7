package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "laundrybot"

var (
	once sync.Once

	reservationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_created_total",
			Help:      "Count of reservations created by machine kind.",
		},
		[]string{"kind"},
	)

	reservationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_rejected_total",
			Help:      "Count of rejected reservation attempts by reason.",
		},
		[]string{"reason"},
	)

	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Count of release attempts by result.",
		},
		[]string{"result"},
	)

	expiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiries_total",
			Help:      "Count of fired expiry timers by outcome.",
		},
		[]string{"outcome"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of notification deliveries by status.",
		},
		[]string{"status"},
	)

	pendingTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_pending_timers",
			Help:      "Number of armed expiry timers.",
		},
	)

	updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Time to handle a Telegram update.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5},
		},
		[]string{"type"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			reservationsCreated,
			reservationsRejected,
			releases,
			expiries,
			notifications,
			pendingTimers,
			updateDuration,
		)
	})
}

func IncReservationCreated(kind string) {
	reservationsCreated.WithLabelValues(kind).Inc()
}

func IncReservationRejected(reason string) {
	reservationsRejected.WithLabelValues(reason).Inc()
}

func IncRelease(result string) {
	releases.WithLabelValues(result).Inc()
}

func IncExpiry(outcome string) {
	expiries.WithLabelValues(outcome).Inc()
}

func IncNotification(status string) {
	notifications.WithLabelValues(status).Inc()
}

func SetPendingTimers(n int) {
	pendingTimers.Set(float64(n))
}

func ObserveUpdate(updateType string, seconds float64) {
	updateDuration.WithLabelValues(updateType).Observe(seconds)
}
