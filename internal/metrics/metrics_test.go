package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(releases.WithLabelValues("ok"))
	IncRelease("ok")
	IncRelease("ok")
	assert.Equal(t, before+2, testutil.ToFloat64(releases.WithLabelValues("ok")))

	SetPendingTimers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(pendingTimers))

	IncNotification("failed")
	assert.GreaterOrEqual(t, testutil.ToFloat64(notifications.WithLabelValues("failed")), float64(1))
}
