package service

import (
	"context"
	"io"
	"testing"
	"time"

	"laundrybot/internal/models"
	"laundrybot/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateService(t *testing.T) {
	logger := zerolog.New(io.Discard)
	svc := NewStateService(repository.NewMemoryStateRepository(time.Hour), &logger)
	ctx := context.Background()

	st, err := svc.GetUserState(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, svc.UpdateUserStateData(ctx, 1, "machine_id", "WM3"))
	st, err = svc.GetUserState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StepNone, st.Step)
	assert.Equal(t, "WM3", st.GetString("machine_id"))

	require.NoError(t, svc.SetUserState(ctx, 1, models.StepCustomDuration, map[string]interface{}{"machine_id": "D2"}))
	st, err = svc.GetUserState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StepCustomDuration, st.Step)

	require.NoError(t, svc.ClearUserState(ctx, 1))
	st, err = svc.GetUserState(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st)

	assert.True(t, svc.AllowAttempt(ctx, 1, 2, time.Minute))
	assert.True(t, svc.AllowAttempt(ctx, 1, 2, time.Minute))
	assert.False(t, svc.AllowAttempt(ctx, 1, 2, time.Minute))
	assert.True(t, svc.AllowAttempt(ctx, 1, 0, time.Minute))
}
