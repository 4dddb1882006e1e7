package repository

import (
	"context"
	"testing"
	"time"

	"laundrybot/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRepo(t *testing.T) (*RedisStateRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateRepository(client, 30*time.Minute), mr
}

func TestRedisStateRepository_State(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	got, err := repo.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, got)

	state := &models.UserState{
		UserID:   10,
		Step:     models.StepCustomDuration,
		TempData: map[string]interface{}{"machine_id": "WM2"},
	}
	require.NoError(t, repo.SetState(ctx, state))
	assert.Equal(t, 30*time.Minute, mr.TTL(stateKey(10)))

	got, err = repo.GetState(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StepCustomDuration, got.Step)
	assert.Equal(t, "WM2", got.GetString("machine_id"))

	require.NoError(t, repo.ClearState(ctx, 10))
	got, err = repo.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, repo.Ping(ctx))
}

func TestRedisStateRepository_Expiry(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SetState(ctx, &models.UserState{UserID: 11, Step: models.StepAwaitCode}))
	mr.FastForward(31 * time.Minute)

	got, err := repo.GetState(ctx, 11)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStateRepository_CheckRateLimit(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := repo.CheckRateLimit(ctx, 20, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, err := repo.CheckRateLimit(ctx, 20, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CheckRateLimit(ctx, 21, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "limits are per user")

	mr.FastForward(61 * time.Second)
	ok, err = repo.CheckRateLimit(ctx, 20, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window resets")
}

func TestRedisStateRepository_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	repo := NewRedisStateRepository(client, time.Minute)
	mr.Close()

	_, err = repo.GetState(context.Background(), 1)
	assert.Error(t, err)
	assert.Error(t, repo.Ping(context.Background()))
}
