package repository

import (
	"context"
	"sync"
	"time"

	"laundrybot/internal/models"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// MemoryStateRepository is a process-local StateRepository. Entries expire
// lazily on read.
type MemoryStateRepository struct {
	mu     sync.Mutex
	ttl    time.Duration
	states map[int64]*models.UserState
	rates  map[int64]*rateWindow
	now    func() time.Time
}

func NewMemoryStateRepository(ttl time.Duration) *MemoryStateRepository {
	return &MemoryStateRepository{
		ttl:    ttl,
		states: make(map[int64]*models.UserState),
		rates:  make(map[int64]*rateWindow),
		now:    time.Now,
	}
}

func (r *MemoryStateRepository) GetState(_ context.Context, userID int64) (*models.UserState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[userID]
	if !ok {
		return nil, nil
	}
	if r.ttl > 0 && r.now().Sub(st.UpdatedAt) > r.ttl {
		delete(r.states, userID)
		return nil, nil
	}
	cp := *st
	cp.TempData = make(map[string]interface{}, len(st.TempData))
	for k, v := range st.TempData {
		cp.TempData[k] = v
	}
	return &cp, nil
}

func (r *MemoryStateRepository) SetState(_ context.Context, state *models.UserState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state.UpdatedAt = r.now()
	cp := *state
	cp.TempData = make(map[string]interface{}, len(state.TempData))
	for k, v := range state.TempData {
		cp.TempData[k] = v
	}
	r.states[state.UserID] = &cp
	return nil
}

func (r *MemoryStateRepository) ClearState(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, userID)
	return nil
}

func (r *MemoryStateRepository) CheckRateLimit(_ context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.rates[userID]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		r.rates[userID] = w
	}
	w.count++
	return w.count <= limit, nil
}
