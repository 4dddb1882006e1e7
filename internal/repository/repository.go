// Package repository stores short-lived front-end conversation state.
package repository

import (
	"context"
	"time"

	"laundrybot/internal/models"
)

// StateRepository keeps per-user conversation state and attempt counters.
type StateRepository interface {
	// GetState returns nil, nil when the user has no state.
	GetState(ctx context.Context, userID int64) (*models.UserState, error)
	SetState(ctx context.Context, state *models.UserState) error
	ClearState(ctx context.Context, userID int64) error
	// CheckRateLimit counts one attempt and reports whether the user is
	// still within limit attempts per window.
	CheckRateLimit(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error)
}
