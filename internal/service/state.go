package service

import (
	"context"
	"time"

	"laundrybot/internal/models"
	"laundrybot/internal/repository"

	"github.com/rs/zerolog"
)

// StateService wraps the conversation state store used by the front-end.
type StateService struct {
	stateRepo repository.StateRepository
	logger    *zerolog.Logger
}

func NewStateService(stateRepo repository.StateRepository, logger *zerolog.Logger) *StateService {
	return &StateService{
		stateRepo: stateRepo,
		logger:    logger,
	}
}

func (s *StateService) GetUserState(ctx context.Context, userID int64) (*models.UserState, error) {
	state, err := s.stateRepo.GetState(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("error getting user state")
		return nil, err
	}

	return state, nil
}

func (s *StateService) SetUserState(ctx context.Context, userID int64, step string, data map[string]interface{}) error {
	state := &models.UserState{
		UserID:   userID,
		Step:     step,
		TempData: data,
	}
	return s.stateRepo.SetState(ctx, state)
}

func (s *StateService) ClearUserState(ctx context.Context, userID int64) error {
	return s.stateRepo.ClearState(ctx, userID)
}

func (s *StateService) UpdateUserStateData(ctx context.Context, userID int64, key string, value interface{}) error {
	state, err := s.stateRepo.GetState(ctx, userID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &models.UserState{
			UserID:   userID,
			Step:     models.StepNone,
			TempData: make(map[string]interface{}),
		}
	}

	if state.TempData == nil {
		state.TempData = make(map[string]interface{})
	}
	state.TempData[key] = value

	return s.stateRepo.SetState(ctx, state)
}

// AllowAttempt counts one guarded attempt for userID. A failing store does
// not block the user.
func (s *StateService) AllowAttempt(ctx context.Context, userID int64, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	ok, err := s.stateRepo.CheckRateLimit(ctx, userID, limit, window)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("rate limit check failed")
		return true
	}
	return ok
}
