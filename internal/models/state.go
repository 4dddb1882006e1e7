package models

import (
	"strconv"
	"time"
)

// Conversation steps of the Telegram front-end.
const (
	StepNone           = "none"
	StepCustomDuration = "custom_duration"
	StepAwaitCode      = "await_code"
)

// UserState holds the front-end conversation state of a single user.
type UserState struct {
	UserID    int64                  `json:"user_id"`
	Step      string                 `json:"step"`
	TempData  map[string]interface{} `json:"temp_data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// GetString returns a string value from TempData or "" if absent.
func (s *UserState) GetString(key string) string {
	if s == nil || s.TempData == nil {
		return ""
	}
	if v, ok := s.TempData[key].(string); ok {
		return v
	}
	return ""
}

// GetInt64 returns a numeric value from TempData. JSON round trips turn
// numbers into float64, so both representations are accepted.
func (s *UserState) GetInt64(key string) int64 {
	if s == nil || s.TempData == nil {
		return 0
	}
	switch v := s.TempData[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
