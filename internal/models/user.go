package models

import "time"

// User is a known bot user. Every registered user receives broadcasts.
type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Subscribed  bool      `json:"subscribed"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryEntry is one row of the reservation history log.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	MachineID string    `json:"machine_id"`
	UserID    int64     `json:"user_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
