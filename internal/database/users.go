package database

import (
	"context"
	"time"

	"laundrybot/internal/models"
)

// RegisterUser adds a subscribed user. Existing users are left untouched.
func (db *DB) RegisterUser(ctx context.Context, userID int64, displayName string) error {
	if displayName == "" {
		displayName = models.DefaultDisplayName
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, display_name, subscribed, created_at) VALUES (?, ?, 1, ?)`,
		userID, displayName, time.Now())
	return err
}

// ListSubscribedUsers returns every subscribed user in registration order.
func (db *DB) ListSubscribedUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, display_name, subscribed, created_at FROM users WHERE subscribed = 1 ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Subscribed, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of registered users.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}
