package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"laundrybot/internal/events"
	"laundrybot/internal/models"
)

// AppendHistory writes one history row.
func (db *DB) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO history (event, machine_id, user_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Event, e.MachineID, e.UserID, e.Payload, e.CreatedAt)
	return err
}

// ListHistory returns the most recent history rows, newest first.
func (db *DB) ListHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, event, machine_id, user_id, payload, created_at FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Event, &e.MachineID, &e.UserID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneHistory deletes history rows older than olderThan and returns the count.
func (db *DB) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordEvent is an events.EventHandler that persists reservation events.
func (db *DB) RecordEvent(ev events.Event) error {
	var ref events.MachineEvent
	if err := json.Unmarshal(ev.Payload, &ref); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.AppendHistory(ctx, models.HistoryEntry{
		Event:     ev.Type,
		MachineID: ref.MachineID,
		UserID:    ref.UserID,
		Payload:   string(ev.Payload),
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		db.logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to record history")
	}
	return err
}
