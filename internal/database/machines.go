package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"laundrybot/internal/models"
)

// keyLocks hands out one mutex per machine id. The pool is fixed, so the map
// never shrinks.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

const machineColumns = `id, position, kind, state, holder_user_id, holder_display_name, code, ends_at`

// SeedMachines creates washers WM1..WMn and dryers D1..Dm if the pool is empty.
// It returns the number of machines created.
func (db *DB) SeedMachines(ctx context.Context, washers, dryers int) (int, error) {
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM machines").Scan(&count); err != nil {
		return 0, fmt.Errorf("count machines: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	position := 0
	insert := func(id string, kind models.MachineKind) error {
		position++
		_, err := tx.ExecContext(ctx,
			`INSERT INTO machines (id, position, kind, state) VALUES (?, ?, ?, ?)`,
			id, position, string(kind), string(models.StateFree))
		return err
	}

	for i := 1; i <= washers; i++ {
		if err := insert(fmt.Sprintf("WM%d", i), models.KindWasher); err != nil {
			return 0, fmt.Errorf("seed washer %d: %w", i, err)
		}
	}
	for i := 1; i <= dryers; i++ {
		if err := insert(fmt.Sprintf("D%d", i), models.KindDryer); err != nil {
			return 0, fmt.Errorf("seed dryer %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	db.logger.Info().Int("washers", washers).Int("dryers", dryers).Msg("Machine pool seeded")
	return position, nil
}

// ListMachines returns all machines in creation order.
func (db *DB) ListMachines(ctx context.Context) ([]models.Machine, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+machineColumns+" FROM machines ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// GetMachine returns a single machine or models.ErrMachineNotFound.
func (db *DB) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	row := db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE id = ?", id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMachineNotFound
	}
	return m, err
}

// ApplyReservation stores r on machine id if, and only if, the machine is free.
func (db *DB) ApplyReservation(ctx context.Context, id string, r models.Reservation) error {
	unlock := db.locks.lock(id)
	defer unlock()

	if r.HolderDisplayName == "" {
		r.HolderDisplayName = models.DefaultDisplayName
	}

	res, err := db.ExecContext(ctx, `
		UPDATE machines
		SET state = ?, holder_user_id = ?, holder_display_name = ?, code = ?, ends_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(models.StateReserved), r.HolderUserID, r.HolderDisplayName, r.Code,
		formatEndsAt(r.EndsAt), time.Now(),
		id, string(models.StateFree))
	if err != nil {
		return fmt.Errorf("apply reservation on %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	if _, err := db.GetMachine(ctx, id); err != nil {
		return err
	}
	return models.ErrConflict
}

// ReleaseMachine frees machine id when it is reserved under expectedCode.
func (db *DB) ReleaseMachine(ctx context.Context, id, expectedCode string) error {
	unlock := db.locks.lock(id)
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state, code string
	err = tx.QueryRowContext(ctx, "SELECT state, code FROM machines WHERE id = ?", id).Scan(&state, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrMachineNotFound
	}
	if err != nil {
		return err
	}
	if models.MachineState(state) != models.StateReserved {
		return models.ErrNotReserved
	}
	if code != expectedCode {
		return models.ErrCodeMismatch
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE machines
		SET state = ?, holder_user_id = NULL, holder_display_name = '', code = '', ends_at = '', updated_at = ?
		WHERE id = ? AND state = ? AND code = ?`,
		string(models.StateFree), time.Now(), id, string(models.StateReserved), expectedCode)
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMachine(row rowScanner) (*models.Machine, error) {
	var (
		m           models.Machine
		kind, state string
		holderID    sql.NullInt64
		holderName  string
		code        string
		endsAt      string
	)
	if err := row.Scan(&m.ID, &m.Position, &kind, &state, &holderID, &holderName, &code, &endsAt); err != nil {
		return nil, err
	}
	m.Kind = models.MachineKind(kind)
	m.State = models.MachineState(state)

	if m.State == models.StateReserved {
		ends, err := parseEndsAt(endsAt)
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", m.ID, err)
		}
		m.Reservation = &models.Reservation{
			HolderUserID:      holderID.Int64,
			HolderDisplayName: holderName,
			Code:              code,
			EndsAt:            ends,
		}
	}
	return &m, nil
}

func formatEndsAt(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseEndsAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ends_at %q: %w", s, err)
	}
	return t, nil
}
