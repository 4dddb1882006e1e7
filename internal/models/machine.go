package models

import "time"

// MachineKind is the type of a laundry machine. It never changes after seeding.
type MachineKind string

const (
	KindWasher MachineKind = "washer"
	KindDryer  MachineKind = "dryer"
)

// Valid reports whether k is a known machine kind.
func (k MachineKind) Valid() bool {
	return k == KindWasher || k == KindDryer
}

// MachineState is the persisted occupancy state of a machine.
type MachineState string

const (
	StateFree     MachineState = "free"
	StateReserved MachineState = "reserved"
)

// DefaultDisplayName is stored when the transport gives no name for a user.
const DefaultDisplayName = "Unknown"

// Machine represents a single washer or dryer of the shared pool.
type Machine struct {
	ID          string       `json:"id"`
	Kind        MachineKind  `json:"kind"`
	State       MachineState `json:"state"`
	Position    int          `json:"position"`
	Reservation *Reservation `json:"reservation,omitempty"` // non-nil iff State == StateReserved
}

// Reservation is the occupancy record attached to a reserved machine.
type Reservation struct {
	HolderUserID      int64     `json:"holder_user_id"`
	HolderDisplayName string    `json:"holder_display_name"`
	Code              string    `json:"code"`
	EndsAt            time.Time `json:"ends_at"`
}

// IsReserved reports whether the machine currently carries a reservation.
func (m *Machine) IsReserved() bool {
	return m.State == StateReserved && m.Reservation != nil
}

// IsFree reports whether the machine can be reserved.
func (m *Machine) IsFree() bool {
	return m.State == StateFree
}

// TimeLeft returns the remaining reservation time relative to now.
// It is zero for free machines and may be negative for finished ones.
func (m *Machine) TimeLeft(now time.Time) time.Duration {
	if !m.IsReserved() {
		return 0
	}
	return m.Reservation.EndsAt.Sub(now)
}

// HeldBy reports whether the machine is reserved by userID with the given code.
func (m *Machine) HeldBy(userID int64, code string) bool {
	return m.IsReserved() &&
		m.Reservation.HolderUserID == userID &&
		m.Reservation.Code == code
}
