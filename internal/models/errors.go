package models

import "errors"

// Store-level errors.
var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrConflict        = errors.New("machine is not free")
	ErrNotReserved     = errors.New("machine is not reserved")
	ErrCodeMismatch    = errors.New("code mismatch")
)

// Errors surfaced by the reservation service to the front-end.
var (
	ErrAlreadyInUse    = errors.New("machine already in use")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrCodeNotFound    = errors.New("code not found")
)
