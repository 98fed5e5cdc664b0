package repo

import "errors"

var (
	// ErrNotFound signals an unknown record id.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost signals a renew or release by a worker that no
	// longer holds the lease. Cooperative, not fatal: the caller must
	// stop working on the run.
	ErrLeaseLost = errors.New("lease lost")

	// ErrAlreadyExists signals a unique-constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition signals a status or phase update that the
	// state machine forbids (terminal status, phase regression).
	ErrInvalidTransition = errors.New("invalid transition")
)
