package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Input errors
	ErrValidation = errors.New("validation failed")

	// Concurrency errors, retried by the chain appender
	ErrConflict      = errors.New("conflicting write")
	ErrStaleTail     = fmt.Errorf("%w: ledger tail moved", ErrConflict)
	ErrDuplicateHash = fmt.Errorf("%w: duplicate entry hash", ErrConflict)
	ErrStaleTask     = fmt.Errorf("%w: task modified concurrently", ErrConflict)

	// Ledger integrity errors
	ErrIntegrityViolation = errors.New("ledger integrity violation")
	ErrAppendOnly         = errors.New("ledger entries are append-only")
	ErrRepairRefused      = errors.New("repair refused: entry already hashed")

	// Lookup and authorization errors
	ErrNotFound      = errors.New("not found")
	ErrStepNotFound  = fmt.Errorf("step %w", ErrNotFound)
	ErrAlreadyExists = errors.New("already exists")
	ErrForbidden     = errors.New("forbidden")
)

// Invalid wraps ErrValidation with a field-specific message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
