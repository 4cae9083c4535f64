package model

import "github.com/rotisserie/eris"

// Error kinds shared across the pipeline. Callers wrap them with eris and
// test with errors.Is.
var (
	// ErrValidation rejects a request before anything is mutated.
	ErrValidation = eris.New("validation failed")
	// ErrNotFound is returned when a tenant-scoped lookup has no row.
	ErrNotFound = eris.New("not found")
	// ErrIllegalTransition is returned when a status change is not in the
	// transition table or the row moved underneath the caller.
	ErrIllegalTransition = eris.New("illegal status transition")
	// ErrInsufficientSignal means synthesis ran but confidence was too low.
	ErrInsufficientSignal = eris.New("insufficient signal")
	// ErrGovernanceVeto marks a proposal declined by the governance reviewer.
	ErrGovernanceVeto = eris.New("governance veto")
	// ErrInvariantViolation means stored pattern statistics disagree with
	// the evidence rows they were derived from.
	ErrInvariantViolation = eris.New("invariant violation")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return eris.Wrapf(ErrValidation, format, args...)
}
