package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientData marks inputs too thin to evaluate. Recoverable, yields no finding.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrConfiguration marks malformed external configuration (rule matrix, weights, pricing).
	ErrConfiguration = errors.New("configuration error")
	// ErrStateConflict marks an illegal recommendation lifecycle transition.
	ErrStateConflict = errors.New("state conflict")
	// ErrUpstreamData marks unresolvable identifiers or malformed raw rows.
	ErrUpstreamData = errors.New("upstream data error")
	// ErrRollbackFailure marks a restore attempt that could not reinstate prior state.
	ErrRollbackFailure = errors.New("rollback failure")
)

// ConfigError wraps ErrConfiguration with a formatted reason.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ValidationError wraps ErrValidation with a formatted reason.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
