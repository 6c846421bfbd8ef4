package domain

import (
	"errors"
	"fmt"
)

// Error kinds form the taxonomy every component boundary converts to.
// Internal errors are wrapped so errors.Is works across layers.
var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrDuplicate             = errors.New("duplicate")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrTransient             = errors.New("transient error")
	ErrPermanent             = errors.New("permanent error")
	ErrInvariant             = errors.New("invariant violation")
)

// Kind returns the taxonomy name for an error, or "internal" when the error
// does not map to a known kind. Used for the HTTP error body and log fields.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrDuplicate):
		return "Duplicate"
	case errors.Is(err, ErrDependencyUnavailable):
		return "DependencyUnavailable"
	case errors.Is(err, ErrTransient):
		return "Transient"
	case errors.Is(err, ErrPermanent):
		return "Permanent"
	case errors.Is(err, ErrInvariant):
		return "InvariantViolation"
	}
	return "internal"
}

// Validationf wraps a formatted message as a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
