package credits

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrCapabilityDenied    = errors.New("capability denied")
	ErrPersistence         = errors.New("persistence failure")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAlreadyBooked       = errors.New("ledger entry with this reference already booked")
)

// InsufficientCreditsError carries the amounts needed to tell the user how
// many credits are missing.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Shortfall is the number of credits the user still has to buy.
func (e *InsufficientCreditsError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

// ValidationError maps field names to human readable messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CapabilityError names the plan feature the caller is missing.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability denied: %s requires an active subscription with API access", e.Capability)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityDenied
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
