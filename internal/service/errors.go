package service

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/model"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("api key not found")

	// ErrForbidden is returned when a key belongs to another user.
	ErrForbidden = errors.New("api key belongs to another user")

	// ErrTerminalStatus is returned when a revoked or expired key would
	// change status.
	ErrTerminalStatus = errors.New("api key is revoked or expired")
)

// ValidationError reports invalid caller input on a named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// QuotaError reports that a user already holds the maximum number of keys
// for a tier.
type QuotaError struct {
	Tier    model.Tier
	Current int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("api key limit reached: %d of %d keys allowed on the %s tier", e.Current, e.Max, e.Tier)
}
