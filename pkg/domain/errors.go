package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError is returned when a lookup references an entity that no longer exists.
type NotFoundError struct {
	Entity EntityType
	ID     int64
}

func (e NotFoundError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("entity %d not found", e.ID)
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OverflowError reports an ordinal or ID that exceeds its fixed digit budget.
type OverflowError struct {
	Field string
	Value int64
	Max   int64
}

func (e OverflowError) Error() string {
	return fmt.Sprintf("%s %d exceeds maximum %d", e.Field, e.Value, e.Max)
}

// ConfigError reports an invalid relationship or compile configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}

// IsOverflow reports whether err wraps an OverflowError.
func IsOverflow(err error) bool {
	var oe OverflowError
	return errors.As(err, &oe)
}
