// Package errdefs defines the error taxonomy shared by every evaluation stage.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for contradictory or missing parameters
	ErrConfiguration = errors.New("configuration error")

	// ErrData is returned for malformed tables and incompatible train/test sets
	ErrData = errors.New("data error")

	// ErrOutOfRange is returned when a k or beta value cannot be served by the fitted state
	ErrOutOfRange = errors.New("parameter out of range")

	// ErrInvalidParameter is returned for non-positive k or beta values
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrPrerequisite is returned when a one-time fit fails
	ErrPrerequisite = errors.New("prerequisite failed")

	// ErrNotFitted is returned when a query is issued before the expensive stage ran
	ErrNotFitted = errors.New("stage not fitted")
)

// Error represents a stage failure with context
type Error struct {
	Op      string // Operation that failed
	Err     error  // Underlying error
	Context string // Additional context
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Context)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error
func New(op string, err error, context string) error {
	return &Error{
		Op:      op,
		Err:     err,
		Context: context,
	}
}

// Newf creates a new Error with a formatted context
func Newf(op string, err error, format string, args ...any) error {
	return New(op, err, fmt.Sprintf(format, args...))
}

// invalidParameter is both invalid and out of range, so it is recoverable per point.
type invalidParameter struct{}

func (invalidParameter) Error() string { return ErrInvalidParameter.Error() }

func (invalidParameter) Is(target error) bool {
	return target == ErrInvalidParameter || target == ErrOutOfRange
}

// InvalidParameter creates an error for a non-positive parameter value
func InvalidParameter(op, name string, value int) error {
	return Newf(op, invalidParameter{}, "%s=%d must be positive", name, value)
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsData checks if an error is a data error
func IsData(err error) bool {
	return errors.Is(err, ErrData)
}

// IsOutOfRange checks if an error is recoverable for a single configuration point
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// IsInvalidParameter checks if an error is an invalid parameter error
func IsInvalidParameter(err error) bool {
	return errors.Is(err, ErrInvalidParameter)
}

// IsPrerequisite checks if an error is a prerequisite failure
func IsPrerequisite(err error) bool {
	return errors.Is(err, ErrPrerequisite)
}

// IsNotFitted checks if an error is a "not fitted" error
func IsNotFitted(err error) bool {
	return errors.Is(err, ErrNotFitted)
}
