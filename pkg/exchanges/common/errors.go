package common

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying (timeouts, rate limits, 5xx).
	ErrTransient = errors.New("exchange transient failure")
	// ErrFatal marks failures that must abort the operation (auth, funds, rejects).
	ErrFatal = errors.New("exchange fatal failure")
	// ErrOrderNotFound is returned when the venue has no record of an order.
	ErrOrderNotFound = errors.New("order not found")
)

// Error wraps a venue error with its operation and class.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// Transient classifies err as retryable.
func Transient(op string, err error) error {
	return &Error{Op: op, Kind: ErrTransient, Err: err}
}

// Fatal classifies err as non-retryable.
func Fatal(op string, err error) error {
	return &Error{Op: op, Kind: ErrFatal, Err: err}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
