package processor

import (
	"errors"

	"github.com/target/geojobs/internal/domain/model"
)

// ValidationError carries a user-facing message about bad job parameters.
// It is returned before any side effect.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// invalid returns a ValidationError with msg.
func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// UnknownTypeError is returned by Registry.Lookup for unregistered job types.
type UnknownTypeError struct {
	Type model.JobType
}

func (e *UnknownTypeError) Error() string {
	return "No processor found for job type: " + string(e.Type)
}

// PersistenceError wraps a fatal store write failure with a user-facing prefix.
type PersistenceError struct {
	Message string
	Err     error
}

func (e *PersistenceError) Error() string {
	return e.Message + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
