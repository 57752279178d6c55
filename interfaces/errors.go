package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a user or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when signing up a user id or email that is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTeeUnavailable is returned when the TEE capability cannot be reached.
	// It is never recovered by deriving a key elsewhere.
	ErrTeeUnavailable = errors.New("tee unavailable")

	// ErrConsistency is returned when a re-derived address differs from the
	// persisted one. It signals a namespace or environment misconfiguration.
	ErrConsistency = errors.New("derived address does not match stored identity")

	// ErrUploadFailure marks a failed verification upload. It never reaches callers
	// of the wallet operations.
	ErrUploadFailure = errors.New("verification upload failed")

	// ErrPersistence marks a failed store write.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError reports malformed input with field-level detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AsValidationError unwraps err into a ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
