package workflow

import (
	"errors"
	"fmt"

	"issueflow/internal/repo"
)

var (
	ErrNotFound     = repo.ErrNotFound
	ErrInvalidInput = repo.ErrInvalidInput

	ErrCopySourceRequired = errors.New("select a source tracker or role")
	ErrCopyTargetRequired = errors.New("select target tracker(s) and role(s)")
	ErrRequiredNotAllowed = errors.New("field is already required")
)

// ValidationError carries the offending field next to the sentinel it wraps.
type ValidationError struct {
	Field string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e ValidationError) Unwrap() error { return e.Err }

func invalid(field, msg string) error {
	return ValidationError{Field: field, Err: fmt.Errorf("%w: %s", ErrInvalidInput, msg)}
}
