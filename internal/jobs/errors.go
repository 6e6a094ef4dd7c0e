package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("invalid job request")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("job runner unavailable")
	ErrProjectBusy = errors.New("project has unfinished jobs")
)

// ValidationError rejects a malformed create request. It matches
// ErrValidation via errors.Is.
type ValidationError struct {
	Field   string
	Message string
	// TooLarge marks an upload over the size limit.
	TooLarge bool
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
