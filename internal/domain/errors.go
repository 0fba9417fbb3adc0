package domain

import "errors"

var (
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("resource conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// JobFailure pairs an error value with the text recorded on the failed job.
// Message is what users read in the job record, so it keeps its own wording.
type JobFailure struct {
	Err     error
	Message string
}

func (e *JobFailure) Error() string {
	return e.Err.Error()
}

func (e *JobFailure) Unwrap() error {
	return e.Err
}

// FailureMessage returns the text to store for a job that failed with err.
func FailureMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var f *JobFailure
	if errors.As(err, &f) && f.Message != "" {
		return f.Message
	}
	return err.Error()
}
