package jobcontrol

import (
	"errors"
	"fmt"

	"github.com/3leaps/racklens/pkg/backend"
)

var (
	// ErrCancelled is the failure cause of a job cancelled locally.
	ErrCancelled = errors.New("job cancelled")

	// ErrSuperseded is returned by Start when a newer job replaced this one
	// before the backend answered.
	ErrSuperseded = errors.New("job superseded by a newer job")

	// ErrJobFailed is the failure cause of a job the backend reported as
	// failed.
	ErrJobFailed = errors.New("job failed")

	// ErrNoJob is returned by operations that need a current job.
	ErrNoJob = errors.New("no current job")
)

// ValidationError reports invalid caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// JobStartError reports that the backend did not create the job.
//
// Status is the backend's HTTP status, or zero when no response was
// received.
type JobStartError struct {
	Status int
	Err    error
}

func newJobStartError(err error) *JobStartError {
	e := &JobStartError{Err: err}
	var be *backend.BackendError
	if errors.As(err, &be) {
		e.Status = be.Status
	}
	return e
}

func (e *JobStartError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("start job: backend returned %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("start job: %v", e.Err)
}

func (e *JobStartError) Unwrap() error {
	return e.Err
}
