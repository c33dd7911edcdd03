package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/racklens/pkg/backend"
	"github.com/3leaps/racklens/pkg/jobcontrol"
	"github.com/3leaps/racklens/pkg/output"
	"github.com/3leaps/racklens/pkg/progress"
)

// Process exit codes not covered by the foundry catalog. Argument, service,
// file and signal failures use the foundry codes.
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitJobFailed = 4
	ExitNotFound  = 5
)

// ExitError carries the exit code a command failure maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCodeOf returns the exit code for an error returned by a command.
func exitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	_, code := classify(err)
	return code
}

// classify maps a domain error onto an output error code and an exit code.
func classify(err error) (string, int) {
	var (
		validation *jobcontrol.ValidationError
		startErr   *jobcontrol.JobStartError
	)
	switch {
	case err == nil:
		return "", ExitSuccess
	case errors.As(err, &validation):
		return output.ErrCodeValidation, foundry.ExitInvalidArgument
	case errors.Is(err, jobcontrol.ErrCancelled), errors.Is(err, context.Canceled):
		return output.ErrCodeCancelled, foundry.ExitSignalInt
	case errors.As(err, &startErr):
		return output.ErrCodeJobStart, foundry.ExitExternalServiceUnavailable
	case errors.Is(err, progress.ErrConnectionLost):
		return output.ErrCodeChannelLost, foundry.ExitExternalServiceUnavailable
	case errors.Is(err, jobcontrol.ErrJobFailed):
		return output.ErrCodeJobFailed, ExitJobFailed
	case backend.IsNotFound(err):
		return output.ErrCodeNotFound, ExitNotFound
	case backend.IsTimeout(err):
		return output.ErrCodeTimeout, foundry.ExitExternalServiceUnavailable
	case backend.IsUnavailable(err):
		return output.ErrCodeUnavailable, foundry.ExitExternalServiceUnavailable
	default:
		return output.ErrCodeInternal, ExitFailure
	}
}

// classifiedError wraps err with the exit code classify assigns it.
func classifiedError(message string, err error) error {
	_, code := classify(err)
	return exitError(code, message, err)
}

// errorRecordOf builds the JSONL error record for err.
func errorRecordOf(err error, scope string) *output.ErrorRecord {
	code, _ := classify(err)
	rec := &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		Scope:   scope,
	}
	var be *backend.BackendError
	if errors.As(err, &be) {
		rec.Status = be.Status
	}
	var startErr *jobcontrol.JobStartError
	if rec.Status == 0 && errors.As(err, &startErr) {
		rec.Status = startErr.Status
	}
	var validation *jobcontrol.ValidationError
	if errors.As(err, &validation) {
		rec.Details = map[string]string{"field": validation.Field, "reason": validation.Reason}
	}
	return rec
}
