package progress

import (
	"errors"
	"fmt"
)

// ErrConnectionLost is the retryable signal delivered when the progress
// connection drops before a terminal event. It is distinct from a
// backend-reported job failure.
var ErrConnectionLost = errors.New("progress connection lost")

// ChannelLostError reports that the progress connection for JobID could
// not be re-established within the reconnect budget.
type ChannelLostError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *ChannelLostError) Error() string {
	return fmt.Sprintf("progress channel for job %s lost after %d reconnect attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *ChannelLostError) Unwrap() error {
	return e.Err
}

// Is reports ChannelLostError as a kind of ErrConnectionLost.
func (e *ChannelLostError) Is(target error) bool {
	return target == ErrConnectionLost
}
