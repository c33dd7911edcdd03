package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// BackendError is a failed backend request.
//
// Status is the HTTP status code, or zero when no response was received
// (connection failure or timeout).
type BackendError struct {
	// Op is the client operation that failed (e.g. "overview", "start").
	Op string

	Status  int
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		if e.Err != nil {
			return fmt.Sprintf("backend %s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("backend %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("backend %s: %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Status == http.StatusNotFound
}

// IsTimeout reports whether err is a request that timed out, either on the
// client side or as a backend 504/408.
func IsTimeout(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		if be.Status == http.StatusGatewayTimeout || be.Status == http.StatusRequestTimeout {
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsUnavailable reports whether err means the backend could not be reached.
func IsUnavailable(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	if be.Status == 0 {
		return true
	}
	return be.Status == http.StatusBadGateway || be.Status == http.StatusServiceUnavailable
}
