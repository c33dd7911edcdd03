// Package errors renders gofulmen error envelopes as the JSON error body
// returned by the status server.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in HTTP error envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the body of every non-2xx response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPError pairs an error envelope with the HTTP status it is served as.
type HTTPError struct {
	Status   int
	Envelope *gferrors.ErrorEnvelope
}

func (e *HTTPError) Error() string {
	return e.Envelope.Code + ": " + e.Envelope.Message
}

// NewHTTPError returns an HTTPError backed by a new envelope.
func NewHTTPError(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Envelope: gferrors.NewErrorEnvelope(code, message)}
}

// WithDetails attaches details as the envelope context. Details the
// envelope rejects are dropped.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	if env, err := e.Envelope.WithContext(details); err == nil {
		e.Envelope = env
	}
	return e
}

// requestIDKey is the context key under which the request id is stored.
type requestIDKey struct{}

// RequestIDKey is used by the request id middleware to store the id.
var RequestIDKey = requestIDKey{}

// RequestIDFrom returns the request id stored on r, if any.
func RequestIDFrom(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := r.Context().Value(RequestIDKey).(string)
	return id
}

// RespondWithError writes err as a JSON envelope correlated with the
// request id. Errors that are not an *HTTPError become a 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !stderrors.As(err, &he) {
		he = NewHTTPError(http.StatusInternalServerError, CodeInternal, err.Error())
	}
	env := he.Envelope
	if id := RequestIDFrom(r); id != "" {
		env = env.WithCorrelationID(id)
	}
	WriteError(w, he.Status, env)
}

// WriteError writes envelope with the given status.
func WriteError(w http.ResponseWriter, status int, envelope *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: BodyOf(envelope)})
}

// BodyOf converts envelope to the wire error body. The correlation id is
// served as the request id and the envelope context as details.
func BodyOf(envelope *gferrors.ErrorEnvelope) ErrorBody {
	if envelope == nil {
		return ErrorBody{Code: CodeInternal, Message: "unknown error"}
	}
	return ErrorBody{
		Code:      envelope.Code,
		Message:   envelope.Message,
		RequestID: envelope.CorrelationID,
		Details:   envelope.Context,
	}
}
