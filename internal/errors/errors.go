// Package errors maps jobwatch failures onto the JSON error envelope served
// by the HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/jobwatch/pkg/background"
	"github.com/3leaps/jobwatch/pkg/bridge"
	"github.com/3leaps/jobwatch/pkg/download"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/remote"
	"github.com/3leaps/jobwatch/pkg/watch"
)

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Error codes used in HTTPError.Code.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeMalformedPayload    = "MALFORMED_PAYLOAD"
	CodeConflict            = "CONFLICT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

// HTTPError is the wire form of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the envelope written for every failed request.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// InvalidRequestError marks a client input problem that has no sentinel of
// its own (bad JSON, a missing field).
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// NewInvalidRequest returns an error rendered as 400 INVALID_REQUEST.
func NewInvalidRequest(message string) error {
	return &InvalidRequestError{Message: message}
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	var invalid *InvalidRequestError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &invalid):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, jobregistry.ErrJobNotFound),
		errors.Is(err, download.ErrNoResult):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, jobregistry.ErrMalformedPayload),
		errors.Is(err, bridge.ErrMalformedPayload):
		return http.StatusBadRequest, CodeMalformedPayload
	case errors.Is(err, jobregistry.ErrInvalidJobID),
		errors.Is(err, background.ErrEmailRequired),
		errors.Is(err, remote.ErrInvalidRequest),
		errors.Is(err, download.ErrUnsupportedScheme):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, background.ErrJobNotDone):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, watch.ErrTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, remote.ErrNotFound),
		errors.Is(err, download.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, remote.ErrNotConfigured):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.Is(err, bridge.ErrRequestFailed),
		errors.Is(err, remote.ErrUnavailable),
		errors.Is(err, remote.ErrEmptyResponse):
		return http.StatusBadGateway, CodeUpstreamUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes the envelope for err. Internal errors are reported
// with a generic message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	WriteError(w, r, status, code, msg, nil)
}

// WriteError writes an error envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteEnvelope(w, status, NewEnvelope(r, code, message, details))
}

// NewEnvelope builds the envelope for a failed request. The request ID
// becomes the correlation ID and details travel as envelope context.
func NewEnvelope(r *http.Request, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := r.Header.Get(RequestIDHeader); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	if len(details) > 0 {
		if withCtx, err := env.WithContext(details); err == nil {
			env = withCtx
		}
	}
	return env
}

// WriteEnvelope encodes env with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	resp := HTTPErrorResponse{
		Error: HTTPError{
			Code:      env.Code,
			Message:   env.Message,
			Details:   env.Context,
			RequestID: env.CorrelationID,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
