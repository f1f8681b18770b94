package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the service does not know the job.
	ErrNotFound = errors.New("remote: job not found")

	// ErrUnavailable indicates the service could not be reached or kept
	// failing after retries.
	ErrUnavailable = errors.New("remote: service unavailable")

	// ErrEmptyResponse indicates a command that must return a status
	// returned nothing.
	ErrEmptyResponse = errors.New("remote: empty response")

	// ErrInvalidRequest indicates the request was rejected as invalid,
	// locally or by the service.
	ErrInvalidRequest = errors.New("remote: invalid request")

	// ErrNotConfigured is returned by callers that have no service URL.
	ErrNotConfigured = errors.New("remote: service URL not configured")
)

// RemoteError describes a failed command call.
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
