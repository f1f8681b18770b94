package jobregistry

import "errors"

var (
	// ErrMalformedPayload indicates a payload without a usable job ID.
	ErrMalformedPayload = errors.New("malformed payload: missing job ID")

	// ErrJobNotFound indicates the job is not in the registry.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJobID indicates a job ID that cannot be used as a directory name.
	ErrInvalidJobID = errors.New("invalid job ID")
)

// IsMalformedPayload returns true if err is or wraps ErrMalformedPayload.
func IsMalformedPayload(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}

// IsNotFound returns true if err is or wraps ErrJobNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
