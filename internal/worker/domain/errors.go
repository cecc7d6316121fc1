package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when the conditional claim loses the
	// race against another worker. It is an expected outcome, not a fault.
	ErrJobAlreadyClaimed = errors.New("job already claimed by another worker")

	// ErrUnsupportedFormat is returned for image formats or transformation
	// names the pipeline does not handle. Retrying cannot change the outcome.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrCorruptInput is returned when the original blob cannot be decoded
	ErrCorruptInput = errors.New("corrupt image data")

	// ErrTransformTimeout is returned when a transformation exceeds its
	// deadline. Treated as transient.
	ErrTransformTimeout = errors.New("transformation timed out")

	// ErrMaxAttemptsExceeded is returned when a job has spent its attempt budget
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

// RetryableError wraps transient errors that should keep the queue message
// alive for redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should trigger a requeue instead of a
// terminal acknowledgement.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsDataError reports whether err is caused by the payload itself, meaning
// further attempts are pointless.
func IsDataError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCorruptInput)
}
