package domain

import (
	"errors"
)

const (
	JobStatePending    = "PENDING"
	JobStateProcessing = "PROCESSING"
	JobStateDone       = "DONE"
	JobStateFailed     = "FAILED"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidInput covers client-caused rejections: disallowed content
	// type, unknown transformation, oversized or empty payload. Submissions
	// rejected with it have performed no side effects.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageUnavailable is returned when the object store rejects the
	// original blob; the submission aborts before any job row or queue write.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrForbidden is returned when a principal reads another owner's job
	ErrForbidden = errors.New("forbidden")

	// ErrJobNotReady is returned when a derived blob is requested before the
	// job reaches DONE
	ErrJobNotReady = errors.New("job not ready")
)
