package domain

// Job state constants
const (
	JobStatePending    = "PENDING"
	JobStateProcessing = "PROCESSING"
	JobStateDone       = "DONE"
	JobStateFailed     = "FAILED"
)

// Transformation names accepted by the pipeline
const (
	TransformationRotated = "rotated"
	TransformationGray    = "gray"
	TransformationScaled  = "scaled"
)

// DefaultMaxAttempts is the processing attempt budget when config does not override it.
const DefaultMaxAttempts = 3
