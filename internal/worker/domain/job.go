package domain

import "time"

// Job is the worker's view of a job row. The row in PostgreSQL is the single
// source of truth for job state; queue messages only reference it by id.
type Job struct {
	JobID          string
	OwnerID        string
	Transformation string
	ContentType    string
	OriginalKey    string
	DerivedKey     string // empty unless state is DONE
	State          string
	AttemptCount   int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the worker must never touch the job again.
func (j *Job) Terminal() bool {
	return j.State == JobStateDone || j.State == JobStateFailed
}

// TaskMessage is the queue payload referencing a job by id. It is disposable:
// a lost or duplicated message never corrupts job state.
type TaskMessage struct {
	JobID       string `json:"job_id"`
	AttemptHint int    `json:"attempt_hint"`
	DeliveryTag uint64 `json:"-"`
}
