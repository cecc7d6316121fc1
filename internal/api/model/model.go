package model

import "time"

type Job struct {
	JobID          string    `db:"job_id"`
	OwnerID        string    `db:"owner_id"`
	Transformation string    `db:"transformation"`
	ContentType    string    `db:"content_type"`
	OriginalKey    string    `db:"original_key"`
	DerivedKey     *string   `db:"derived_key"`
	State          string    `db:"state"`
	AttemptCount   int       `db:"attempt_count"`
	LastError      *string   `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
