package dto

type SubmitResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type StatusResponse struct {
	JobID        string  `json:"job_id"`
	State        string  `json:"state"`
	DerivedKey   *string `json:"derived_key,omitempty"`
	LastError    *string `json:"last_error,omitempty"`
	AttemptCount int     `json:"attempt_count"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type HistoryRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type HistoryResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string  `json:"job_id"`
	Transformation string  `json:"transformation"`
	State          string  `json:"state"`
	DerivedKey     *string `json:"derived_key,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}
