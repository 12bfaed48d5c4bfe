package entity

import "time"

type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job tracks a transfer deferred to a background worker.
type Job struct {
	Id        string        `json:"job_id"`
	Status    JobStatus     `json:"status"`
	URL       string        `json:"result_url,omitempty"`
	Error     string        `json:"error,omitempty"`
	Request   UploadRequest `json:"request"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
