package jobregistry

import "time"

// JobState is the last known lifecycle state of a recorded job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract. They match the session status names.
type JobState string

const (
	JobStateStarting  JobState = "starting"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ProgressSummary is the last progress snapshot seen for a job.
type ProgressSummary struct {
	Sequence int64    `json:"sequence"`
	Stage    string   `json:"stage,omitempty"`
	Percent  *float64 `json:"percent,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID      string    `json:"job_id"`
	State      JobState  `json:"state"`
	Files      []string  `json:"files"`
	BackendURL string    `json:"backend_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	StartedAt  *time.Time       `json:"started_at,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Reconnects int              `json:"reconnects,omitempty"`
	Progress   *ProgressSummary `json:"progress,omitempty"`
}
