// Package output provides JSONL output for job and result records.
//
// Output is structured as typed record envelopes containing job
// snapshots, progress updates, results, and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: racklens.<type>.v<version>
const (
	// TypeFile identifies backend input file listings.
	TypeFile = "racklens.file.v1"

	// TypeJob identifies job snapshot records.
	TypeJob = "racklens.job.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "racklens.progress.v1"

	// TypeResult identifies fetched result documents.
	TypeResult = "racklens.result.v1"

	// TypeError identifies error records.
	TypeError = "racklens.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "racklens.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "racklens.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the backend job id, empty until the backend assigned one.
	JobID string `json:"job_id"`

	// Backend identifies the backend host the record came from.
	Backend string `json:"backend"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// FileRecord is the data payload for one analyzable input file.
type FileRecord struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size,omitempty"`
	SizeMB   float64 `json:"size_mb,omitempty"`
	Modified string  `json:"modified,omitempty"`
	Path     string  `json:"path,omitempty"`
}

// JobRecord is the data payload for a job snapshot.
type JobRecord struct {
	Status     string     `json:"status"`
	Files      []string   `json:"files"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Reason is set for failed jobs.
	Reason string `json:"reason,omitempty"`

	// Reconnects counts retried progress connection losses.
	Reconnects int `json:"reconnects,omitempty"`
}

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted for every applied progress event while a
// job is followed.
type ProgressRecord struct {
	Sequence int64    `json:"sequence"`
	Status   string   `json:"status"`
	Stage    string   `json:"stage,omitempty"`
	Percent  *float64 `json:"percent,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// ResultRecord is the data payload for a fetched result document.
type ResultRecord struct {
	// Scope is the hierarchy path, e.g. "overview" or "rack/2".
	Scope string `json:"scope"`

	FetchedAt time.Time `json:"fetched_at"`

	// Result is the backend document, verbatim.
	Result json.RawMessage `json:"result"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire command,
// allowing partial results when some fetches fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Scope is the result path related to this error, if applicable.
	Scope string `json:"scope,omitempty"`

	// Status is the backend HTTP status, if one was received.
	Status int `json:"status,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeValidation indicates invalid input.
	ErrCodeValidation = "VALIDATION"

	// ErrCodeJobStart indicates the backend rejected job creation.
	ErrCodeJobStart = "JOB_START"

	// ErrCodeChannelLost indicates the progress connection was lost for good.
	ErrCodeChannelLost = "CHANNEL_LOST"

	// ErrCodeJobFailed indicates the backend reported the job as failed.
	ErrCodeJobFailed = "JOB_FAILED"

	// ErrCodeCancelled indicates the job was cancelled locally.
	ErrCodeCancelled = "CANCELLED"

	// ErrCodeNotFound indicates the job or result was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeUnavailable indicates the backend could not be reached.
	ErrCodeUnavailable = "UNAVAILABLE"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted when a followed job reaches a terminal
// status.
type SummaryRecord struct {
	Status string `json:"status"`

	// LastSequence is the sequence of the last applied progress event.
	LastSequence int64 `json:"last_sequence"`

	// ProgressRecords is the number of progress records emitted.
	ProgressRecords int `json:"progress_records"`

	Reconnects int `json:"reconnects"`

	// Duration is the wall time from start to terminal status.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Reason string `json:"reason,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
