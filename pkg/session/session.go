// Package session owns the state of the job the operator is currently
// working with.
//
// A Session holds at most one Job. Starting a new job supersedes the
// previous one; every mutation carries the generation returned by Begin so
// late callbacks for a superseded job are rejected instead of overwriting
// the current one. Status only moves forward:
//
//	idle -> starting -> running -> {completed | failed}
//
// Session is safe for concurrent use; all writes are serialized through
// its mutex.
package session

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the lifecycle status of a Job.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusStarting:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Progress is the most recent progress snapshot applied to a job.
type Progress struct {
	Sequence int64           `json:"sequence"`
	Stage    string          `json:"stage,omitempty"`
	Percent  *float64        `json:"percent,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// Job is a snapshot of one backend-tracked analysis run.
type Job struct {
	// Generation identifies this job within the session. It increases with
	// every Begin and is the token all mutations must present.
	Generation uint64 `json:"generation"`

	ID         string     `json:"job_id,omitempty"`
	Files      []string   `json:"files"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Reason describes why the job failed, when it did.
	Reason string `json:"reason,omitempty"`

	Progress *Progress `json:"progress,omitempty"`

	// Reconnects counts progress-connection losses that were retried.
	Reconnects int `json:"reconnects"`
}

// Session is the explicitly owned job slot for one operator session.
type Session struct {
	mu      sync.Mutex
	job     *Job
	gen     uint64
	lastErr error
	now     func() time.Time
}

// New initializes an empty session.
func New() *Session {
	return &Session{now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source. Intended for tests.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Begin supersedes any current job with a new one in status starting and
// returns its snapshot. The previous job's fatal error is cleared.
func (s *Session) Begin(files []string) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.lastErr = nil
	s.job = &Job{
		Generation: s.gen,
		Files:      append([]string(nil), files...),
		Status:     StatusStarting,
		StartedAt:  s.now(),
	}
	return s.snapshotLocked()
}

// Reset drops the current job and returns the session to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.job = nil
	s.lastErr = nil
}

// Bind records the backend job id for generation gen and moves the job to
// running. It returns false if gen is stale or the job already left the
// starting status (for example because it was cancelled meanwhile).
func (s *Session) Bind(gen uint64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(gen) || s.job.Status != StatusStarting {
		return false
	}
	s.job.ID = id
	s.job.Status = StatusRunning
	return true
}

// Advance moves the job for generation gen to status. Backward moves and
// any move out of a terminal status are rejected. A move into
// StatusFailed records reason and err as the job's failure cause.
//
// Advance reports whether the status changed.
func (s *Session) Advance(gen uint64, status Status, reason string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(gen) {
		return false
	}
	cur := s.job.Status
	if cur.Terminal() || status.rank() <= cur.rank() {
		return false
	}

	s.job.Status = status
	if status.Terminal() {
		now := s.now()
		s.job.FinishedAt = &now
	}
	if status == StatusFailed {
		s.job.Reason = reason
		s.lastErr = err
	}
	return true
}

// Observe records an applied progress snapshot for generation gen. It is
// ignored once the job is terminal.
func (s *Session) Observe(gen uint64, p Progress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(gen) || s.job.Status.Terminal() {
		return false
	}
	cp := p
	s.job.Progress = &cp
	return true
}

// NoteReconnect counts a retried connection loss for generation gen.
func (s *Session) NoteReconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(gen) {
		s.job.Reconnects++
	}
}

// Current returns a snapshot of the current job.
func (s *Session) Current() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return Job{Status: StatusIdle}, false
	}
	return s.snapshotLocked(), true
}

// IsCurrent reports whether gen identifies the current job.
func (s *Session) IsCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(gen)
}

// LastError returns the most recent fatal error of the current job.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) currentLocked(gen uint64) bool {
	return s.job != nil && s.job.Generation == gen
}

func (s *Session) snapshotLocked() Job {
	j := *s.job
	j.Files = append([]string(nil), s.job.Files...)
	if s.job.FinishedAt != nil {
		t := *s.job.FinishedAt
		j.FinishedAt = &t
	}
	if s.job.Progress != nil {
		p := *s.job.Progress
		j.Progress = &p
	}
	return j
}
