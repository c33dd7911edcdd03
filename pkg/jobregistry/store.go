package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/racklens/pkg/session"
)

var (
	// ErrNotFound is returned when no record matches a job id.
	ErrNotFound = errors.New("job not found")

	// ErrAmbiguousID is returned by Resolve when a prefix matches more
	// than one record.
	ErrAmbiguousID = errors.New("job id prefix is ambiguous")
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root       string
	backendURL string
	now        func() time.Time

	// mu serializes read-modify-write in Save.
	mu sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{
		root: strings.TrimSpace(root),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the record time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithBackendURL sets the backend address stamped on records written by Save.
func (s *Store) WithBackendURL(u string) *Store {
	s.backendURL = strings.TrimSpace(u)
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// validateJobID rejects ids that cannot be used as a directory name.
// Backend job ids are opaque, so this is checked before touching disk.
func validateJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) || strings.ContainsRune(jobID, 0) {
		return fmt.Errorf("job_id %q is not a valid directory name", jobID)
	}
	return nil
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if err := validateJobID(jobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	if record.State == "" {
		record.State = JobStateUnknown
	}
	return &record, nil
}

func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})

	return out, nil
}

// Resolve maps a full job id or an unambiguous prefix to a recorded job id.
func (s *Store) Resolve(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := s.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := s.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("%w (%d matches); use the full job_id", ErrAmbiguousID, len(matches))
	}
	return matches[0], nil
}

// Save records a session job snapshot. Jobs the backend never assigned an
// id to are not recorded.
func (s *Store) Save(job session.Job) error {
	if job.ID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(job.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		rec = &JobRecord{JobID: job.ID, CreatedAt: s.now()}
	}

	rec.State = JobState(job.Status)
	rec.Files = append([]string(nil), job.Files...)
	if s.backendURL != "" {
		rec.BackendURL = s.backendURL
	}
	started := job.StartedAt
	rec.StartedAt = &started
	rec.EndedAt = job.FinishedAt
	rec.Reason = job.Reason
	rec.Reconnects = job.Reconnects
	if p := job.Progress; p != nil {
		rec.Progress = &ProgressSummary{
			Sequence: p.Sequence,
			Stage:    p.Stage,
			Percent:  p.Percent,
			Detail:   p.Detail,
		}
	}
	rec.UpdatedAt = s.now()
	return s.Write(rec)
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}
