package progress

import (
	"bytes"
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval is the spacing between progress requests.
const DefaultPollInterval = time.Second

// ProgressFetcher returns the current progress snapshot of a job.
type ProgressFetcher interface {
	Progress(ctx context.Context, jobID string) ([]byte, error)
}

// PollSource turns the backend's progress snapshot endpoint into a stream.
//
// Snapshots carry no sequence, so they are ordered by receipt. A snapshot
// identical to the previous one is not delivered again.
type PollSource struct {
	fetcher  ProgressFetcher
	interval time.Duration
}

// NewPollSource returns a source that polls f every interval.
func NewPollSource(f ProgressFetcher, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollSource{fetcher: f, interval: interval}
}

// Connect implements Source. The first snapshot is fetched immediately.
func (s *PollSource) Connect(_ context.Context, jobID string, _ int64) (Stream, error) {
	return &pollStream{
		fetcher: s.fetcher,
		jobID:   jobID,
		limiter: rate.NewLimiter(rate.Every(s.interval), 1),
	}, nil
}

type pollStream struct {
	fetcher ProgressFetcher
	jobID   string
	limiter *rate.Limiter
	last    []byte
}

func (p *pollStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return Event{}, err
		}
		body, err := p.fetcher.Progress(ctx, p.jobID)
		if err != nil {
			return Event{}, err
		}
		body = bytes.TrimSpace(body)
		if bytes.Equal(body, p.last) {
			continue
		}
		ev, err := ParseEvent(body)
		if err != nil {
			return Event{}, err
		}
		p.last = append(p.last[:0], body...)
		return ev, nil
	}
}

func (p *pollStream) Close() error {
	return nil
}
