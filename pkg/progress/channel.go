// Package progress maintains the live progress connection for one job.
//
// A Channel is an explicit state machine:
//
//	connecting -> open -> {closed-normal | closed-error}
//
// It pulls events from an injectable Source, drops any event whose
// sequence is not greater than the last applied one, and reports applied
// events, retryable connection losses and the final close through a
// Handler. Dropped connections are re-established up to
// Config.MaxReconnectAttempts times in a row, carrying the last applied
// sequence forward so replayed events are dropped by the same rule.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosedNormal
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedNormal:
		return "closed-normal"
	case StateClosedError:
		return "closed-error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stream is one established connection delivering events in receipt order.
//
// Next blocks until an event arrives, the connection fails, or ctx ends.
// Any error ends the stream.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// NoSequence is passed to Source.Connect before any event has been applied.
const NoSequence int64 = -1

// Source establishes progress connections. after is the last applied
// sequence, or NoSequence; sources that support replay may use it to skip
// old events.
type Source interface {
	Connect(ctx context.Context, jobID string, after int64) (Stream, error)
}

// Handler receives channel notifications. All callbacks run on the
// channel's goroutine, one at a time. Nil callbacks are skipped.
type Handler struct {
	// OnEvent is called for every applied event, with Sequence resolved.
	OnEvent func(Event)

	// OnConnectionLost is called when the connection drops before a
	// terminal event and a reconnect will be attempted. err wraps
	// ErrConnectionLost.
	OnConnectionLost func(attempt int, err error)

	// OnClosed is called once when the channel closes on its own: with nil
	// after a terminal event, or with a *ChannelLostError when the
	// reconnect budget is exhausted. It is not called after Close.
	OnClosed func(err error)
}

// Config controls reconnect behavior.
type Config struct {
	// MaxReconnectAttempts bounds consecutive reconnects after connection
	// loss. Zero disables reconnecting. Default: 3.
	MaxReconnectAttempts int

	// InitialInterval is the first reconnect delay. Default: 250ms.
	InitialInterval time.Duration

	// MaxInterval caps the reconnect delay. Default: 5s.
	MaxInterval time.Duration
}

// DefaultConfig returns the default reconnect configuration.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		InitialInterval:      250 * time.Millisecond,
		MaxInterval:          5 * time.Second,
	}
}

// Channel is the progress connection of one job.
type Channel struct {
	jobID   string
	src     Source
	cfg     Config
	handler Handler
	log     *zap.Logger

	mu          sync.Mutex
	state       State
	lastApplied int64
	hasApplied  bool
	started     bool
	closed      bool
	cancel      context.CancelFunc
	err         error
	done        chan struct{}
}

// New returns a Channel for jobID in state connecting. Nothing is dialed
// until Open.
func New(jobID string, src Source, cfg Config, h Handler, log *zap.Logger) *Channel {
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	if cfg.InitialInterval < 0 {
		cfg.InitialInterval = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		jobID:   jobID,
		src:     src,
		cfg:     cfg,
		handler: h,
		log:     log.With(zap.String("job_id", jobID)),
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// JobID returns the job this channel follows.
func (c *Channel) JobID() string {
	return c.jobID
}

// Open starts the connection loop. It returns immediately; progress is
// reported through the Handler. Open on a closed or already opened channel
// is a no-op.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close releases the connection and moves the channel to closed-normal
// regardless of its current state. It is idempotent and does not wait for
// the connection goroutine to exit; use Done for that.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosedNormal
	c.err = nil
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		close(c.done)
	}
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastApplied returns the sequence of the last applied event, or zero.
func (c *Channel) LastApplied() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied
}

// resumeAfter returns the sequence a new connection resumes after.
func (c *Channel) resumeAfter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasApplied {
		return NoSequence
	}
	return c.lastApplied
}

// Done is closed once the channel has reached a final state and its
// goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal error once Done is closed: a *ChannelLostError, or
// nil for a normal close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		err := c.connectAndConsume(ctx, &failures, bo)
		if err == nil {
			c.finish(StateClosedNormal, nil)
			return
		}
		if ctx.Err() != nil {
			// Closed by Close or by the parent context.
			c.finish(StateClosedNormal, nil)
			return
		}

		failures++
		if failures > c.cfg.MaxReconnectAttempts {
			lost := &ChannelLostError{JobID: c.jobID, Attempts: failures - 1, Err: err}
			c.log.Warn("Progress channel lost",
				zap.Int("attempts", failures-1),
				zap.Error(err))
			c.finish(StateClosedError, lost)
			return
		}

		if !c.transition(StateClosedError) {
			return
		}
		c.log.Debug("Progress connection lost, reconnecting",
			zap.Int("attempt", failures),
			zap.Error(err))
		if cb := c.handler.OnConnectionLost; cb != nil {
			cb(failures, fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.MaxInterval
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.finish(StateClosedNormal, nil)
			return
		case <-t.C:
		}
		if !c.transition(StateConnecting) {
			return
		}
	}
}

// connectAndConsume runs one connection. It returns nil after a terminal
// event and the connection error otherwise.
func (c *Channel) connectAndConsume(ctx context.Context, failures *int, bo backoff.BackOff) error {
	stream, err := c.src.Connect(ctx, c.jobID, c.resumeAfter())
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	if !c.transition(StateOpen) {
		return context.Canceled
	}

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		applied, terminal := c.apply(ev)
		if applied {
			*failures = 0
			bo.Reset()
		}
		if terminal {
			return nil
		}
	}
}

// apply validates ev against the last applied sequence and, if it is new,
// records it and notifies the handler. It reports whether ev was applied
// and whether it was terminal.
func (c *Channel) apply(ev Event) (applied, terminal bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, false
	}
	if !ev.HasSequence {
		ev.Sequence = c.lastApplied + 1
	}
	if c.hasApplied && ev.Sequence <= c.lastApplied {
		last := c.lastApplied
		c.mu.Unlock()
		c.log.Debug("Dropping stale progress event",
			zap.Int64("sequence", ev.Sequence),
			zap.Int64("last_applied", last))
		return false, false
	}
	c.lastApplied = ev.Sequence
	c.hasApplied = true
	c.mu.Unlock()

	if cb := c.handler.OnEvent; cb != nil {
		cb(ev)
	}
	return true, ev.Status.Terminal()
}

// transition moves to next unless the channel was closed. It reports
// whether the move happened.
func (c *Channel) transition(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.state = next
	return true
}

func (c *Channel) finish(state State, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = state
	c.err = err
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cb := c.handler.OnClosed; cb != nil {
		cb(err)
	}
}
