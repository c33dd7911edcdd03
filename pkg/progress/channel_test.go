package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/racklens/pkg/session"
)

var errDisconnect = errors.New("connection reset")

// script is one fake connection: events are delivered in order, then err
// is returned. A nil err after the events blocks until the context ends.
type script struct {
	dialErr error
	events  []Event
	err     error
}

type fakeSource struct {
	mu      sync.Mutex
	scripts []script
	afters  []int64
}

func (f *fakeSource) Connect(ctx context.Context, _ string, after int64) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, after)
	if len(f.scripts) == 0 {
		return nil, errDisconnect
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	return &fakeStream{events: s.events, err: s.err}, nil
}

func (f *fakeSource) connects() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.afters...)
}

type fakeStream struct {
	events []Event
	err    error
}

func (s *fakeStream) Next(ctx context.Context) (Event, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.err != nil {
		return Event{}, s.err
	}
	<-ctx.Done()
	return Event{}, ctx.Err()
}

func (s *fakeStream) Close() error { return nil }

type recorder struct {
	mu      sync.Mutex
	applied []int64
	status  []session.Status
	lost    []int
	closed  []error
}

func (r *recorder) handler() Handler {
	return Handler{
		OnEvent: func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.applied = append(r.applied, ev.Sequence)
			r.status = append(r.status, ev.Status)
		},
		OnConnectionLost: func(attempt int, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lost = append(r.lost, attempt)
		},
		OnClosed: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed = append(r.closed, err)
		},
	}
}

func (r *recorder) snapshot() (applied []int64, lost []int, closed []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.applied...), append([]int(nil), r.lost...), append([]error(nil), r.closed...)
}

func seqEvent(seq int64, status session.Status) Event {
	return Event{Sequence: seq, HasSequence: true, Status: status, RawStatus: string(status)}
}

func testConfig() Config {
	return Config{MaxReconnectAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func waitDone(t *testing.T, c *Channel) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("channel did not finish; state=%s", c.State())
	}
}

func TestChannel_StaleEventsDropped(t *testing.T) {
	src := &fakeSource{scripts: []script{{events: []Event{
		seqEvent(1, session.StatusRunning),
		seqEvent(3, session.StatusRunning),
		seqEvent(2, session.StatusRunning),
		seqEvent(4, session.StatusCompleted),
	}}}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	assert.Equal(t, StateConnecting, ch.State())

	ch.Open(context.Background())
	waitDone(t, ch)

	applied, lost, closed := rec.snapshot()
	assert.Equal(t, []int64{1, 3, 4}, applied)
	assert.Empty(t, lost)
	require.Len(t, closed, 1)
	assert.NoError(t, closed[0])
	assert.Equal(t, StateClosedNormal, ch.State())
	assert.Equal(t, int64(4), ch.LastApplied())
	assert.NoError(t, ch.Err())
}

func TestChannel_DuplicateEventAppliedOnce(t *testing.T) {
	src := &fakeSource{scripts: []script{{events: []Event{
		seqEvent(1, session.StatusRunning),
		seqEvent(1, session.StatusRunning),
		seqEvent(2, session.StatusCompleted),
	}}}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, _, _ := rec.snapshot()
	assert.Equal(t, []int64{1, 2}, applied)
}

func TestChannel_TerminalEventClosesNormally(t *testing.T) {
	// The trailing events would block if the channel kept reading.
	src := &fakeSource{scripts: []script{{events: []Event{
		seqEvent(1, session.StatusFailed),
		seqEvent(2, session.StatusRunning),
	}}}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, _, closed := rec.snapshot()
	assert.Equal(t, []int64{1}, applied)
	assert.Equal(t, []error{nil}, closed)
	assert.Equal(t, StateClosedNormal, ch.State())
}

func TestChannel_ReceiptOrderWithoutSequence(t *testing.T) {
	src := &fakeSource{scripts: []script{{events: []Event{
		{Status: session.StatusRunning},
		{Status: session.StatusRunning},
		{Status: session.StatusCompleted},
	}}}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, _, _ := rec.snapshot()
	assert.Equal(t, []int64{1, 2, 3}, applied)
}

func TestChannel_ExhaustedReconnectsAreFatal(t *testing.T) {
	src := &fakeSource{scripts: []script{
		{err: errDisconnect},
		{err: errDisconnect},
		{err: errDisconnect},
		{err: errDisconnect},
	}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	_, lost, closed := rec.snapshot()
	assert.Equal(t, []int{1, 2, 3}, lost)
	require.Len(t, closed, 1)

	var cle *ChannelLostError
	require.ErrorAs(t, closed[0], &cle)
	assert.Equal(t, "J1", cle.JobID)
	assert.Equal(t, 3, cle.Attempts)
	assert.ErrorIs(t, closed[0], errDisconnect)
	assert.ErrorIs(t, closed[0], ErrConnectionLost)

	assert.Equal(t, StateClosedError, ch.State())
	assert.ErrorAs(t, ch.Err(), &cle)
	assert.Len(t, src.connects(), 4)
}

func TestChannel_DialFailuresCountAsDisconnects(t *testing.T) {
	src := &fakeSource{scripts: []script{
		{dialErr: errDisconnect},
		{events: []Event{seqEvent(1, session.StatusCompleted)}},
	}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, lost, closed := rec.snapshot()
	assert.Equal(t, []int64{1}, applied)
	assert.Equal(t, []int{1}, lost)
	assert.Equal(t, []error{nil}, closed)
}

func TestChannel_NoReconnectWhenBudgetIsZero(t *testing.T) {
	src := &fakeSource{scripts: []script{{err: errDisconnect}}}
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	ch := New("J1", src, cfg, rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	_, lost, closed := rec.snapshot()
	assert.Empty(t, lost)
	require.Len(t, closed, 1)
	var cle *ChannelLostError
	assert.ErrorAs(t, closed[0], &cle)
}

func TestChannel_ReconnectCarriesLastApplied(t *testing.T) {
	src := &fakeSource{scripts: []script{
		{events: []Event{seqEvent(1, session.StatusRunning), seqEvent(2, session.StatusRunning)}, err: errDisconnect},
		{events: []Event{
			seqEvent(1, session.StatusRunning),
			seqEvent(2, session.StatusRunning),
			seqEvent(3, session.StatusCompleted),
		}},
	}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, lost, _ := rec.snapshot()
	assert.Equal(t, []int64{1, 2, 3}, applied)
	assert.Equal(t, []int{1}, lost)
	assert.Equal(t, []int64{NoSequence, 2}, src.connects())
}

func TestChannel_FirstEventWithSequenceZero(t *testing.T) {
	src := &fakeSource{scripts: []script{
		{events: []Event{seqEvent(0, session.StatusRunning)}, err: errDisconnect},
		{events: []Event{
			seqEvent(0, session.StatusRunning),
			seqEvent(1, session.StatusCompleted),
		}},
	}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, lost, closed := rec.snapshot()
	assert.Equal(t, []int64{0, 1}, applied)
	assert.Equal(t, []int{1}, lost)
	assert.Equal(t, []error{nil}, closed)
	assert.Equal(t, StateClosedNormal, ch.State())
	assert.Equal(t, int64(1), ch.LastApplied())
	assert.Equal(t, []int64{NoSequence, 0}, src.connects())
}

func TestChannel_AppliedEventResetsReconnectBudget(t *testing.T) {
	src := &fakeSource{scripts: []script{
		{err: errDisconnect},
		{err: errDisconnect},
		{err: errDisconnect},
		{events: []Event{seqEvent(1, session.StatusRunning)}, err: errDisconnect},
		{err: errDisconnect},
		{err: errDisconnect},
		{events: []Event{seqEvent(2, session.StatusCompleted)}},
	}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())
	waitDone(t, ch)

	applied, lost, closed := rec.snapshot()
	assert.Equal(t, []int64{1, 2}, applied)
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, lost)
	assert.Equal(t, []error{nil}, closed)
	assert.Equal(t, StateClosedNormal, ch.State())
}

func TestChannel_CloseWhileOpen(t *testing.T) {
	src := &fakeSource{scripts: []script{{events: []Event{seqEvent(1, session.StatusRunning)}}}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ch.Open(context.Background())

	require.Eventually(t, func() bool { return ch.LastApplied() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, ch.State())

	ch.Close()
	assert.Equal(t, StateClosedNormal, ch.State())
	waitDone(t, ch)
	ch.Close()

	_, _, closed := rec.snapshot()
	assert.Empty(t, closed)
	assert.Equal(t, StateClosedNormal, ch.State())
	assert.NoError(t, ch.Err())
}

func TestChannel_CloseBeforeOpen(t *testing.T) {
	src := &fakeSource{}
	ch := New("J1", src, testConfig(), Handler{}, nil)
	ch.Close()
	ch.Close()
	waitDone(t, ch)

	ch.Open(context.Background())
	assert.Equal(t, StateClosedNormal, ch.State())
	assert.Empty(t, src.connects())
}

func TestChannel_ApplyAfterCloseIsNoop(t *testing.T) {
	rec := &recorder{}
	ch := New("J1", &fakeSource{}, testConfig(), rec.handler(), nil)
	applied, _ := ch.apply(seqEvent(1, session.StatusRunning))
	require.True(t, applied)

	ch.Close()
	applied, terminal := ch.apply(seqEvent(2, session.StatusCompleted))
	assert.False(t, applied)
	assert.False(t, terminal)
	assert.Equal(t, int64(1), ch.LastApplied())
}

func TestChannel_ParentContextCancel(t *testing.T) {
	src := &fakeSource{scripts: []script{{}}}
	rec := &recorder{}
	ch := New("J1", src, testConfig(), rec.handler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch.Open(ctx)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	cancel()
	waitDone(t, ch)
	assert.Equal(t, StateClosedNormal, ch.State())
	_, lost, _ := rec.snapshot()
	assert.Empty(t, lost)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed-normal", StateClosedNormal.String())
	assert.Equal(t, "closed-error", StateClosedError.String())
}
