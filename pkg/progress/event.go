package progress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/racklens/pkg/session"
)

// Event is one progress update pushed by the backend.
//
// Sequence is the ordering key. Frames without an upstream sequence are
// ordered by receipt; the Channel fills Sequence in before handing the
// event to its Handler, and sets HasSequence to report which case applied.
type Event struct {
	Sequence    int64
	HasSequence bool

	// Status is the normalized job status this event implies.
	Status session.Status

	// RawStatus is the backend's own status or stage word.
	RawStatus string

	Stage   string
	Percent *float64
	Detail  string
	Error   string

	// Payload is the frame exactly as received.
	Payload json.RawMessage
}

// Progress converts the event into the snapshot stored on the session job.
func (e Event) Progress() session.Progress {
	p := session.Progress{
		Sequence: e.Sequence,
		Stage:    e.Stage,
		Detail:   e.Detail,
		Payload:  append(json.RawMessage(nil), e.Payload...),
	}
	if e.Percent != nil {
		v := *e.Percent
		p.Percent = &v
	}
	return p
}

// wireEvent covers the frame shapes the backend is known to emit:
// {sequence?, status?, stage?, percent?|progress?, detail?|info?|msg?, error?, done?}.
type wireEvent struct {
	Sequence *int64   `json:"sequence"`
	Seq      *int64   `json:"seq"`
	Status   string   `json:"status"`
	Stage    string   `json:"stage"`
	Percent  *float64 `json:"percent"`
	Progress *float64 `json:"progress"`
	Detail   string   `json:"detail"`
	Info     string   `json:"info"`
	Msg      string   `json:"msg"`
	Message  string   `json:"message"`
	Error    string   `json:"error"`
	Done     bool     `json:"done"`
}

// ParseEvent decodes one progress frame.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode progress event: %w", err)
	}

	ev := Event{
		Stage:   strings.TrimSpace(w.Stage),
		Error:   strings.TrimSpace(w.Error),
		Payload: append(json.RawMessage(nil), data...),
	}

	switch {
	case w.Sequence != nil:
		ev.Sequence, ev.HasSequence = *w.Sequence, true
	case w.Seq != nil:
		ev.Sequence, ev.HasSequence = *w.Seq, true
	}

	switch {
	case w.Percent != nil:
		ev.Percent = w.Percent
	case w.Progress != nil:
		ev.Percent = w.Progress
	}

	for _, s := range []string{w.Detail, w.Info, w.Msg, w.Message} {
		if s = strings.TrimSpace(s); s != "" {
			ev.Detail = s
			break
		}
	}

	ev.RawStatus = strings.TrimSpace(w.Status)
	if ev.RawStatus == "" {
		ev.RawStatus = ev.Stage
	}
	ev.Status = NormalizeStatus(ev.RawStatus)
	switch {
	case ev.Error != "":
		ev.Status = session.StatusFailed
	case w.Done && ev.Status != session.StatusFailed:
		ev.Status = session.StatusCompleted
	}
	return ev, nil
}

// NormalizeStatus maps a backend status or stage word to a job status.
// Unknown and in-progress words map to running.
func NormalizeStatus(s string) session.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "success", "succeeded", "finished", "done":
		return session.StatusCompleted
	case "failed", "failure", "error", "cancelled", "canceled":
		return session.StatusFailed
	default:
		return session.StatusRunning
	}
}
