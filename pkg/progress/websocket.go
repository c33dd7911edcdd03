package progress

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/websocket"
)

// WebSocketPath is the progress endpoint, relative to the backend base URL.
const WebSocketPath = "/ws/progress/"

// WebSocketSource dials the backend's progress websocket.
type WebSocketSource struct {
	base   *url.URL
	origin string
}

// NewWebSocketSource returns a source for the backend at baseURL
// (http or https). The websocket scheme is derived from it.
func NewWebSocketSource(baseURL string) (*WebSocketSource, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", baseURL, err)
	}
	origin := u.Scheme + "://" + u.Host
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		origin = strings.Replace(origin, "ws", "http", 1)
	default:
		return nil, fmt.Errorf("invalid backend url %q: unsupported scheme", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: no host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &WebSocketSource{base: u, origin: origin}, nil
}

// URL returns the websocket address for jobID. An after of NoSequence
// requests the stream from the start.
func (s *WebSocketSource) URL(jobID string, after int64) string {
	u := *s.base
	u.Path = s.base.Path + WebSocketPath + url.PathEscape(jobID)
	u.RawPath = ""
	if after >= 0 {
		q := u.Query()
		q.Set("after", strconv.FormatInt(after, 10))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Connect implements Source.
func (s *WebSocketSource) Connect(ctx context.Context, jobID string, after int64) (Stream, error) {
	cfg, err := websocket.NewConfig(s.URL(jobID, after), s.origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial progress websocket: %w", err)
	}
	ws := &wsStream{conn: conn}
	ws.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return ws, nil
}

type wsStream struct {
	conn *websocket.Conn
	stop func() bool
}

func (s *wsStream) Next(ctx context.Context) (Event, error) {
	for {
		var frame []byte
		if err := websocket.Message.Receive(s.conn, &frame); err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, err
		}
		if len(strings.TrimSpace(string(frame))) == 0 {
			continue
		}
		ev, err := ParseEvent(frame)
		if err != nil {
			// A malformed frame does not mean the connection is gone.
			continue
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error {
	if !s.stop() {
		// The context already closed the connection.
		return nil
	}
	return s.conn.Close()
}
