// Package joblog decodes job log bodies returned by the backend.
//
// The backend writes two line formats: structured JSON lines and
// human-readable console lines of the form
//
//	2026-01-19 12:00:00 | INFO     | parser.load:42 - message
//
// A log body may arrive as plain text, a JSON string, a JSON array of
// lines, or an object wrapping one of those. Decode accepts all of them.
package joblog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong is returned when a line exceeds the decoder's limit.
var ErrLineTooLong = errors.New("log line exceeds max bytes")

// Entry is one decoded log line.
type Entry struct {
	Time    time.Time      `json:"time,omitempty"`
	Level   string         `json:"level,omitempty"`
	Source  string         `json:"source,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`

	// Raw is the line as received.
	Raw string `json:"-"`
}

// Decoder reads log entries line by line. Blank lines are skipped.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Next returns the next non-blank entry, or io.EOF.
func (d *Decoder) Next() (Entry, error) {
	for {
		line, err := readLineLimited(d.r, d.maxLineBytes)
		if err != nil {
			return Entry{}, err
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return ParseLine(string(line)), nil
	}
}

// Decode turns a log response body into entries.
func Decode(body []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return decodeText(trimmed)
	}

	res := gjson.ParseBytes(trimmed)
	switch {
	case res.Type == gjson.String:
		return decodeText([]byte(res.String()))
	case res.IsArray():
		var out []Entry
		for _, item := range res.Array() {
			if item.Type == gjson.String {
				entries, err := decodeText([]byte(item.String()))
				if err != nil {
					return nil, err
				}
				out = append(out, entries...)
				continue
			}
			out = append(out, ParseLine(item.Raw))
		}
		return out, nil
	case res.IsObject():
		for _, key := range []string{"lines", "log", "logs", "content", "text"} {
			if v := res.Get(key); v.Exists() {
				return Decode([]byte(v.Raw))
			}
		}
		return []Entry{ParseLine(res.Raw)}, nil
	default:
		return decodeText(trimmed)
	}
}

func decodeText(b []byte) ([]Entry, error) {
	d := NewDecoder(bytes.NewReader(b))
	var out []Entry
	for {
		e, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// ParseLine decodes a single log line. Lines in neither known format are
// returned with only Message and Raw set.
func ParseLine(line string) Entry {
	e := Entry{Raw: line, Message: strings.TrimSpace(line)}
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return fromJSON(line, m)
		}
	}

	// ts | LEVEL | source - message
	parts := strings.SplitN(trimmed, " | ", 3)
	if len(parts) != 3 {
		return e
	}
	ts, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(parts[0]))
	if err != nil {
		return e
	}
	e.Time = ts
	e.Level = strings.ToUpper(strings.TrimSpace(parts[1]))
	rest := parts[2]
	if src, msg, ok := strings.Cut(rest, " - "); ok {
		e.Source = strings.TrimSpace(src)
		e.Message = strings.TrimSpace(msg)
	} else {
		e.Message = strings.TrimSpace(rest)
	}
	return e
}

var jsonTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05",
}

func fromJSON(raw string, m map[string]any) Entry {
	e := Entry{Raw: raw}

	if s, ok := popString(m, "timestamp", "time", "ts"); ok {
		for _, layout := range jsonTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				e.Time = t
				break
			}
		}
	}
	if s, ok := popString(m, "level", "levelname"); ok {
		e.Level = strings.ToUpper(s)
	}
	if s, ok := popString(m, "message", "msg"); ok {
		e.Message = s
	}

	module, _ := popString(m, "module")
	function, _ := popString(m, "function")
	line, hasLine := m["line"].(float64)
	delete(m, "line")
	switch {
	case module != "" && function != "":
		e.Source = module + "." + function
	case module != "":
		e.Source = module
	}
	if e.Source != "" && hasLine {
		e.Source += ":" + formatLine(line)
	}

	if len(m) > 0 {
		e.Fields = m
	}
	return e
}

func popString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			delete(m, k)
			return v, true
		}
	}
	return "", false
}

func formatLine(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}

// FilterLevel returns entries at or above minLevel. Entries without a
// level are kept.
func FilterLevel(entries []Entry, minLevel string) []Entry {
	threshold := levelRank(minLevel)
	if threshold <= 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Level == "" || levelRank(e.Level) >= threshold {
			out = append(out, e)
		}
	}
	return out
}

func levelRank(level string) int {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return 1
	case "DEBUG":
		return 2
	case "INFO":
		return 3
	case "SUCCESS":
		return 4
	case "WARN", "WARNING":
		return 5
	case "ERROR":
		return 6
	case "CRITICAL", "FATAL":
		return 7
	default:
		return 0
	}
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, ErrLineTooLong
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
