// Package backend is the HTTP client for the analysis backend.
//
// It covers the REST surface racklens needs: file listing, job start and
// cancel, progress snapshots, the overview/rack/cell result endpoints and
// the job log. Result bodies are returned verbatim; their schema belongs to
// the backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the address of a locally running backend.
	DefaultBaseURL = "http://127.0.0.1:8001"

	// DefaultTimeout bounds each request.
	DefaultTimeout = 20 * time.Second

	// RequestIDHeader carries a per-request correlation id.
	RequestIDHeader = "X-Request-ID"

	// DefaultMaxBodyBytes caps a response body.
	DefaultMaxBodyBytes = 64 << 20

	maxErrorMessageBytes = 512
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend address, e.g. http://127.0.0.1:8001 or
	// https://host/api when the backend is mounted under a prefix.
	BaseURL string

	// Timeout bounds each request. Default: 20s.
	Timeout time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client

	// Logger receives request-level debug logs. Optional.
	Logger *zap.Logger

	// MaxBodyBytes caps a response body. Larger bodies fail the request.
	// Default: 64 MiB.
	MaxBodyBytes int64
}

// Client talks to the backend REST API.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	maxBody int64
	log     *zap.Logger
}

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid backend url %q: no hostname", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = newHTTPClient()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{base: u, http: hc, timeout: timeout, maxBody: maxBody, log: log}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// BaseURL returns a copy of the configured backend address.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// File describes one input file the backend can analyze.
type File struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size,omitempty"`
	SizeMB   float64 `json:"size_mb,omitempty"`
	Modified string  `json:"modified,omitempty"`
	Path     string  `json:"path,omitempty"`
}

// UnmarshalJSON accepts both the {"name": ...} and {"filename": ...} forms.
func (f *File) UnmarshalJSON(b []byte) error {
	type plain File
	var aux struct {
		plain
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*f = File(aux.plain)
	if f.Name == "" {
		f.Name = aux.Filename
	}
	return nil
}

// ListFiles returns the files available for analysis.
func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	body, err := c.do(ctx, "files", http.MethodGet, "/files", nil)
	if err != nil {
		return nil, err
	}

	var files []File
	if err := json.Unmarshal(body, &files); err == nil {
		return files, nil
	}
	var wrapped struct {
		Files []File `json:"files"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return wrapped.Files, nil
}

// StartJob asks the backend to analyze files and returns the new job id.
func (c *Client) StartJob(ctx context.Context, files []string) (string, error) {
	req := struct {
		Files []string `json:"files"`
	}{Files: files}
	body, err := c.do(ctx, "start", http.MethodPost, "/jobs/start", req)
	if err != nil {
		return "", err
	}

	var resp struct {
		JobID  string `json:"job_id"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode start response: %w", err)
	}
	id := strings.TrimSpace(resp.JobID)
	if id == "" {
		id = strings.TrimSpace(resp.TaskID)
	}
	if id == "" {
		return "", errors.New("start response has no job id")
	}
	return id, nil
}

// CancelJob asks the backend to stop jobID.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, "cancel", http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
	return err
}

// Progress returns the current progress snapshot of jobID.
func (c *Client) Progress(ctx context.Context, jobID string) ([]byte, error) {
	return c.do(ctx, "progress", http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/progress", nil)
}

// Overview returns the overview result of jobID.
func (c *Client) Overview(ctx context.Context, jobID string) ([]byte, error) {
	return c.do(ctx, "overview", http.MethodGet, "/results/"+url.PathEscape(jobID)+"/overview", nil)
}

// Rack returns the detail result of one rack.
func (c *Client) Rack(ctx context.Context, jobID string, rackID int) ([]byte, error) {
	p := "/results/" + url.PathEscape(jobID) + "/rack/" + strconv.Itoa(rackID)
	return c.do(ctx, "rack", http.MethodGet, p, nil)
}

// Cell returns the detail result of one cell.
func (c *Client) Cell(ctx context.Context, jobID string, rackID, moduleID, cellID int) ([]byte, error) {
	p := fmt.Sprintf("/results/%s/rack/%d/module/%d/cell/%d", url.PathEscape(jobID), rackID, moduleID, cellID)
	return c.do(ctx, "cell", http.MethodGet, p, nil)
}

// Log returns the log of jobID. JSON bodies are returned as-is; any other
// body is returned encoded as a JSON string.
func (c *Client) Log(ctx context.Context, jobID string) ([]byte, error) {
	body, err := c.do(ctx, "log", http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/log", nil)
	if err != nil {
		return nil, err
	}
	if json.Valid(body) {
		return body, nil
	}
	return json.Marshal(string(body))
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawPath = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		msg := "request failed"
		if IsTimeout(err) {
			msg = "request timed out"
		}
		c.log.Debug("Backend request failed",
			zap.String("op", op),
			zap.String("request_id", reqID),
			zap.Error(err))
		return nil, &BackendError{Op: op, Message: msg, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &BackendError{Op: op, Status: resp.StatusCode, Message: "read response body", Err: err}
	}
	if int64(len(data)) > c.maxBody {
		c.log.Debug("Backend response too large",
			zap.String("op", op),
			zap.String("request_id", reqID),
			zap.Int64("limit", c.maxBody))
		return nil, &BackendError{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("response body exceeds %d bytes", c.maxBody)}
	}

	c.log.Debug("Backend request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{Op: op, Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	return data, nil
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte, fallback string) string {
	var doc struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		switch {
		case doc.Message != "":
			return doc.Message
		case doc.Error != "":
			return doc.Error
		case doc.Detail != nil:
			if s, ok := doc.Detail.(string); ok {
				return s
			}
			if b, err := json.Marshal(doc.Detail); err == nil {
				return string(b)
			}
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return truncateRunes(msg, maxErrorMessageBytes)
	}
	return fallback
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
