package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL().String())
	assert.Equal(t, DefaultTimeout, c.Timeout())
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://host", "http://", "://bad"} {
		_, err := New(Config{BaseURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestStartJob(t *testing.T) {
	gotFiles := make(chan []string, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs/start", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req struct {
			Files []string `json:"files"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotFiles <- req.Files
		_, _ = w.Write([]byte(`{"job_id":"J1"}`))
	}))

	id, err := c.StartJob(context.Background(), []string{"a.csv", "b.csv"})
	require.NoError(t, err)
	assert.Equal(t, "J1", id)
	assert.Equal(t, []string{"a.csv", "b.csv"}, <-gotFiles)
}

func TestStartJob_TaskIDFallback(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"T9"}`))
	}))
	id, err := c.StartJob(context.Background(), []string{"a.csv"})
	require.NoError(t, err)
	assert.Equal(t, "T9", id)
}

func TestStartJob_NoID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	_, err := c.StartJob(context.Background(), []string{"a.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job id")
}

func TestResultEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/results/J1/overview", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"racks":[1,2]}`))
	})
	mux.HandleFunc("/results/J1/rack/2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rack":2}`))
	})
	mux.HandleFunc("/results/J1/rack/2/module/3/cell/4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cell":4}`))
	})
	mux.HandleFunc("/jobs/J1/progress", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"running","progress":40}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	b, err := c.Overview(ctx, "J1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"racks":[1,2]}`, string(b))

	b, err = c.Rack(ctx, "J1", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rack":2}`, string(b))

	b, err = c.Cell(ctx, "J1", 2, 3, 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cell":4}`, string(b))

	b, err = c.Progress(ctx, "J1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"running","progress":40}`, string(b))
}

func TestBaseURLPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/results/J1/overview", r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)
	_, err = c.Overview(context.Background(), "J1")
	require.NoError(t, err)
}

func TestLog_TextIsWrapped(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("line one\nline two\n"))
	}))
	b, err := c.Log(context.Background(), "J1")
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(b, &s))
	assert.Equal(t, "line one\nline two\n", s)
}

func TestLog_JSONPassesThrough(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lines":["a","b"]}`))
	}))
	b, err := c.Log(context.Background(), "J1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lines":["a","b"]}`, string(b))
}

func TestListFiles_BothShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"array", `[{"name":"a.csv","size_mb":1.5},{"filename":"b.csv","size":10}]`},
		{"wrapped", `{"files":[{"name":"a.csv","size_mb":1.5},{"filename":"b.csv","size":10}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/files", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			files, err := c.ListFiles(context.Background())
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, "a.csv", files[0].Name)
			assert.InDelta(t, 1.5, files[0].SizeMB, 1e-9)
			assert.Equal(t, "b.csv", files[1].Name)
			assert.Equal(t, int64(10), files[1].Size)
		})
	}
}

func TestCancelJob(t *testing.T) {
	var hit atomic.Bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(r.Method == http.MethodPost && r.URL.Path == "/jobs/J1/cancel")
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, c.CancelJob(context.Background(), "J1"))
	assert.True(t, hit.Load())
}

func TestErrors_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"rack 9 not found"}`))
	}))
	_, err := c.Rack(context.Background(), "J1", 9)
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusNotFound, be.Status)
	assert.Equal(t, "rack 9 not found", be.Message)
	assert.Equal(t, "rack", be.Op)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTimeout(err))
}

func TestErrors_ServerErrorPlainBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	_, err := c.Overview(context.Background(), "J1")
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusInternalServerError, be.Status)
	assert.Equal(t, "boom", be.Message)
	assert.Contains(t, err.Error(), "500")
}

func TestErrors_LongPlainBodyKeepsRunes(t *testing.T) {
	body := strings.Repeat("a", maxErrorMessageBytes-1) + "é tail"
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(body))
	}))
	_, err := c.Overview(context.Background(), "J1")
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, utf8.ValidString(be.Message))
	assert.Equal(t, strings.Repeat("a", maxErrorMessageBytes-1), be.Message)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "ab", truncateRunes("abé", 3))
	assert.Equal(t, "abé", truncateRunes("abéd", 4))
	assert.Equal(t, "", truncateRunes("ééé", 1))
}

func TestErrors_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"site":"` + strings.Repeat("x", 64) + `"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxBodyBytes: 32})
	require.NoError(t, err)
	_, err = c.Overview(context.Background(), "J1")
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusOK, be.Status)
	assert.Equal(t, "overview", be.Op)
	assert.Equal(t, "response body exceeds 32 bytes", be.Message)
}

func TestErrors_BodyAtLimit(t *testing.T) {
	payload := `{"racks":3}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxBodyBytes: int64(len(payload))})
	require.NoError(t, err)
	_, err = c.Overview(context.Background(), "J1")
	require.NoError(t, err)
}

func TestErrors_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.Overview(context.Background(), "J1")
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Status)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsUnavailable(err))
}

func TestIsHelpers_NonBackendErrors(t *testing.T) {
	err := errors.New("plain")
	assert.False(t, IsNotFound(err))
	assert.False(t, IsTimeout(err))
	assert.False(t, IsUnavailable(err))
	assert.True(t, IsTimeout(&BackendError{Op: "x", Status: http.StatusGatewayTimeout}))
}
