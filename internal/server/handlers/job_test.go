package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/racklens/internal/errors"
	"github.com/3leaps/racklens/pkg/colorscale"
	"github.com/3leaps/racklens/pkg/session"
)

type stubJobs struct {
	job     session.Job
	ok      bool
	lastErr error
}

func (s stubJobs) CurrentJob() (session.Job, bool) { return s.job, s.ok }
func (s stubJobs) LastError() error                { return s.lastErr }

func TestJobHandler(t *testing.T) {
	src := stubJobs{
		job:     session.Job{ID: "J1", Status: session.StatusFailed, Reason: "progress connection lost"},
		ok:      true,
		lastErr: errors.New("progress connection lost after 3 attempts"),
	}

	rec := httptest.NewRecorder()
	JobHandler(src)(rec, httptest.NewRequest(http.MethodGet, "/job", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Job)
	assert.Equal(t, "J1", resp.Job.ID)
	assert.Equal(t, session.StatusFailed, resp.Job.Status)
	assert.Equal(t, "progress connection lost after 3 attempts", resp.LastError)
}

func TestJobHandler_NoJob(t *testing.T) {
	for name, src := range map[string]JobSource{"no source": nil, "no job": stubJobs{}} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			JobHandler(src)(rec, httptest.NewRequest(http.MethodGet, "/job", nil))

			assert.Equal(t, http.StatusNotFound, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
		})
	}
}

func TestColorHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ColorHandler(rec, httptest.NewRequest(http.MethodGet, "/color?value=10&min=0&max=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ColorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, colorscale.Hot, resp.Color)
	assert.Equal(t, "#ff0000", resp.Hex)
	assert.Equal(t, "rgb(255,0,0)", resp.CSS)
}

func TestColorHandler_Validation(t *testing.T) {
	tests := []string{
		"/color?min=0&max=1",
		"/color?value=abc&min=0&max=1",
		"/color?value=NaN&min=0&max=1",
		"/color?value=1&min=0&max=Inf",
	}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ColorHandler(rec, httptest.NewRequest(http.MethodGet, target, nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, apperrors.CodeValidation, body.Error.Code)
		})
	}
}

func TestVersionHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler(VersionInfo{Version: "1.0.0", Commit: "abc"})(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, "abc", info.Commit)
}
