package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/3leaps/racklens/internal/errors"
	"github.com/3leaps/racklens/pkg/colorscale"
	"github.com/3leaps/racklens/pkg/session"
)

// JobSource exposes the current job. jobcontrol.Controller satisfies it.
type JobSource interface {
	CurrentJob() (session.Job, bool)
	LastError() error
}

// JobResponse is the body of GET /job.
type JobResponse struct {
	Job       *session.Job `json:"job"`
	LastError string       `json:"last_error,omitempty"`
}

// JobHandler serves the current job snapshot. With no job it answers 404.
func JobHandler(src JobSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, apperrors.NewHTTPError(http.StatusNotFound, apperrors.CodeNotFound, "no job source"))
			return
		}
		job, ok := src.CurrentJob()
		if !ok {
			respondWithError(w, r, apperrors.NewHTTPError(http.StatusNotFound, apperrors.CodeNotFound, "no job has been started"))
			return
		}
		resp := JobResponse{Job: &job}
		if err := src.LastError(); err != nil {
			resp.LastError = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ColorResponse is the body of GET /color.
type ColorResponse struct {
	Value float64          `json:"value"`
	Min   float64          `json:"min"`
	Max   float64          `json:"max"`
	Color colorscale.Color `json:"rgb"`
	Hex   string           `json:"hex"`
	CSS   string           `json:"css"`
}

// ColorHandler maps ?value=&min=&max= onto the heat scale.
func ColorHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [3]float64
	for i, name := range []string{"value", "min", "max"} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			respondWithError(w, r, apperrors.NewHTTPError(http.StatusBadRequest, apperrors.CodeValidation, name+" is required").
				WithDetails(map[string]any{"param": name}))
			return
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			respondWithError(w, r, apperrors.NewHTTPError(http.StatusBadRequest, apperrors.CodeValidation, name+" must be a finite number").
				WithDetails(map[string]any{"param": name, "value": raw}))
			return
		}
		vals[i] = f
	}

	c := colorscale.ColorFor(vals[0], vals[1], vals[2])
	writeJSON(w, http.StatusOK, ColorResponse{
		Value: vals[0],
		Min:   vals[1],
		Max:   vals[2],
		Color: c,
		Hex:   c.Hex(),
		CSS:   c.CSS(),
	})
}

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// VersionHandler serves info.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}
