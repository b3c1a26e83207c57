package api

import (
	"time"

	"github.com/otto-de/jlineup-sub001/internal/runstate"
)

// RunSummary is the list view of a run.
type RunSummary struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	State     runstate.State `json:"state"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	URLs      int            `json:"urls"`
	Passed    *bool          `json:"passed,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply. RunID names a run that
// was created even though the request failed afterwards.
type ErrorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}

func summarize(rec runstate.RunRecord) RunSummary {
	sum := RunSummary{
		ID:        rec.ID,
		Name:      rec.Job.Name,
		State:     rec.State,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		URLs:      len(rec.Job.URLs),
		Error:     rec.Error,
	}
	if rec.Report != nil {
		passed := rec.Report.Passed
		sum.Passed = &passed
	}
	return sum
}
