// Package report compares the paired slices of a run and decides its verdict.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/artifact"
	"github.com/otto-de/jlineup-sub001/internal/imagediff"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// FileName is the name of the report document inside a run directory.
const FileName = "report.json"

// Report is the outcome of comparing both phases of a run.
type Report struct {
	RunID       string      `json:"run_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Passed      bool        `json:"passed"`
	URLs        []URLReport `json:"urls"`
	Summary     Summary     `json:"summary"`
}

// Summary aggregates the numbers of all comparisons.
type Summary struct {
	DifferenceSum   float64 `json:"difference_sum"`
	DifferenceMax   float64 `json:"difference_max"`
	Comparisons     int     `json:"comparisons"`
	Failures        int     `json:"failures"`
	Inconsistencies int     `json:"inconsistencies"`
}

// URLReport groups the viewport results of one url and path.
type URLReport struct {
	URL              string           `json:"url"`
	Path             string           `json:"path"`
	FullURL          string           `json:"full_url"`
	MaxDiff          float64          `json:"max_diff"`
	Results          []ViewportResult `json:"results"`
	ExceedsThreshold bool             `json:"exceeds_threshold"`
}

// ViewportResult is the verdict of one width or device. Ratio is the largest
// slice ratio observed.
type ViewportResult struct {
	Key              string         `json:"key"`
	Viewport         types.Viewport `json:"viewport"`
	Label            string         `json:"label"`
	Ratio            float64        `json:"ratio"`
	ExceedsThreshold bool           `json:"exceeds_threshold"`
	Slices           []SliceResult  `json:"slices"`
}

// SliceResult is the comparison of one offset. Error is set for slices that
// could not be compared; their ratio is 1.
type SliceResult struct {
	Offset          int     `json:"offset"`
	Before          string  `json:"before,omitempty"`
	After           string  `json:"after,omitempty"`
	Diff            string  `json:"diff,omitempty"`
	Ratio           float64 `json:"ratio"`
	DifferentPixels int     `json:"different_pixels"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Failed returns the viewport results exceeding their threshold, prefixed by
// their full url.
func (r *Report) Failed() []string {
	var out []string
	for _, u := range r.URLs {
		for _, v := range u.Results {
			if v.ExceedsThreshold {
				out = append(out, fmt.Sprintf("%s@%s (%.4f > %.4f)", u.FullURL, v.Label, v.Ratio, u.MaxDiff))
			}
		}
	}
	return out
}

// AggregationInconsistencyError describes a pairing that cannot be compared.
// It is recorded in the report instead of being returned.
type AggregationInconsistencyError struct {
	Key     string
	Offset  int
	Missing []types.Phase
	Err     error
}

func (e *AggregationInconsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aggregation inconsistency for %s at offset %d: %v", e.Key, e.Offset, e.Err)
	}
	missing := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		missing[i] = string(p)
	}
	return fmt.Sprintf("aggregation inconsistency for %s at offset %d: missing %s", e.Key, e.Offset, strings.Join(missing, " and "))
}

func (e *AggregationInconsistencyError) Unwrap() error { return e.Err }

// Files gives the aggregator access to the images of a run.
type Files interface {
	Load(ref string) (image.Image, error)
	SaveDiff(ctx context.Context, unit types.CaptureUnit, offset int, img image.Image) (string, error)
	WriteFile(name string, data []byte) error
}

// Aggregator builds reports.
type Aggregator struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator logging to logger.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger, now: time.Now}
}

// Aggregate compares every pair the tracker holds for the units of def,
// writes the difference images and report.json through files and returns
// the report. Structural problems become maximal-difference slices; only
// context cancellation and report persistence errors are returned.
func (a *Aggregator) Aggregate(ctx context.Context, runID string, def job.Definition, tracker *artifact.Tracker, files Files) (*Report, error) {
	rep := &Report{RunID: runID, GeneratedAt: a.now().UTC(), Passed: true}
	index := map[string]int{}

	for _, unit := range def.Expand(types.PhaseBefore) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := unit.Target()
		pos, ok := index[target]
		if !ok {
			cfg, _ := def.URLConfigFor(unit.URL)
			rep.URLs = append(rep.URLs, URLReport{URL: unit.URL, Path: unit.Path, FullURL: unit.FullURL(), MaxDiff: cfg.MaxDiff})
			pos = len(rep.URLs) - 1
			index[target] = pos
		}
		ur := &rep.URLs[pos]

		vr := a.compareUnit(ctx, unit, tracker, files, &rep.Summary)
		vr.ExceedsThreshold = vr.Ratio > ur.MaxDiff
		if vr.ExceedsThreshold {
			ur.ExceedsThreshold = true
			rep.Passed = false
			rep.Summary.Failures++
		}
		ur.Results = append(ur.Results, vr)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := files.WriteFile(FileName, data); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	a.logger.Info("report generated",
		"run_id", runID,
		"passed", rep.Passed,
		"comparisons", rep.Summary.Comparisons,
		"failures", rep.Summary.Failures,
		"difference_max", rep.Summary.DifferenceMax,
	)
	return rep, nil
}

func (a *Aggregator) compareUnit(ctx context.Context, unit types.CaptureUnit, tracker *artifact.Tracker, files Files, sum *Summary) ViewportResult {
	key := unit.Key()
	vr := ViewportResult{Key: key, Viewport: unit.Viewport, Label: unit.Viewport.Label(), Slices: []SliceResult{}}
	refHeight := unit.Viewport.EffectiveHeight()

	pairs := tracker.Pairing(key)
	if len(pairs) == 0 {
		var missing []types.Phase
		for _, p := range []types.Phase{types.PhaseBefore, types.PhaseAfter} {
			if !tracker.Captured(key, p) {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			vr.Slices = append(vr.Slices, a.inconsistent(SliceResult{}, &AggregationInconsistencyError{Key: key, Missing: missing}, sum))
			vr.Ratio = 1
		}
		return vr
	}

	for _, p := range pairs {
		res := SliceResult{Offset: p.Offset, Before: p.Before, After: p.After}
		if !p.Complete() {
			res = a.inconsistent(res, &AggregationInconsistencyError{Key: key, Offset: p.Offset, Missing: p.Missing()}, sum)
		} else {
			res = a.compareSlice(ctx, unit, res, files, refHeight, sum)
		}
		if res.Ratio > vr.Ratio {
			vr.Ratio = res.Ratio
		}
		vr.Slices = append(vr.Slices, res)
	}
	return vr
}

func (a *Aggregator) compareSlice(ctx context.Context, unit types.CaptureUnit, res SliceResult, files Files, refHeight int, sum *Summary) SliceResult {
	key := unit.Key()
	before, err := files.Load(res.Before)
	if err != nil {
		return a.inconsistent(res, &AggregationInconsistencyError{Key: key, Offset: res.Offset, Err: err}, sum)
	}
	after, err := files.Load(res.After)
	if err != nil {
		return a.inconsistent(res, &AggregationInconsistencyError{Key: key, Offset: res.Offset, Err: err}, sum)
	}
	cmp, err := imagediff.Compare(before, after, refHeight)
	if err != nil {
		return a.inconsistent(res, &AggregationInconsistencyError{Key: key, Offset: res.Offset, Err: err}, sum)
	}
	res.Ratio = cmp.Ratio
	res.DifferentPixels = cmp.DifferentPixels
	res.Width = cmp.Width
	res.Height = cmp.Height
	if cmp.Diff != nil {
		ref, err := files.SaveDiff(ctx, unit, res.Offset, cmp.Diff)
		if err != nil {
			a.logger.Warn("write difference image failed", "unit", unit.String(), "offset", res.Offset, "error", err)
		} else {
			res.Diff = ref
		}
	}
	sum.Comparisons++
	sum.DifferenceSum += res.Ratio
	if res.Ratio > sum.DifferenceMax {
		sum.DifferenceMax = res.Ratio
	}
	return res
}

func (a *Aggregator) inconsistent(res SliceResult, err *AggregationInconsistencyError, sum *Summary) SliceResult {
	a.logger.Warn("slice not comparable", "error", err)
	res.Offset = err.Offset
	res.Ratio = 1
	res.Error = err.Error()
	sum.Inconsistencies++
	sum.DifferenceSum++
	sum.DifferenceMax = 1
	return res
}
