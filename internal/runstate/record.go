// Package runstate defines the run record, its state machine and the stores
// that persist it.
package runstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// State is the lifecycle position of a run.
type State string

const (
	StateCreated       State = "CREATED"
	StateBeforeRunning State = "BEFORE_RUNNING"
	StateBeforeDone    State = "BEFORE_DONE"
	StateAfterRunning  State = "AFTER_RUNNING"
	StateFinished      State = "FINISHED"
	StateError         State = "ERROR"
)

var transitions = map[State][]State{
	StateCreated:       {StateBeforeRunning},
	StateBeforeRunning: {StateBeforeDone, StateError},
	StateBeforeDone:    {StateAfterRunning, StateError},
	StateAfterRunning:  {StateFinished, StateError},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateBeforeRunning, StateBeforeDone, StateAfterRunning, StateFinished, StateError:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError
}

// Running reports whether a phase is executing in s.
func (s State) Running() bool {
	return s == StateBeforeRunning || s == StateAfterRunning
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Precursors lists the states from which to can be reached.
func Precursors(to State) []State {
	var out []State
	for _, from := range []State{StateCreated, StateBeforeRunning, StateBeforeDone, StateAfterRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned when creating a run id twice.
	ErrExists = errors.New("run already exists")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version moved on.
	ErrVersionConflict = errors.New("run version conflict")
)

// InvalidRunStateError is returned when a transition is attempted from a
// state that does not allow it.
type InvalidRunStateError struct {
	RunID    string
	Current  State
	Expected []State
}

func (e *InvalidRunStateError) Error() string {
	expected := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		expected[i] = string(s)
	}
	return fmt.Sprintf("run %s is in state %s, expected %s", e.RunID, e.Current, strings.Join(expected, " or "))
}

// RunRecord is an immutable snapshot of one run. Every transition produces a
// new record with Version incremented.
type RunRecord struct {
	ID        string         `json:"id"`
	Job       job.Definition `json:"job"`
	State     State          `json:"state"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// StartedAt is set when the before phase starts, EndedAt on a terminal state.
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	BeforeStartedAt *time.Time          `json:"before_started_at,omitempty"`
	BeforeEndedAt   *time.Time          `json:"before_ended_at,omitempty"`
	AfterStartedAt  *time.Time          `json:"after_started_at,omitempty"`
	AfterEndedAt    *time.Time          `json:"after_ended_at,omitempty"`
	Before          []types.UnitOutcome `json:"before,omitempty"`
	After           []types.UnitOutcome `json:"after,omitempty"`
	Error           string              `json:"error,omitempty"`
	Report          *report.Report      `json:"report,omitempty"`
}

// NewRecord returns the CREATED record of a run.
func NewRecord(id string, def job.Definition, now time.Time) RunRecord {
	now = now.UTC()
	return RunRecord{
		ID:        id,
		Job:       def.Clone(),
		State:     StateCreated,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition returns a copy of r moved to state to. Timestamps of the phase
// being entered or left are filled in.
func (r RunRecord) Transition(to State, now time.Time) (RunRecord, error) {
	if !CanTransition(r.State, to) {
		return RunRecord{}, &InvalidRunStateError{RunID: r.ID, Current: r.State, Expected: Precursors(to)}
	}
	now = now.UTC()
	next := r.Clone()
	next.State = to
	next.Version = r.Version + 1
	next.UpdatedAt = now
	switch to {
	case StateBeforeRunning:
		next.StartedAt = &now
		next.BeforeStartedAt = &now
	case StateBeforeDone:
		next.BeforeEndedAt = &now
	case StateAfterRunning:
		next.AfterStartedAt = &now
	case StateFinished:
		next.AfterEndedAt = &now
		next.EndedAt = &now
	case StateError:
		switch r.State {
		case StateBeforeRunning:
			next.BeforeEndedAt = &now
		case StateAfterRunning:
			next.AfterEndedAt = &now
		}
		next.EndedAt = &now
	}
	return next, nil
}

// WithOutcomes returns a copy carrying the unit outcomes of phase.
func (r RunRecord) WithOutcomes(phase types.Phase, outcomes []types.UnitOutcome) RunRecord {
	next := r.Clone()
	cp := append([]types.UnitOutcome(nil), outcomes...)
	if phase == types.PhaseAfter {
		next.After = cp
	} else {
		next.Before = cp
	}
	return next
}

// WithError returns a copy carrying err.
func (r RunRecord) WithError(err error) RunRecord {
	next := r.Clone()
	if err != nil {
		next.Error = err.Error()
	}
	return next
}

// WithReport returns a copy carrying rep.
func (r RunRecord) WithReport(rep *report.Report) RunRecord {
	next := r.Clone()
	next.Report = rep
	return next
}

// Outcomes returns the unit outcomes of phase.
func (r RunRecord) Outcomes(phase types.Phase) []types.UnitOutcome {
	if phase == types.PhaseAfter {
		return r.After
	}
	return r.Before
}

// Clone returns a deep copy. Reports are never mutated once attached and are
// shared.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Job = r.Job.Clone()
	out.Before = append([]types.UnitOutcome(nil), r.Before...)
	out.After = append([]types.UnitOutcome(nil), r.After...)
	for _, t := range []**time.Time{&out.StartedAt, &out.EndedAt, &out.BeforeStartedAt, &out.BeforeEndedAt, &out.AfterStartedAt, &out.AfterEndedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return out
}
