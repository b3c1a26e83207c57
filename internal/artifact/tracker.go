// Package artifact pairs the slices captured for a unit across the before and
// after phases and stores their images on disk.
package artifact

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// ErrSealed is returned by writes after Seal.
var ErrSealed = errors.New("artifact tracker sealed")

// Pair is the pairing decision for one vertical offset. An empty ref means the
// phase produced no slice at that offset.
type Pair struct {
	Offset int    `json:"offset"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Complete reports whether both phases produced a slice.
func (p Pair) Complete() bool {
	return p.Before != "" && p.After != ""
}

// Missing lists the phases without a slice at this offset.
func (p Pair) Missing() []types.Phase {
	var out []types.Phase
	if p.Before == "" {
		out = append(out, types.PhaseBefore)
	}
	if p.After == "" {
		out = append(out, types.PhaseAfter)
	}
	return out
}

// Tracker maps unit key -> offset -> phase -> ref. Writers for different units
// and offsets never contend on a shared lock.
type Tracker struct {
	units  sync.Map // string -> *unitEntry
	sealed atomic.Bool
}

type unitEntry struct {
	offsets sync.Map // int -> *offsetEntry
	before  atomic.Bool
	after   atomic.Bool
}

type offsetEntry struct {
	before atomic.Pointer[string]
	after  atomic.Pointer[string]
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record stores ref for (key, offset, phase). Concurrent calls for the same
// offset share one entry: the first caller creates it and later callers merge
// into it.
func (t *Tracker) Record(key string, offset int, phase types.Phase, ref string) error {
	if err := t.writable(key, phase); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("record %s: negative offset %d", key, offset)
	}
	if ref == "" {
		return fmt.Errorf("record %s: empty ref", key)
	}
	u := t.unit(key)
	v, _ := u.offsets.LoadOrStore(offset, &offsetEntry{})
	v.(*offsetEntry).slot(phase).Store(&ref)
	u.mark(phase).Store(true)
	return nil
}

// Touch registers that phase captured key, even if it produced no slice.
func (t *Tracker) Touch(key string, phase types.Phase) error {
	if err := t.writable(key, phase); err != nil {
		return err
	}
	t.unit(key).mark(phase).Store(true)
	return nil
}

// Discard drops every ref phase recorded for key so a retried attempt starts
// from a clean slate. Offset entries stay in place; Offsets skips empty ones.
func (t *Tracker) Discard(key string, phase types.Phase) error {
	if err := t.writable(key, phase); err != nil {
		return err
	}
	v, ok := t.units.Load(key)
	if !ok {
		return nil
	}
	u := v.(*unitEntry)
	u.mark(phase).Store(false)
	u.offsets.Range(func(_, e any) bool {
		e.(*offsetEntry).slot(phase).Store(nil)
		return true
	})
	return nil
}

// Seal finalises the tracker. Reads keep working.
func (t *Tracker) Seal() {
	t.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (t *Tracker) Sealed() bool {
	return t.sealed.Load()
}

// Captured reports whether phase recorded or touched key.
func (t *Tracker) Captured(key string, phase types.Phase) bool {
	v, ok := t.units.Load(key)
	if !ok {
		return false
	}
	return v.(*unitEntry).mark(phase).Load()
}

// Keys returns the known unit keys in sorted order.
func (t *Tracker) Keys() []string {
	var keys []string
	t.units.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Offsets returns the offsets holding at least one ref, ascending.
func (t *Tracker) Offsets(key string) []int {
	v, ok := t.units.Load(key)
	if !ok {
		return nil
	}
	var offsets []int
	v.(*unitEntry).offsets.Range(func(k, e any) bool {
		oe := e.(*offsetEntry)
		if oe.before.Load() != nil || oe.after.Load() != nil {
			offsets = append(offsets, k.(int))
		}
		return true
	})
	sort.Ints(offsets)
	return offsets
}

// Refs returns the refs phase recorded for key in offset order.
func (t *Tracker) Refs(key string, phase types.Phase) []types.SliceRef {
	var out []types.SliceRef
	for _, p := range t.Pairing(key) {
		ref := p.Before
		if phase == types.PhaseAfter {
			ref = p.After
		}
		if ref != "" {
			out = append(out, types.SliceRef{Offset: p.Offset, Ref: ref})
		}
	}
	return out
}

// Pairing returns one Pair per offset in ascending order.
func (t *Tracker) Pairing(key string) []Pair {
	v, ok := t.units.Load(key)
	if !ok {
		return nil
	}
	u := v.(*unitEntry)
	offsets := t.Offsets(key)
	pairs := make([]Pair, 0, len(offsets))
	for _, off := range offsets {
		e, ok := u.offsets.Load(off)
		if !ok {
			continue
		}
		oe := e.(*offsetEntry)
		p := Pair{Offset: off}
		if ref := oe.before.Load(); ref != nil {
			p.Before = *ref
		}
		if ref := oe.after.Load(); ref != nil {
			p.After = *ref
		}
		pairs = append(pairs, p)
	}
	return pairs
}

func (t *Tracker) writable(key string, phase types.Phase) error {
	if t.sealed.Load() {
		return ErrSealed
	}
	if key == "" {
		return errors.New("artifact key must not be empty")
	}
	if !phase.Valid() {
		return fmt.Errorf("unknown phase %q", phase)
	}
	return nil
}

func (t *Tracker) unit(key string) *unitEntry {
	if v, ok := t.units.Load(key); ok {
		return v.(*unitEntry)
	}
	v, _ := t.units.LoadOrStore(key, &unitEntry{})
	return v.(*unitEntry)
}

func (u *unitEntry) mark(phase types.Phase) *atomic.Bool {
	if phase == types.PhaseAfter {
		return &u.after
	}
	return &u.before
}

func (e *offsetEntry) slot(phase types.Phase) *atomic.Pointer[string] {
	if phase == types.PhaseAfter {
		return &e.after
	}
	return &e.before
}
