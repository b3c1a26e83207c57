package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/otto-de/jlineup-sub001/internal/runstate"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// Event types published to subscribers.
const (
	EventSnapshot   = "snapshot"
	EventCreated    = "run_created"
	EventTransition = "run_transition"
	EventUnit       = "unit_finished"
)

// Event envelopes run state for subscribers such as SSE clients.
type Event struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Run       runstate.RunRecord `json:"run"`
	Outcome   *types.UnitOutcome `json:"outcome,omitempty"`
}

// IDGenerator produces unique run identifiers.
type IDGenerator func() string

// UUIDv7 returns a generator of time-sortable RFC 9562 UUID v7 strings.
func UUIDv7() IDGenerator {
	return func() string {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}
}

// Subscribe registers a subscriber for the run's events. The first event is
// a snapshot of the current record. Slow subscribers miss events rather
// than block the run.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	rec, err := m.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Event, 16)

	m.subMu.Lock()
	subs, ok := m.subscribers[id]
	if !ok {
		subs = make(map[chan Event]struct{})
		m.subscribers[id] = subs
	}
	subs[ch] = struct{}{}
	m.subMu.Unlock()

	ch <- Event{Type: EventSnapshot, Timestamp: m.now().UTC(), Run: rec}

	cancel := func() {
		m.subMu.Lock()
		if subs, ok := m.subscribers[id]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(m.subscribers, id)
			}
		}
		m.subMu.Unlock()
	}
	return ch, cancel, nil
}

func (m *Manager) broadcast(evt Event) {
	evt.Timestamp = m.now().UTC()
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subscribers[evt.Run.ID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
