package runstate

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in process. Each id maps to a pointer that is
// swapped atomically on every transition.
type MemoryStore struct {
	records sync.Map // string -> *RunRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	cp := rec.Clone()
	if _, loaded := s.records.LoadOrStore(rec.ID, &cp); loaded {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (RunRecord, error) {
	v, ok := s.records.Load(id)
	if !ok {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*RunRecord).Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expected int64, next RunRecord) error {
	if err := checkNext(expected, next); err != nil {
		return err
	}
	v, ok := s.records.Load(next.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, next.ID)
	}
	current := v.(*RunRecord)
	if current.Version != expected {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, next.ID, current.Version, expected)
	}
	cp := next.Clone()
	if !s.records.CompareAndSwap(next.ID, current, &cp) {
		return fmt.Errorf("%w: %s", ErrVersionConflict, next.ID)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]RunRecord, error) {
	var out []RunRecord
	s.records.Range(func(_, v any) bool {
		out = append(out, v.(*RunRecord).Clone())
		return true
	})
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
