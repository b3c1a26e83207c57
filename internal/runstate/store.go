package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/otto-de/jlineup-sub001/internal/config"
)

// Store is the durable registry of run records. Records are only ever
// replaced as a whole.
type Store interface {
	// Create stores a new record; ErrExists if the id is taken.
	Create(ctx context.Context, rec RunRecord) error
	// Get returns the current record; ErrNotFound if unknown.
	Get(ctx context.Context, id string) (RunRecord, error)
	// CompareAndSwap replaces the record with next if its stored version
	// still equals expected; ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, expected int64, next RunRecord) error
	// List returns all records, oldest first.
	List(ctx context.Context) ([]RunRecord, error)
	Close() error
}

// NewStore builds the store selected by cfg.Driver.
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		store, err := OpenSQLStore(ctx, SQLConfig{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			CreateIfMissing: cfg.CreateIfMissing,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := NewRedisStore(RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
			Key:      cfg.Redis.Key,
			Timeout:  cfg.Redis.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func encodeRecord(rec RunRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", rec.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (RunRecord, error) {
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RunRecord{}, fmt.Errorf("decode run: %w", err)
	}
	return rec, nil
}

func sortRecords(recs []RunRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func checkNext(expected int64, next RunRecord) error {
	if next.ID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if next.Version <= expected {
		return fmt.Errorf("run %s: next version %d must exceed %d", next.ID, next.Version, expected)
	}
	return nil
}
