package runstate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

var baseTime = time.Date(2024, 5, 17, 10, 30, 0, 123456789, time.UTC)

func sampleJob(t *testing.T) job.Definition {
	t.Helper()
	def, err := job.Definition{
		Name:              "shop",
		WindowHeight:      900,
		ScreenshotRetries: 2,
		PageLoadTimeout:   config.DurationFrom(45 * time.Second),
		URLs: []job.URLConfig{
			{URL: "https://www.example.com", Paths: []string{"/", "cart"}, MaxDiff: 0.05, WindowWidths: []int{600, 1200}},
			{URL: "https://m.example.com", MaxDiff: 0.1, Devices: []types.Device{{Name: "Pixel 7", Width: 412, Height: 915, PixelRatio: 2.625, Mobile: true}}},
		},
	}.Prepare()
	if err != nil {
		t.Fatalf("prepare job: %v", err)
	}
	return def
}

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	def := sampleJob(t)

	rec := NewRecord("run-a", def, baseTime)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, rec); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	next, err := rec.Transition(StateBeforeRunning, baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	next = next.WithOutcomes(types.PhaseBefore, []types.UnitOutcome{{Key: "k", Status: types.UnitSucceeded, Attempts: 2, Slices: []types.SliceRef{{Offset: 0, Ref: "a.png"}}}})
	if err := store.CompareAndSwap(ctx, rec.Version, next); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := store.CompareAndSwap(ctx, rec.Version, next); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for a stale version, got %v", err)
	}
	ghost := next.Clone()
	ghost.ID = "ghost"
	ghost.Version++
	if err := store.CompareAndSwap(ctx, next.Version, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	got, err := store.Get(ctx, "run-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateBeforeRunning || got.Version != 2 {
		t.Fatalf("unexpected stored record: state=%s version=%d", got.State, got.Version)
	}
	if !got.CreatedAt.Equal(baseTime) || got.StartedAt == nil || !got.StartedAt.Equal(baseTime.Add(time.Second)) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}
	if got.Job.URLs[0].MaxDiff != 0.05 || got.Job.URLs[1].Devices[0].PixelRatio != 2.625 || got.Job.PageLoadTimeout.Duration != 45*time.Second {
		t.Fatalf("job not preserved: %+v", got.Job)
	}
	if len(got.Before) != 1 || got.Before[0].Slices[0].Ref != "a.png" {
		t.Fatalf("outcomes not preserved: %+v", got.Before)
	}

	// exactly one of many concurrent swaps from the same version wins
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cand, err := got.Transition(StateBeforeDone, baseTime.Add(2*time.Second))
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			err = store.CompareAndSwap(ctx, got.Version, cand)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrVersionConflict):
				t.Errorf("unexpected cas error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}

	later := NewRecord("run-b", def, baseTime.Add(time.Hour))
	if err := store.Create(ctx, later); err != nil {
		t.Fatalf("create second: %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "run-a" || list[1].ID != "run-b" {
		t.Fatalf("unexpected list order: %v", ids(list))
	}
	if list[0].State != StateBeforeDone {
		t.Fatalf("expected listed record to be current, got %s", list[0].State)
	}
}

func ids(recs []RunRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecord("r", sampleJob(t), baseTime)
	_ = store.Create(context.Background(), rec)
	got, _ := store.Get(context.Background(), "r")
	got.Job.URLs[0].MaxDiff = 0.9
	again, _ := store.Get(context.Background(), "r")
	if again.Job.URLs[0].MaxDiff != 0.05 {
		t.Fatal("mutating a returned record must not change the store")
	}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "runs.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	testStoreContract(t, store)
}

func TestSQLStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQLStore(context.Background(), SQLConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := NewStore(context.Background(), config.StoreConfig{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unsupported store")
	}
}

func TestDialectBind(t *testing.T) {
	pg := dialect{name: "postgres"}
	if got := pg.bind("UPDATE t SET a = ? WHERE id = ? AND v = ?"); got != "UPDATE t SET a = $1 WHERE id = $2 AND v = $3" {
		t.Fatalf("unexpected postgres query %q", got)
	}
	lite := dialect{name: "sqlite"}
	if got := lite.bind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite query must be unchanged, got %q", got)
	}
	if got := sqliteDSN("/tmp/x.db"); got != "/tmp/x.db?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)" {
		t.Fatalf("unexpected dsn %q", got)
	}
}

func TestRedisStore(t *testing.T) {
	addr := startFakeRedis(t)
	host, port, _ := net.SplitHostPort(addr)
	store, err := NewStore(context.Background(), config.StoreConfig{Driver: "redis", Redis: config.RedisConfig{Host: host, Port: port, DB: 2, Password: "secret"}})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	testStoreContract(t, store)
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := NewRecord("run-json", sampleJob(t), baseTime)
	rec, _ = rec.Transition(StateBeforeRunning, baseTime.Add(time.Minute))
	rec, _ = rec.Transition(StateBeforeDone, baseTime.Add(2*time.Minute))
	rec, _ = rec.Transition(StateAfterRunning, baseTime.Add(3*time.Minute))
	rec = rec.WithReport(&report.Report{RunID: "run-json", Passed: false, URLs: []report.URLReport{{URL: "https://www.example.com", MaxDiff: 0.05, ExceedsThreshold: true}}})
	rec, _ = rec.Transition(StateFinished, baseTime.Add(4*time.Minute))

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := decodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.State != StateFinished || back.Version != 5 || !back.EndedAt.Equal(baseTime.Add(4*time.Minute)) {
		t.Fatalf("unexpected decoded record %+v", back)
	}
	if back.Report == nil || back.Report.URLs[0].MaxDiff != 0.05 || !back.Report.URLs[0].ExceedsThreshold {
		t.Fatalf("report not preserved: %+v", back.Report)
	}
	if back.Job.URLs[0].Paths[1] != "cart" {
		t.Fatalf("paths not preserved: %+v", back.Job.URLs[0].Paths)
	}
}

// fakeRedis understands the handful of commands the store sends.
type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
}

func startFakeRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	srv := &fakeRedis{hashes: make(map[string]map[string]string)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		req, err := readReply(r)
		if err != nil {
			return
		}
		items, _ := req.([]interface{})
		args := make([]string, len(items))
		for i, it := range items {
			args[i], _ = it.(string)
		}
		f.handle(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (f *fakeRedis) hash(key string) map[string]string {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	return h
}

func (f *fakeRedis) handle(w *bufio.Writer, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(args) == 0 {
		fmt.Fprint(w, "-ERR empty command\r\n")
		return
	}
	switch args[0] {
	case "AUTH", "SELECT":
		fmt.Fprint(w, "+OK\r\n")
	case "HGET":
		v, ok := f.hash(args[1])[args[2]]
		if !ok {
			fmt.Fprint(w, "$-1\r\n")
			return
		}
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case "HGETALL":
		h := f.hash(args[1])
		fmt.Fprintf(w, "*%d\r\n", len(h)*2)
		for k, v := range h {
			fmt.Fprintf(w, "$%d\r\n%s\r\n$%d\r\n%s\r\n", len(k), k, len(v), v)
		}
	case "EVAL":
		records, versions := f.hash(args[3]), f.hash(args[4])
		argv := args[5:]
		switch args[1] {
		case createScript:
			if _, exists := records[argv[0]]; exists {
				fmt.Fprint(w, ":0\r\n")
				return
			}
			records[argv[0]] = argv[2]
			versions[argv[0]] = argv[1]
			fmt.Fprint(w, ":1\r\n")
		case casScript:
			cur, ok := versions[argv[0]]
			switch {
			case !ok:
				fmt.Fprint(w, ":-1\r\n")
			case cur != argv[1]:
				fmt.Fprint(w, ":0\r\n")
			default:
				records[argv[0]] = argv[3]
				versions[argv[0]] = argv[2]
				fmt.Fprint(w, ":1\r\n")
			}
		default:
			fmt.Fprint(w, "-NOSCRIPT unknown script\r\n")
		}
	default:
		fmt.Fprintf(w, "-ERR unknown command %s\r\n", strconv.Quote(args[0]))
	}
}
