package api

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/artifact"
	"github.com/otto-de/jlineup-sub001/internal/capture"
	"github.com/otto-de/jlineup-sub001/internal/orchestrator"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/internal/runstate"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

const sampleJob = `{"name":"shop","urls":[{"url":"https://example.com","max_diff":0.05,"window_widths":[600]}]}`

func steadyCapture(ctx context.Context, unit types.CaptureUnit) ([]types.Slice, error) {
	return []types.Slice{{Offset: 0, Image: image.NewNRGBA(image.Rect(0, 0, unit.Viewport.Width, 100))}}, nil
}

func newTestServer(t *testing.T, capturer capture.CaptureFunc, maxParallel int) (*Server, *orchestrator.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	files, err := artifact.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	manager, err := orchestrator.NewManager(orchestrator.Options{
		Store:           runstate.NewMemoryStore(),
		Files:           files,
		Engine:          capture.Fixed(capturer),
		MaxParallelRuns: maxParallel,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return NewServer(manager, logger), manager
}

func TestServerHandlers(t *testing.T) {
	server, _ := newTestServer(t, steadyCapture, 1)

	assertRoute(t, server, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/openapi.yaml", http.StatusOK, "application/yaml")
	assertRoute(t, server, http.MethodGet, "/docs", http.StatusOK, "text/html; charset=utf-8")
	assertRoute(t, server, http.MethodGet, "/runs", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/runs/missing", http.StatusNotFound, "application/json")
}

func TestDocsListRegisteredRoutes(t *testing.T) {
	server, _ := newTestServer(t, steadyCapture, 1)

	routes, err := server.routeIndex()
	if err != nil {
		t.Fatalf("route index: %v", err)
	}
	if len(routes) != len(routeSummaries) {
		t.Fatalf("expected %d routes, got %+v", len(routeSummaries), routes)
	}
	for _, r := range routes {
		if r.Summary == "" {
			t.Fatalf("route %s %s has no summary", r.Method, r.Pattern)
		}
	}

	body := do(t, server, http.MethodGet, "/docs", "").Body.String()
	for _, want := range []string{"/runs/{runID}/after", routeSummaries["POST /runs/{runID}/after"], "BEFORE_DONE", `href="/openapi.yaml"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("docs page misses %q", want)
		}
	}
	if spec := do(t, server, http.MethodGet, "/openapi.yaml", "").Body.String(); !strings.Contains(spec, "/runs/{runID}/events:") {
		t.Fatal("openapi document misses the events route")
	}
}

func TestCreateRunValidation(t *testing.T) {
	server, _ := newTestServer(t, steadyCapture, 1)

	tests := map[string]struct {
		path string
		body string
	}{
		"malformed json":  {path: "/runs", body: `{"urls":`},
		"unknown field":   {path: "/runs", body: `{"urlz":[]}`},
		"no urls":         {path: "/runs", body: `{"name":"empty","urls":[]}`},
		"bad max diff":    {path: "/runs", body: `{"urls":[{"url":"https://example.com","max_diff":2}]}`},
		"bad start param": {path: "/runs?start=maybe", body: sampleJob},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rr := do(t, server, http.MethodPost, tc.path, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rr.Code, rr.Body.String())
			}
			var body ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Fatalf("expected an error body, got %q", rr.Body.String())
			}
		})
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	server, manager := newTestServer(t, steadyCapture, 1)

	rr := do(t, server, http.MethodPost, "/runs?start=false", sampleJob)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var rec runstate.RunRecord
	decode(t, rr, &rec)
	if rec.State != runstate.StateCreated || rr.Header().Get("Location") != "/runs/"+rec.ID {
		t.Fatalf("unexpected created run %+v", rec)
	}

	if rr := do(t, server, http.MethodPost, "/runs/"+rec.ID+"/after", ""); rr.Code != http.StatusConflict {
		t.Fatalf("after on CREATED: expected 409, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodGet, "/runs/"+rec.ID+"/report", ""); rr.Code != http.StatusConflict {
		t.Fatalf("report on CREATED: expected 409, got %d", rr.Code)
	}

	if rr := do(t, server, http.MethodPost, "/runs/"+rec.ID+"/before", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("before: %d %s", rr.Code, rr.Body.String())
	}
	waitFor(t, manager, rec.ID, runstate.StateBeforeDone)
	if rr := do(t, server, http.MethodPost, "/runs/"+rec.ID+"/after", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("after: %d %s", rr.Code, rr.Body.String())
	}
	waitFor(t, manager, rec.ID, runstate.StateFinished)

	rr = do(t, server, http.MethodGet, "/runs/"+rec.ID+"/report", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rr.Code, rr.Body.String())
	}
	var rep report.Report
	decode(t, rr, &rep)
	if !rep.Passed || rep.Summary.Comparisons != 1 {
		t.Fatalf("expected a passing report, got %+v", rep)
	}

	rr = do(t, server, http.MethodGet, "/runs", "")
	var list []RunSummary
	decode(t, rr, &list)
	if len(list) != 1 || list[0].State != runstate.StateFinished || list[0].Passed == nil || !*list[0].Passed || list[0].Name != "shop" {
		t.Fatalf("unexpected run list %+v", list)
	}
}

func TestCreateRunRespectsAdmission(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	server, _ := newTestServer(t, func(ctx context.Context, unit types.CaptureUnit) ([]types.Slice, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, 1)

	if rr := do(t, server, http.MethodPost, "/runs", sampleJob); rr.Code != http.StatusCreated {
		t.Fatalf("first run: %d %s", rr.Code, rr.Body.String())
	}
	rr := do(t, server, http.MethodPost, "/runs", sampleJob)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second run: expected 429, got %d %s", rr.Code, rr.Body.String())
	}
	var body ErrorResponse
	decode(t, rr, &body)
	if body.RunID == "" || rr.Header().Get("Location") != "/runs/"+body.RunID {
		t.Fatalf("rejected start must name the created run, got %+v location=%q", body, rr.Header().Get("Location"))
	}

	// the run is addressable and still waits for its before phase
	rr = do(t, server, http.MethodGet, "/runs/"+body.RunID, "")
	var rec runstate.RunRecord
	decode(t, rr, &rec)
	if rr.Code != http.StatusOK || rec.State != runstate.StateCreated {
		t.Fatalf("expected the created run, got %d %+v", rr.Code, rec)
	}
	if rr := do(t, server, http.MethodPost, "/runs/"+body.RunID+"/before", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("start while the slot is taken: expected 429, got %d", rr.Code)
	}
}

func TestStreamRunEvents(t *testing.T) {
	server, _ := newTestServer(t, steadyCapture, 1)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/runs?start=false", "application/json", strings.NewReader(sampleJob))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var rec runstate.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/"+rec.ID+"/events", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(stream.Body)
	if first := readEvent(t, reader); first != orchestrator.EventSnapshot {
		t.Fatalf("expected snapshot first, got %q", first)
	}
	started, err := http.Post(srv.URL+"/runs/"+rec.ID+"/before", "application/json", nil)
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	started.Body.Close()

	var seen []string
	for {
		evt := readEvent(t, reader)
		if evt == "" {
			break
		}
		seen = append(seen, evt)
	}
	want := []string{orchestrator.EventTransition, orchestrator.EventUnit, orchestrator.EventTransition}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("got events %v want %v", seen, want)
	}
}

func TestStreamEndsForTerminalRun(t *testing.T) {
	server, manager := newTestServer(t, steadyCapture, 1)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	rr := do(t, server, http.MethodPost, "/runs", sampleJob)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var rec runstate.RunRecord
	decode(t, rr, &rec)
	waitFor(t, manager, rec.ID, runstate.StateBeforeDone)
	if rr := do(t, server, http.MethodPost, "/runs/"+rec.ID+"/after", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("after: %d %s", rr.Code, rr.Body.String())
	}
	waitFor(t, manager, rec.ID, runstate.StateFinished)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/"+rec.ID+"/events", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer stream.Body.Close()

	reader := bufio.NewReader(stream.Body)
	if first := readEvent(t, reader); first != orchestrator.EventSnapshot {
		t.Fatalf("expected snapshot, got %q", first)
	}
	if next := readEvent(t, reader); next != "" {
		t.Fatalf("expected the stream to end after the snapshot, got %q", next)
	}
	if ctx.Err() != nil {
		t.Fatal("stream stayed open until the client deadline")
	}
}

// readEvent returns the type of the next event, or "" once the stream ends.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var typ string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ""
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case line == "" && typ != "":
			if typ == "heartbeat" {
				typ = ""
				continue
			}
			return typ
		}
	}
}

func waitFor(t *testing.T, manager *orchestrator.Manager, id string, want runstate.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := manager.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.State != want {
		t.Fatalf("expected %s, got %s (%s)", want, rec.State, rec.Error)
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}
