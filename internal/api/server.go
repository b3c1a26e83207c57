package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/internal/orchestrator"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/internal/runstate"
)

// maxJobBytes bounds the size of a posted job definition.
const maxJobBytes = 1 << 20

// Runs is the run lifecycle the API exposes. *orchestrator.Manager
// implements it.
type Runs interface {
	CreateRun(ctx context.Context, def job.Definition) (runstate.RunRecord, error)
	StartBefore(ctx context.Context, id string, opts ...orchestrator.StartOption) (runstate.RunRecord, error)
	StartAfter(ctx context.Context, id string, opts ...orchestrator.StartOption) (runstate.RunRecord, error)
	Status(ctx context.Context, id string) (runstate.RunRecord, error)
	Report(ctx context.Context, id string) (*report.Report, error)
	List(ctx context.Context) ([]runstate.RunRecord, error)
	Subscribe(ctx context.Context, id string) (<-chan orchestrator.Event, func(), error)
}

// Server exposes the HTTP API for managing visual regression runs.
type Server struct {
	runs      Runs
	logger    *slog.Logger
	router    chi.Router
	heartbeat time.Duration
}

// NewServer wires handlers onto a chi router.
func NewServer(runs Runs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runs:      runs,
		logger:    logger,
		router:    chi.NewRouter(),
		heartbeat: 15 * time.Second,
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.yaml", s.handleOpenAPI)
	r.Get("/docs", s.handleDocs)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Post("/", s.createRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/before", s.startBefore)
			r.Post("/after", s.startAfter)
			r.Get("/report", s.getReport)
			r.Get("/events", s.streamRunEvents)
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// createRun registers the posted job and starts its before phase unless
// the query carries start=false.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	start := true
	if raw := r.URL.Query().Get("start"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start parameter: %w", err))
			return
		}
		start = v
	}
	def, err := job.DecodeJSON(http.MaxBytesReader(w, r.Body, maxJobBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.runs.CreateRun(r.Context(), def)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	w.Header().Set("Location", "/runs/"+rec.ID)
	if start {
		started, err := s.runs.StartBefore(r.Context(), rec.ID, s.timeoutOption(r)...)
		if err != nil {
			// the run stays CREATED and can be started through its before route
			writeJSON(w, s.runErrorStatus(err), ErrorResponse{Error: err.Error(), RunID: rec.ID})
			return
		}
		rec = started
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.runs.List(r.Context())
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	summaries := make([]RunSummary, len(recs))
	for i, rec := range recs {
		summaries[i] = summarize(rec)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) startBefore(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.StartBefore(r.Context(), chi.URLParam(r, "runID"), s.timeoutOption(r)...)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) startAfter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.StartAfter(r.Context(), chi.URLParam(r, "runID"), s.timeoutOption(r)...)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.runs.Report(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventCh, cancel, err := s.runs.Subscribe(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if endsStream(evt) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// endsStream reports whether evt is the last event of a stream: the end of
// a phase, or a snapshot of a run that can no longer change.
func endsStream(evt orchestrator.Event) bool {
	switch evt.Type {
	case orchestrator.EventUnit:
		return false
	case orchestrator.EventSnapshot:
		return evt.Run.State.Terminal()
	default:
		return !evt.Run.State.Running()
	}
}

// timeoutOption reads an optional ?timeout=<duration> phase bound.
func (s *Server) timeoutOption(r *http.Request) []orchestrator.StartOption {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		s.logger.Warn("ignoring invalid phase timeout", "value", raw)
		return nil
	}
	return []orchestrator.StartOption{orchestrator.WithTimeout(d)}
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	writeError(w, s.runErrorStatus(err), err)
}

func (s *Server) runErrorStatus(err error) int {
	var stateErr *runstate.InvalidRunStateError
	switch {
	case errors.Is(err, job.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, runstate.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr), errors.Is(err, orchestrator.ErrBeforeArtifactsMissing):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrMaxParallelRuns):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
