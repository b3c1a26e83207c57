package api

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/otto-de/jlineup-sub001/internal/runstate"
)

//go:embed static/openapi.yaml
var openAPISpec []byte

// routeSummaries describes the routes listed on /docs, keyed by method and
// pattern as chi reports them.
var routeSummaries = map[string]string{
	"GET /health":               "Liveness check.",
	"GET /openapi.yaml":         "OpenAPI description of this API.",
	"GET /docs":                 "This page.",
	"GET /runs":                 "Summaries of all runs, oldest first.",
	"POST /runs":                "Create a run from a job definition and start its before phase. Pass start=false to only create it.",
	"GET /runs/{runID}":         "Full record of a run including unit outcomes.",
	"POST /runs/{runID}/before": "Capture the before screenshots of a CREATED run.",
	"POST /runs/{runID}/after":  "Capture the after screenshots of a BEFORE_DONE run and compare them.",
	"GET /runs/{runID}/report":  "Comparison report of a FINISHED run.",
	"GET /runs/{runID}/events":  "Server-sent events of the run until its current phase ends.",
}

type routeDoc struct {
	Method  string
	Pattern string
	Summary string
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Visual Regression Runs</title>
  <style>
    body { font-family: sans-serif; margin: 2rem; color: #222; }
    td, th { padding: .3rem .8rem; text-align: left; vertical-align: top; }
    code { background: #f0f0f0; padding: 0 .2rem; }
  </style>
</head>
<body>
<h1>Visual Regression Runs</h1>
<p>A run captures every configured page before and after a change, then
reports the share of differing pixels per viewport. Phases run
asynchronously; poll the run or follow its events. The machine readable
description is at <a href="/openapi.yaml">/openapi.yaml</a>.</p>
<p>States: {{range $i, $s := .States}}{{if $i}} &rarr; {{end}}<code>{{$s}}</code>{{end}}, or <code>ERROR</code>.</p>
<table>
<tr><th>Method</th><th>Route</th><th></th></tr>
{{range .Routes}}<tr><td>{{.Method}}</td><td><code>{{.Pattern}}</code></td><td>{{.Summary}}</td></tr>
{{end}}</table>
</body>
</html>`))

// routeIndex lists the routes registered on the router.
func (s *Server) routeIndex() ([]routeDoc, error) {
	var routes []routeDoc
	err := chi.Walk(s.router, func(method, pattern string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if pattern != "/" {
			pattern = strings.TrimSuffix(pattern, "/")
		}
		routes = append(routes, routeDoc{
			Method:  method,
			Pattern: pattern,
			Summary: routeSummaries[method+" "+pattern],
		})
		return nil
	})
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern != routes[j].Pattern {
			return routes[i].Pattern < routes[j].Pattern
		}
		return routes[i].Method < routes[j].Method
	})
	return routes, err
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	routes, err := s.routeIndex()
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	var buf bytes.Buffer
	err = docsTemplate.Execute(&buf, map[string]any{
		"Routes": routes,
		"States": []runstate.State{runstate.StateCreated, runstate.StateBeforeRunning, runstate.StateBeforeDone, runstate.StateAfterRunning, runstate.StateFinished},
	})
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
