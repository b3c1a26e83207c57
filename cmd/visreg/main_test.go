package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestStepsShareRunsAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
rendering:
  engine: none
artifacts:
  directory: `+filepath.Join(dir, "runs")+`
logging:
  level: error
`)
	jobPath := writeFile(t, dir, "job.yaml", `
name: smoke
urls:
  - url: https://example.com
    max_diff: 0.01
    window_widths: [800]
`)

	var out, errOut bytes.Buffer
	if code := run([]string{"-config", cfgPath, "-job", jobPath, "-step", "before"}, &out, &errOut); code != 0 {
		t.Fatalf("before exited %d: %s %s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "BEFORE_DONE") {
		t.Fatalf("unexpected before output %q", out.String())
	}

	out.Reset()
	if code := run([]string{"-config", cfgPath, "-step", "after"}, &out, &errOut); code != 0 {
		t.Fatalf("after exited %d: %s %s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "FINISHED") || !strings.Contains(out.String(), "result: passed") {
		t.Fatalf("unexpected after output %q", out.String())
	}

	out.Reset()
	if code := run([]string{"-config", cfgPath, "-step", "compare"}, &out, &errOut); code != 0 {
		t.Fatalf("compare exited %d: %s", code, errOut.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "runs", "runs.db")); err != nil {
		t.Fatalf("expected the sqlite store next to the artifacts: %v", err)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
rendering:
  engine: none
artifacts:
  directory: `+filepath.Join(dir, "runs")+`
logging:
  level: error
`)
	tests := map[string][]string{
		"unknown step":    {"-config", cfgPath, "-step", "deploy"},
		"missing job":     {"-config", cfgPath, "-job", filepath.Join(dir, "absent.yaml")},
		"nothing to diff": {"-config", cfgPath, "-step", "after"},
		"unknown flag":    {"-bogus"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if code := run(args, &out, &errOut); code != 2 {
				t.Fatalf("expected exit 2, got %d (%s)", code, errOut.String())
			}
		})
	}
}
