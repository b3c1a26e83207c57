package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationDecodesStringsAndSeconds(t *testing.T) {
	tests := map[string]struct {
		yaml string
		json string
		want time.Duration
	}{
		"go syntax":        {yaml: "1m30s", json: `"1m30s"`, want: 90 * time.Second},
		"whole seconds":    {yaml: "5", json: `5`, want: 5 * time.Second},
		"fraction":         {yaml: "0.25", json: `0.25`, want: 250 * time.Millisecond},
		"quoted seconds":   {yaml: `"2"`, json: `"2"`, want: 2 * time.Second},
		"empty means zero": {yaml: `""`, json: `null`, want: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var fromYAML struct {
				Wait Duration `yaml:"wait"`
			}
			if err := yaml.Unmarshal([]byte("wait: "+tc.yaml), &fromYAML); err != nil {
				t.Fatalf("yaml: %v", err)
			}
			var fromJSON Duration
			if err := json.Unmarshal([]byte(tc.json), &fromJSON); err != nil {
				t.Fatalf("json: %v", err)
			}
			if fromYAML.Wait.Duration != tc.want || fromJSON.Duration != tc.want {
				t.Fatalf("want %s, got yaml=%s json=%s", tc.want, fromYAML.Wait, fromJSON)
			}
		})
	}
}

func TestDurationRejectsInvalidValues(t *testing.T) {
	for _, raw := range []string{"-1", "-2s", "soon", "true", "[1, 2]"} {
		var v struct {
			Wait Duration `yaml:"wait"`
		}
		if err := yaml.Unmarshal([]byte("wait: "+raw), &v); err == nil {
			t.Fatalf("expected %q to be rejected, got %s", raw, v.Wait)
		}
	}
	var d Duration
	if err := json.Unmarshal([]byte(`{"seconds":1}`), &d); err == nil {
		t.Fatal("expected an object to be rejected")
	}
}

func TestDurationOrAndEncoding(t *testing.T) {
	if got := (Duration{}).Or(time.Second); got != time.Second {
		t.Fatalf("unset duration must fall back, got %s", got)
	}
	if got := DurationFrom(3 * time.Second).Or(time.Second); got != 3*time.Second {
		t.Fatalf("set duration must win, got %s", got)
	}
	b, err := json.Marshal(struct {
		Timeout Duration `json:"timeout"`
	}{DurationFrom(90 * time.Second)})
	if err != nil || string(b) != `{"timeout":"1m30s"}` {
		t.Fatalf("unexpected json %s (%v)", b, err)
	}
	out, err := yaml.Marshal(map[string]Duration{"timeout": DurationFrom(time.Minute)})
	if err != nil || strings.TrimSpace(string(out)) != "timeout: 1m0s" {
		t.Fatalf("unexpected yaml %q (%v)", out, err)
	}
}
