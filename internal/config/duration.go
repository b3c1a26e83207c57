package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wait or deadline in a service config or job definition.
// It decodes from a Go duration string ("90s", "1m30s") or from a number of
// seconds, which may be fractional ("wait_after_scroll: 0.25"). Negative
// values are rejected.
type Duration struct {
	time.Duration
}

// DurationFrom wraps d.
func DurationFrom(d time.Duration) Duration {
	return Duration{Duration: d}
}

// Or returns fallback when d is not positive, so an unset job wait inherits
// the rendering default.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d.Duration <= 0 {
		return fallback
	}
	return d.Duration
}

// IsZero reports whether no duration was configured.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

func (d Duration) String() string {
	return d.Duration.String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := d.set(raw); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.set(string(text))
}

func (d *Duration) set(raw any) error {
	var parsed time.Duration
	switch v := raw.(type) {
	case nil:
	case string:
		p, err := parseDuration(v)
		if err != nil {
			return err
		}
		parsed = p
	case int:
		parsed = time.Duration(v) * time.Second
	case float64:
		parsed = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("unsupported duration value %v (%T)", raw, raw)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %s must not be negative", parsed)
	}
	d.Duration = parsed
	return nil
}

// parseDuration accepts Go duration syntax and plain seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return parsed, nil
}
