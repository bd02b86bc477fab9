package config

import (
	"fmt"
	"time"

	"github.com/sosodev/duration"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as an ISO-8601 duration (PT10M, P14D).
type Duration struct {
	time.Duration
}

// ParseDuration parses an ISO-8601 duration string. Zero and negative
// durations are rejected since every TTL in this server must be positive.
func ParseDuration(s string) (time.Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
	}
	if d.Negative {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	td := d.ToTimeDuration()
	if td <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return td, nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return duration.Format(d.Duration).String(), nil
}

// orDefault returns d unless it is unset.
func (d Duration) orDefault(def time.Duration) Duration {
	if d.Duration <= 0 {
		return Duration{def}
	}
	return d
}
