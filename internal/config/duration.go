package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time knob as it appears in the config file: a Go duration
// string such as "500ms", "30s" or "5m". The empty string means "use the
// built-in default".
type Duration string

// Parse returns the duration, 0 for an unset field, or an error for
// malformed or negative input. Validate runs this over every duration knob,
// so code past the load path can use Or without error handling.
func (d Duration) Parse() (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %q", string(d))
	}
	return v, nil
}

// Or returns the parsed value, or def when the field is unset, zero, or
// malformed. Malformed values never survive Validate, so the fallback only
// matters for configs built in code.
func (d Duration) Or(def time.Duration) time.Duration {
	v, err := d.Parse()
	if err != nil || v <= 0 {
		return def
	}
	return v
}
