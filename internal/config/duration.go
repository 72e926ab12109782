package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations parses many fields and keeps the first error, so mapping code
// can read straight through and check once.
//
//	var d config.Durations
//	read := d.Get("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
//	if err := d.Err(); err != nil { ... }
type Durations struct {
	err error
}

func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *Durations) Err() error { return d.err }
