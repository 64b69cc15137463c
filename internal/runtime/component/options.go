package component

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options are the string options declared for a component.
type Options map[string]string

// String returns the option or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses an integer option.
func (o Options) Int(key string, def int64) (int64, error) {
	v, ok := o[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// Bool parses a boolean option.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("option %s: %w", key, err)
	}
	return b, nil
}

// Seconds parses an option given in (possibly fractional) seconds.
func (o Options) Seconds(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, fmt.Errorf("option %s: %w", key, err)
	}
	if secs < 0 {
		return def, fmt.Errorf("option %s: must not be negative", key)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
