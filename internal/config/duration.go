package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration decodes a duration field. Empty means "unset" and
// decodes to zero; negative values are rejected. field names the config
// key for the error message.
func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// durationOr decodes a duration field, substituting def when unset.
func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
