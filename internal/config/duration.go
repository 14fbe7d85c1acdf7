package config

import (
	"fmt"
	"strings"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"
)

// DurationOrDefault parses value, or fallback when value is blank.
func DurationOrDefault(value string, fallback string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(fallback)
	}
	if candidate == "" {
		return 0, runitErrors.InvalidInput("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, runitErrors.WrapWithCategory(err, fmt.Sprintf("parse duration %q", candidate), runitErrors.ErrInvalidInput)
	}
	return d, nil
}

// PositiveDuration parses the setting named key and rejects zero or negative
// values. There is no fallback.
func PositiveDuration(key, value string) (time.Duration, error) {
	d, err := DurationOrDefault(value, "")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, runitErrors.InvalidInput(fmt.Sprintf("%s must be positive, got %s", key, d))
	}
	return d, nil
}
