package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseTimeOrNow parses an RFC3339 timestamp from an external system,
// falling back to the current UTC time when the value is absent or malformed.
// Signal ingestion must never fail on a bad upstream timestamp.
func ParseTimeOrNow(value string) time.Time {
	t, err := ParseRFC3339(value)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// WindowStart returns the opening edge of a lookback window ending at now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return now.Add(-window)
}
