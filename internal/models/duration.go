package models

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPattern accepts a count and a single unit: seconds, minutes,
// hours, or days.
var durationPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseDuration parses the duration format used by triggers and
// policies: "30s", "5m", "2h", "1d".
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q (expected <n><s|m|h|d>)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	// Unreachable: the regexp only admits the four units above.
	return 0, fmt.Errorf("invalid duration unit in %q", s)
}

// ParseDelay parses a retry-delay string. It accepts the compact
// trigger form ("30s", "1d") as well as any Go duration literal, so
// sub-second delays like "100ms" are expressible in retry policies.
func ParseDelay(s string) (time.Duration, error) {
	if d, err := ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid delay %q: must be non-negative", s)
	}
	return d, nil
}
