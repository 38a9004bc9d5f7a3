// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package cmdutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Retention windows are configured in days, which time.ParseDuration does
// not understand. Accepts "30d", "1d 12h", "1d12h30m", and plain Go forms
// like "1h30m".
var durationRegex = regexp.MustCompile(`^(?:(\d+)d)?(?:\s*)(?:(\d+)h)?(?:\s*)(?:(\d+)m)?(?:\s*)(?:(\d+)s)?$`)

var durationUnits = []struct {
	group int
	unit  time.Duration
}{
	{1, 24 * time.Hour},
	{2, time.Hour},
	{3, time.Minute},
	{4, time.Second},
}

// ParseDuration parses a duration string, supporting a "d" (days) unit on
// top of the standard h/m/s. Negative and empty durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration string is empty")
	}

	if !strings.Contains(s, "d") {
		if d, err := time.ParseDuration(s); err == nil {
			if d < 0 {
				return 0, fmt.Errorf("duration must be non-negative: %s", s)
			}
			return d, nil
		}
	}

	matches := durationRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration format: %s (expected e.g. '30d', '1d 12h', '1h30m')", s)
	}

	var total time.Duration
	seen := false
	for _, u := range durationUnits {
		if matches[u.group] == "" {
			continue
		}
		n, err := strconv.ParseInt(matches[u.group], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value %q in %s", matches[u.group], s)
		}
		total += time.Duration(n) * u.unit
		seen = true
	}
	if !seen {
		return 0, fmt.Errorf("duration must specify at least one unit (d, h, m, s): %s", s)
	}
	return total, nil
}

// ValidateDuration reports whether s parses as a non-negative duration.
func ValidateDuration(s string) error {
	_, err := ParseDuration(s)
	return err
}
