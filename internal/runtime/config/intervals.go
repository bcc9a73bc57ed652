package config

import (
	"strconv"
	"strings"
	"time"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
)

// ParseInterval parses the "[[[days:]hrs:]mins:]secs[.subsecs]" grammar
// into a duration. A bare number is seconds.
func ParseInterval(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 4 {
		return 0, fferrors.Configf("invalid time interval %q", s)
	}

	// Right-to-left: secs, mins, hrs, days.
	multipliers := []time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour}

	var total time.Duration
	for i := 0; i < len(parts); i++ {
		part := strings.TrimSpace(parts[len(parts)-1-i])
		if part == "" {
			return 0, fferrors.Configf("invalid time interval %q", s)
		}
		if i == 0 {
			secs, err := strconv.ParseFloat(part, 64)
			if err != nil || secs < 0 {
				return 0, fferrors.Configf("invalid seconds in time interval %q", s)
			}
			total += time.Duration(secs * float64(time.Second))
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fferrors.Configf("invalid component %q in time interval %q", part, s)
		}
		total += time.Duration(n) * multipliers[i]
	}

	return total, nil
}

var deadlineLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"15:04:05",
	"15:04",
}

// ParseDeadline parses an absolute "@date/time/datetime" value (without
// the leading '@'). A time without a date means that time today, in the
// local zone (or UTC when utc is set).
func ParseDeadline(s string, utc bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	loc := time.Local
	if utc {
		loc = time.UTC
	}

	for _, layout := range deadlineLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if !strings.Contains(layout, "2006") {
			now := time.Now().In(loc)
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
		}
		return t, nil
	}

	return time.Time{}, fferrors.Configf("invalid date/time %q", s)
}

// ParseExitSpec resolves the scheduled-exit grammar: "@..." is an
// absolute deadline, anything else is a relative interval. Exactly one of
// the returned values is set.
func ParseExitSpec(s string, utc bool) (time.Duration, time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, time.Time{}, nil
	}
	if strings.HasPrefix(s, "@") {
		at, err := ParseDeadline(s[1:], utc)
		return 0, at, err
	}
	d, err := ParseInterval(s)
	return d, time.Time{}, err
}
