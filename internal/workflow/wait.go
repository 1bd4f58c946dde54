package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WaitMode selects how a wait node decides when the execution resumes.
type WaitMode string

const (
	// WaitDelay pauses for a relative duration from the moment the node
	// is entered.
	WaitDelay WaitMode = "delay"
	// WaitUntil pauses until an absolute point in time.
	WaitUntil WaitMode = "until"
	// WaitCondition pauses until a condition over the execution variables
	// holds, re-checked on a poll interval.
	WaitCondition WaitMode = "condition"
)

var dayPrefix = regexp.MustCompile(`^(\d+)d`)

// ParseDelay parses a wait duration. On top of the standard Go forms
// ("90s", "15m", "2h30m") it accepts a leading day component ("3d",
// "1d12h") since day-scale waits are the common case in drip flows.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var days time.Duration
	if m := dayPrefix.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q: %w", m[1], err)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[len(m[0]):]
		if s == "" {
			return days, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 || days+d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return days + d, nil
}

// timestampFormats are the accepted absolute-time spellings for "until"
// waits, most specific first. Zone-less forms are read as UTC.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseWhen parses an absolute timestamp in one of the accepted formats
// and returns it as a UTC instant.
func ParseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampFormats {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
