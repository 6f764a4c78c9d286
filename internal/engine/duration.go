package engine

import (
	"regexp"
	"strconv"
	"time"
)

// DefaultWindow is used for window strings that do not match <int><s|m|h|d>.
const DefaultWindow = time.Hour

var windowPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWindow converts a window such as "30s", "5m", "2h" or "1d" into a duration.
// Anything else yields DefaultWindow; malformed windows are tolerated, not rejected.
func ParseWindow(s string) time.Duration {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultWindow
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return DefaultWindow
	}

	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(maxDuration/unit) {
		return DefaultWindow
	}
	return time.Duration(n) * unit
}

// DurationMillis is ParseWindow in milliseconds.
func DurationMillis(s string) int64 {
	return ParseWindow(s).Milliseconds()
}

const maxDuration = time.Duration(1<<63 - 1)
