package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultRetention is how long artifacts are kept when no expire_in is
// configured anywhere.
const DefaultRetention = 30 * 24 * time.Hour

// ParseRetention parses an artifact retention duration. On top of the usual
// time.ParseDuration units it accepts a leading day component: "7d", "1d12h".
func ParseRetention(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRetention, nil
	}

	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i >= 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad retention %q: invalid day count", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}

	rest, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad retention: %w", err)
	}
	if rest < 0 {
		return 0, fmt.Errorf("bad retention %q: negative", s)
	}
	return days + rest, nil
}
