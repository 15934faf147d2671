// Package window resolves relative, human-readable time windows such as
// "24h" or "8d" into absolute cutoff instants.
package window

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxLookback bounds how far back a resolved cutoff may reach.
const DefaultMaxLookback = 30 * 24 * time.Hour

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// ErrInvalid is returned by Parse for strings that do not describe a
// positive duration.
var ErrInvalid = errors.New("window: invalid duration")

var units = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": day,
	"w": week,
}

// Parse converts a window such as "90s", "24h", "8d", "1.5w" or a Go
// duration string ("1h30m") into a positive duration.
func Parse(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, ErrInvalid
	}
	if unit, ok := units[s[len(s)-1:]]; ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-1]), 64); err == nil {
			return scale(n, unit)
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ErrInvalid, s)
	}
	return d, nil
}

func scale(n float64, unit time.Duration) (time.Duration, error) {
	if math.IsNaN(n) || n <= 0 {
		return 0, ErrInvalid
	}
	f := n * float64(unit)
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(f), nil
}

// Resolve returns now minus the parsed window, clamped so the cutoff is
// never older than now minus maxLookback. ok is false when s does not
// parse, in which case the caller applies no lower bound. A non-positive
// maxLookback disables clamping.
func Resolve(s string, now time.Time, maxLookback time.Duration) (cutoff time.Time, ok bool) {
	d, err := Parse(s)
	if err != nil {
		return time.Time{}, false
	}
	if maxLookback > 0 && d > maxLookback {
		d = maxLookback
	}
	return now.Add(-d).UTC(), true
}

// Resolver binds a maximum look-back to Resolve.
type Resolver struct {
	MaxLookback time.Duration
}

// Resolve resolves s against now using the resolver's look-back bound.
func (r Resolver) Resolve(s string, now time.Time) (time.Time, bool) {
	return Resolve(s, now, r.MaxLookback)
}

// Format renders d in the shortest form Parse accepts, using days for whole
// multiples of a day.
func Format(d time.Duration) string {
	if d > 0 && d%day == 0 {
		return strconv.FormatInt(int64(d/day), 10) + "d"
	}
	return d.String()
}
