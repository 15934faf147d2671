package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/feedgate/internal/window"
)

// Kind names a rate override variant.
type Kind string

// Rate override variants.
const (
	KindFixedWindow   Kind = "fixed_window"
	KindSlidingWindow Kind = "sliding_window"
	KindTokenBucket   Kind = "token_bucket"
)

// Rate is a per-tenant request rate override. The set of implementations is
// closed: FixedWindow, SlidingWindow and TokenBucket.
type Rate interface {
	Kind() Kind
	Validate() error
	rate()
}

// FixedWindow admits Limit requests per aligned Window.
type FixedWindow struct {
	Limit  int
	Window time.Duration
}

// SlidingWindow admits Limit requests in any trailing Window, estimated from
// the current and previous fixed windows.
type SlidingWindow struct {
	Limit  int
	Window time.Duration
}

// TokenBucket refills Rate tokens every Interval up to Burst.
type TokenBucket struct {
	Rate     int
	Interval time.Duration
	Burst    int
}

func (FixedWindow) Kind() Kind   { return KindFixedWindow }
func (SlidingWindow) Kind() Kind { return KindSlidingWindow }
func (TokenBucket) Kind() Kind   { return KindTokenBucket }

func (FixedWindow) rate()   {}
func (SlidingWindow) rate() {}
func (TokenBucket) rate()   {}

// Validate implements Rate.
func (r FixedWindow) Validate() error {
	return validateWindow(r.Limit, r.Window)
}

// Validate implements Rate.
func (r SlidingWindow) Validate() error {
	return validateWindow(r.Limit, r.Window)
}

// Validate implements Rate.
func (r TokenBucket) Validate() error {
	if r.Rate <= 0 {
		return errors.New("rate must be positive")
	}
	if r.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if r.Burst <= 0 {
		return errors.New("burst must be positive")
	}
	return nil
}

func validateWindow(limit int, w time.Duration) error {
	if limit <= 0 {
		return errors.New("limit must be positive")
	}
	if w <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

// RateSpec is the loosely typed form of a Rate as it appears in the
// overrides file.
type RateSpec struct {
	Type     string `yaml:"type"`
	Limit    int    `yaml:"limit,omitempty"`
	Window   string `yaml:"window,omitempty"`
	Rate     int    `yaml:"rate,omitempty"`
	Interval string `yaml:"interval,omitempty"`
	Burst    int    `yaml:"burst,omitempty"`
}

// Parse converts rs into a validated Rate.
func (rs RateSpec) Parse() (Rate, error) {
	var r Rate
	switch Kind(strings.ToLower(strings.TrimSpace(rs.Type))) {
	case KindFixedWindow:
		w, err := parseDuration("window", rs.Window)
		if err != nil {
			return nil, err
		}
		r = FixedWindow{Limit: rs.Limit, Window: w}
	case KindSlidingWindow:
		w, err := parseDuration("window", rs.Window)
		if err != nil {
			return nil, err
		}
		r = SlidingWindow{Limit: rs.Limit, Window: w}
	case KindTokenBucket:
		interval, err := parseDuration("interval", rs.Interval)
		if err != nil {
			return nil, err
		}
		r = TokenBucket{Rate: rs.Rate, Interval: interval, Burst: rs.Burst}
	default:
		return nil, fmt.Errorf("unknown rate type %q", rs.Type)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", r.Kind(), err)
	}
	return r, nil
}

// SpecOf returns the file form of r.
func SpecOf(r Rate) RateSpec {
	switch v := r.(type) {
	case FixedWindow:
		return RateSpec{Type: string(KindFixedWindow), Limit: v.Limit, Window: v.Window.String()}
	case SlidingWindow:
		return RateSpec{Type: string(KindSlidingWindow), Limit: v.Limit, Window: v.Window.String()}
	case TokenBucket:
		return RateSpec{Type: string(KindTokenBucket), Rate: v.Rate, Interval: v.Interval.String(), Burst: v.Burst}
	}
	return RateSpec{}
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := window.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
