// Package clock provides the time source used for admission windows and
// checkpoint freshness so both can be driven deterministically in tests.
package clock

import "time"

// Clock abstracts the time functions the gateway depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Or returns c when non-nil, otherwise Real.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
