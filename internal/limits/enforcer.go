package limits

import (
	"math"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"pkt.systems/feedgate/internal/clock"
)

// Enforcer applies Rate overrides within a single gateway instance.
type Enforcer struct {
	clock    clock.Clock
	limiters *xsync.Map[string, *limiter]
}

// NewEnforcer returns an empty Enforcer.
func NewEnforcer(clk clock.Clock) *Enforcer {
	return &Enforcer{clock: clock.Or(clk), limiters: xsync.NewMap[string, *limiter]()}
}

// Allow reports whether one more request for key fits r. When it does not,
// retryAfter is the earliest instant worth retrying at, relative to now. A
// nil Rate always allows.
func (e *Enforcer) Allow(key string, r Rate) (ok bool, retryAfter time.Duration) {
	if r == nil {
		return true, 0
	}
	now := e.clock.Now()
	l, _ := e.limiters.Compute(key, func(old *limiter, loaded bool) (*limiter, xsync.ComputeOp) {
		if loaded && old.rate == r {
			return old, xsync.CancelOp
		}
		return newLimiter(r, now), xsync.UpdateOp
	})
	return l.allow(now)
}

// Len returns the number of tracked keys.
func (e *Enforcer) Len() int { return e.limiters.Size() }

// Prune drops limiters idle for longer than idle.
func (e *Enforcer) Prune(idle time.Duration) int {
	cutoff := e.clock.Now().Add(-idle)
	removed := 0
	e.limiters.Range(func(key string, l *limiter) bool {
		if l.lastUsed().Before(cutoff) {
			e.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

type limiter struct {
	rate Rate

	mu       sync.Mutex
	last     time.Time
	start    time.Time
	count    int
	previous int
	bucket   *rate.Limiter
}

func newLimiter(r Rate, now time.Time) *limiter {
	l := &limiter{rate: r, last: now}
	switch v := r.(type) {
	case FixedWindow:
		l.start = now.Truncate(v.Window)
	case SlidingWindow:
		l.start = now.Truncate(v.Window)
	case TokenBucket:
		l.bucket = rate.NewLimiter(rate.Every(v.Interval/time.Duration(v.Rate)), v.Burst)
	}
	return l
}

func (l *limiter) lastUsed() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *limiter) allow(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = now
	switch v := l.rate.(type) {
	case FixedWindow:
		l.advance(now, v.Window)
		if l.count >= v.Limit {
			return false, l.start.Add(v.Window).Sub(now)
		}
		l.count++
		return true, 0
	case SlidingWindow:
		l.advance(now, v.Window)
		elapsed := float64(now.Sub(l.start)) / float64(v.Window)
		estimate := float64(l.previous)*(1-elapsed) + float64(l.count)
		if estimate+1 > float64(v.Limit) {
			wait := time.Duration(math.Ceil(float64(v.Window) / float64(v.Limit)))
			return false, wait
		}
		l.count++
		return true, 0
	case TokenBucket:
		res := l.bucket.ReserveN(now, 1)
		if !res.OK() {
			return false, v.Interval
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return false, delay
		}
		return true, 0
	}
	return true, 0
}

// advance rolls fixed and sliding windows forward to the window holding now.
func (l *limiter) advance(now time.Time, w time.Duration) {
	start := now.Truncate(w)
	if !start.After(l.start) {
		return
	}
	if start.Sub(l.start) == w {
		l.previous = l.count
	} else {
		l.previous = 0
	}
	l.start = start
	l.count = 0
}
