// Package checkpoint pins the cutoff instant of a subscription to the
// continuation handle the origin minted for it.
//
// Lookups consult an in-process tier first and fall through to the shared
// store on a local miss. The local tier is an optimisation and never decides
// a miss on its own. Entries are written once: the cutoff for a handle is
// fixed when the subscription starts and only the origin's cursor moves
// forward from there.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
)

const (
	// DefaultFresh is how long an entry is served as fresh.
	DefaultFresh = 7 * 24 * time.Hour
	// DefaultStale is the total lifetime of an entry. Between DefaultFresh
	// and DefaultStale the entry is stale but still served.
	DefaultStale = 14 * 24 * time.Hour
	// DefaultLocalSize bounds the in-process tier.
	DefaultLocalSize = 100_000
	// DefaultLookupTimeout bounds one shared-tier read.
	DefaultLookupTimeout = 5 * time.Second
)

// State classifies a lookup.
type State int

const (
	// Miss means no usable entry exists.
	Miss State = iota
	// Fresh entries are within the freshness window.
	Fresh
	// Stale entries are past freshness but still within the staleness window.
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Result is the outcome of Lookup.
type Result struct {
	Cutoff time.Time
	State  State
	// Local reports whether the local tier answered.
	Local bool
}

// Hit reports whether Cutoff is usable.
func (r Result) Hit() bool { return r.State != Miss }

// Config controls a Cache.
type Config struct {
	Fresh     time.Duration
	Stale     time.Duration
	LocalSize int
	// LookupTimeout bounds a shared-tier read independently of the caller.
	LookupTimeout time.Duration
	// Store is the shared tier. Nil keeps checkpoints in process only.
	Store  storage.CheckpointStore
	Clock  clock.Clock
	Logger pslog.Logger
}

type entry struct {
	cutoff    time.Time
	createdAt time.Time
}

// Cache is the two-tier checkpoint cache. It is safe for concurrent use.
type Cache struct {
	fresh     time.Duration
	stale     time.Duration
	localSize int
	timeout   time.Duration
	store     storage.CheckpointStore
	clock     clock.Clock
	logger    pslog.Logger
	local     *xsync.Map[string, entry]
	group     singleflight.Group
	metrics   *metrics
}

// New constructs a Cache, filling zero values with defaults.
func New(cfg Config) *Cache {
	if cfg.Fresh <= 0 {
		cfg.Fresh = DefaultFresh
	}
	if cfg.Stale <= 0 {
		cfg.Stale = DefaultStale
	}
	if cfg.Stale < cfg.Fresh {
		cfg.Stale = cfg.Fresh
	}
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = DefaultLocalSize
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Cache{
		fresh:     cfg.Fresh,
		stale:     cfg.Stale,
		localSize: cfg.LocalSize,
		timeout:   cfg.LookupTimeout,
		store:     cfg.Store,
		clock:     clock.Or(cfg.Clock),
		logger:    cfg.Logger,
		local:     xsync.NewMap[string, entry](),
		metrics:   newMetrics(cfg.Logger),
	}
}

// Get returns the pinned cutoff for handle.
func (c *Cache) Get(ctx context.Context, handle string) (time.Time, bool) {
	res := c.Lookup(ctx, handle)
	return res.Cutoff, res.Hit()
}

// Lookup returns the pinned cutoff for handle together with its freshness.
// Shared-tier failures are logged and reported as a miss. Lookup returns a
// miss as soon as ctx ends; a shared read already in flight keeps running
// for other waiters until it completes or LookupTimeout elapses.
func (c *Cache) Lookup(ctx context.Context, handle string) Result {
	if handle == "" {
		return Result{}
	}
	now := c.clock.Now()
	if e, ok := c.local.Load(handle); ok {
		if state := c.classify(e, now); state != Miss {
			res := Result{Cutoff: e.cutoff, State: state, Local: true}
			c.record(ctx, handle, res)
			return res
		}
		c.local.Delete(handle)
	}
	if c.store == nil {
		c.record(ctx, handle, Result{})
		return Result{}
	}
	ch := c.group.DoChan(handle, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		cp, err := c.store.Get(fetchCtx, handle)
		if err != nil {
			return entry{}, err
		}
		return entry{cutoff: cp.Cutoff, createdAt: cp.CreatedAt}, nil
	})
	var (
		v   any
		err error
	)
	select {
	case <-ctx.Done():
		loggerFrom(ctx, c.logger).Debug("checkpoint.lookup.canceled", "handle", handle, "error", ctx.Err())
		return Result{}
	case r := <-ch:
		v, err = r.Val, r.Err
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.metrics.recordStoreError(ctx, "get")
			loggerFrom(ctx, c.logger).Warn("checkpoint.shared.error", "handle", handle, "error", err)
		}
		c.record(ctx, handle, Result{})
		return Result{}
	}
	e := v.(entry)
	state := c.classify(e, now)
	if state != Miss {
		c.storeLocal(handle, e)
	}
	res := Result{Cutoff: e.cutoff, State: state}
	if state == Miss {
		res.Cutoff = time.Time{}
	}
	c.record(ctx, handle, res)
	return res
}

// Set pins cutoff to handle. An existing entry in either tier is kept as is
// and Set returns nil. Shared-tier failures are returned after the local
// tier has been populated.
func (c *Cache) Set(ctx context.Context, handle string, cutoff time.Time) error {
	if handle == "" {
		return nil
	}
	now := c.clock.Now()
	e := entry{cutoff: cutoff.UTC(), createdAt: now}
	if existing, ok := c.local.Load(handle); ok && c.classify(existing, now) != Miss {
		return nil
	}
	if c.store != nil {
		err := c.store.Create(ctx, handle, storage.Checkpoint{Cutoff: e.cutoff, CreatedAt: now}, c.stale)
		switch {
		case errors.Is(err, storage.ErrExists):
			// The shared entry wins; drop any local guess so the next
			// lookup reads it back.
			c.local.Delete(handle)
			return nil
		case err != nil:
			c.metrics.recordStoreError(ctx, "create")
			c.storeLocalIfAbsent(handle, e)
			return err
		}
	}
	c.storeLocalIfAbsent(handle, e)
	return nil
}

// Len returns the size of the local tier.
func (c *Cache) Len() int { return c.local.Size() }

// Purge drops local entries past the staleness window and returns how many
// were removed.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	removed := 0
	c.local.Range(func(handle string, e entry) bool {
		if c.classify(e, now) == Miss {
			c.local.Delete(handle)
			removed++
		}
		return true
	})
	return removed
}

func (c *Cache) classify(e entry, now time.Time) State {
	age := now.Sub(e.createdAt)
	switch {
	case age < c.fresh:
		return Fresh
	case age < c.stale:
		return Stale
	default:
		return Miss
	}
}

func (c *Cache) storeLocal(handle string, e entry) {
	c.makeRoom()
	c.local.Store(handle, e)
}

func (c *Cache) storeLocalIfAbsent(handle string, e entry) {
	c.makeRoom()
	c.local.LoadOrStore(handle, e)
}

// makeRoom keeps the local tier under its bound: expired entries go first,
// then arbitrary ones.
func (c *Cache) makeRoom() {
	if c.local.Size() < c.localSize {
		return
	}
	if c.Purge() > 0 && c.local.Size() < c.localSize {
		return
	}
	excess := c.local.Size() - c.localSize + 1
	c.local.Range(func(handle string, _ entry) bool {
		c.local.Delete(handle)
		excess--
		return excess > 0
	})
}

func (c *Cache) record(ctx context.Context, handle string, res Result) {
	c.metrics.recordLookup(ctx, res)
	if res.State == Stale {
		loggerFrom(ctx, c.logger).Info("checkpoint.lookup.stale", "handle", handle, "cutoff", res.Cutoff)
	}
}

func loggerFrom(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return fallback
}
