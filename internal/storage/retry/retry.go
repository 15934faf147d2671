// Package retry decorates checkpoint stores with bounded retries of
// transient errors.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a checkpoint store that retries transient errors according to
// cfg. Non-transient errors, including ErrNotFound and ErrExists, return
// immediately.
func Wrap(inner storage.CheckpointStore, logger pslog.Logger, clk clock.Clock, cfg Config) storage.CheckpointStore {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 25 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{inner: inner, logger: logger, clock: clock.Or(clk), cfg: cfg}
}

type store struct {
	inner  storage.CheckpointStore
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Get(ctx context.Context, handle string) (storage.Checkpoint, error) {
	var cp storage.Checkpoint
	err := s.withRetry(ctx, "get_checkpoint", handle, func(ctx context.Context) error {
		var err error
		cp, err = s.inner.Get(ctx, handle)
		return err
	})
	return cp, err
}

func (s *store) Create(ctx context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	return s.withRetry(ctx, "create_checkpoint", handle, func(ctx context.Context) error {
		return s.inner.Create(ctx, handle, cp, ttl)
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}

// Ping forwards to the inner store when it supports readiness checks.
func (s *store) Ping(ctx context.Context) error {
	if p, ok := s.inner.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// SweepExpired forwards to the inner store when it needs explicit sweeps.
func (s *store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	if sw, ok := s.inner.(storage.Sweeper); ok {
		return sw.SweepExpired(ctx, now)
	}
	return 0, nil
}

// Unwrap exposes the decorated store.
func (s *store) Unwrap() storage.CheckpointStore { return s.inner }

func (s *store) withRetry(ctx context.Context, op, handle string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage transient error",
			"operation", op,
			"handle", handle,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		next := time.Duration(float64(delay) * s.cfg.Multiplier)
		if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
