// Package admission gates live requests with a per-tenant, time-windowed
// concurrency semaphore held in a shared store.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
)

const (
	// DefaultWindow is how long an unreleased slot counts against its tenant.
	DefaultWindow = 5 * time.Minute
	// DefaultLimit applies when the limit provider has nothing better.
	DefaultLimit = 100

	releaseTimeout = 5 * time.Second
)

var (
	// ErrRejected means the tenant is at its concurrency limit.
	ErrRejected = errors.New("admission: too many concurrent requests")
	// ErrUnavailable means the store failed and the policy is fail-closed.
	ErrUnavailable = errors.New("admission: store unavailable")
)

// FailurePolicy decides what happens when the store cannot be reached.
type FailurePolicy int

const (
	// FailClosed rejects live requests while the store is failing.
	FailClosed FailurePolicy = iota
	// FailOpen admits live requests without a slot while the store is failing.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "open"
	}
	return "closed"
}

// ParseFailurePolicy accepts "closed" or "open". Empty means closed.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "closed", "fail-closed":
		return FailClosed, nil
	case "open", "fail-open":
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("admission: unknown failure policy %q", s)
	}
}

// Config controls a Controller.
type Config struct {
	Store  storage.AdmissionStore
	Clock  clock.Clock
	Logger pslog.Logger
	Policy FailurePolicy
}

// Controller is safe for concurrent use.
type Controller struct {
	store   storage.AdmissionStore
	clock   clock.Clock
	logger  pslog.Logger
	policy  FailurePolicy
	metrics *metrics
}

// New constructs a Controller. A nil store is a configuration error.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("admission: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Controller{
		store:   cfg.Store,
		clock:   clock.Or(cfg.Clock),
		logger:  cfg.Logger,
		policy:  cfg.Policy,
		metrics: newMetrics(cfg.Logger),
	}, nil
}

// Policy returns the configured failure policy.
func (c *Controller) Policy() FailurePolicy { return c.policy }

// TryAcquire attempts to take a slot for requestID. It reports the store's
// decision and any store error unchanged; the failure policy is not applied.
func (c *Controller) TryAcquire(ctx context.Context, tenant, requestID string, limit int, window time.Duration) (bool, error) {
	res, err := c.acquire(ctx, tenant, requestID, limit, window)
	if err != nil {
		return false, err
	}
	return res.Granted, nil
}

// Release frees the slot held by requestID. Releasing an unknown slot is a
// no-op.
func (c *Controller) Release(ctx context.Context, tenant, requestID string) error {
	if err := c.store.Release(ctx, tenant, requestID); err != nil {
		c.metrics.recordStoreError(ctx, "release")
		return fmt.Errorf("admission: release: %w", err)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context, tenant, requestID string, limit int, window time.Duration) (storage.AcquireResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	res, err := c.store.Acquire(ctx, storage.AcquireRequest{
		Tenant:    tenant,
		RequestID: requestID,
		Limit:     limit,
		Window:    window,
		Now:       c.clock.Now(),
	})
	if err != nil {
		c.metrics.recordStoreError(ctx, "acquire")
		return storage.AcquireResult{}, fmt.Errorf("admission: acquire: %w", err)
	}
	return res, nil
}

// Admit applies TryAcquire and the failure policy. On success the returned
// Lease must be released exactly once; further calls are no-ops. A rejected
// request gets ErrRejected, a store failure under FailClosed gets
// ErrUnavailable.
func (c *Controller) Admit(ctx context.Context, tenant, requestID string, limit int, window time.Duration) (*Lease, error) {
	logger := loggerFrom(ctx, c.logger)
	res, err := c.acquire(ctx, tenant, requestID, limit, window)
	if err != nil {
		if c.policy == FailOpen {
			c.metrics.recordDecision(ctx, "store_error_admitted")
			logger.Warn("admission.store.error", "tenant", tenant, "request_id", requestID, "policy", c.policy.String(), "error", err)
			return &Lease{tenant: tenant, requestID: requestID}, nil
		}
		c.metrics.recordDecision(ctx, "store_error_rejected")
		logger.Error("admission.store.error", "tenant", tenant, "request_id", requestID, "policy", c.policy.String(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !res.Granted {
		c.metrics.recordDecision(ctx, "rejected")
		logger.Info("admission.rejected", "tenant", tenant, "request_id", requestID, "limit", limit, "in_flight", res.InFlight)
		return nil, ErrRejected
	}
	c.metrics.recordDecision(ctx, "granted")
	logger.Debug("admission.granted", "tenant", tenant, "request_id", requestID, "limit", limit, "in_flight", res.InFlight)
	return &Lease{controller: c, tenant: tenant, requestID: requestID, InFlight: res.InFlight}, nil
}

// Lease is a granted slot.
type Lease struct {
	controller *Controller
	tenant     string
	requestID  string
	once       sync.Once
	// InFlight is the tenant's slot count right after admission.
	InFlight int
}

// Held reports whether the lease holds a store slot. Leases granted under
// FailOpen hold none.
func (l *Lease) Held() bool { return l != nil && l.controller != nil }

// Release frees the slot. It runs at most once and survives cancellation of
// ctx so an aborted request cannot leak its slot.
func (l *Lease) Release(ctx context.Context) {
	if !l.Held() {
		return
	}
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.controller.Release(ctx, l.tenant, l.requestID); err != nil {
			loggerFrom(ctx, l.controller.logger).Warn("admission.release.error", "tenant", l.tenant, "request_id", l.requestID, "error", err)
		}
	})
}

func loggerFrom(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return fallback
}
