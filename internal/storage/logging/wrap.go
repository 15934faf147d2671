// Package logging decorates stores with trace spans and debug logging.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/correlation"
	"pkt.systems/feedgate/internal/storage"
)

const tracerName = "pkt.systems/feedgate/storage"

type base struct {
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

func newBase(logger pslog.Logger, sys string) base {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return base{logger: logger, tracer: otel.Tracer(tracerName), sys: sys}
}

func (b base) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "feedgate.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("feedgate.storage.operation", op),
		attribute.String("feedgate.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("feedgate.correlation_id", cid))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(err error) {
		result := resultOf(err)
		switch result {
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", time.Since(begin))
		default:
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".done", "result", result, "elapsed", time.Since(begin))
		}
		span.SetAttributes(attribute.String("feedgate.storage.result", result))
		span.End()
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrExists):
		return "exists"
	default:
		return "error"
	}
}

type admission struct {
	base
	inner storage.AdmissionStore
}

// WrapAdmission decorates an admission store.
func WrapAdmission(inner storage.AdmissionStore, logger pslog.Logger, sys string) storage.AdmissionStore {
	if inner == nil {
		return nil
	}
	return &admission{base: newBase(logger, sys), inner: inner}
}

func (a *admission) Acquire(ctx context.Context, req storage.AcquireRequest) (storage.AcquireResult, error) {
	ctx, span, logger, finish := a.start(ctx, "acquire")
	span.SetAttributes(
		attribute.String("feedgate.tenant", req.Tenant),
		attribute.Int("feedgate.admission.limit", req.Limit),
	)
	logger.Trace("storage.acquire.begin", "tenant", req.Tenant, "request_id", req.RequestID, "limit", req.Limit)
	res, err := a.inner.Acquire(ctx, req)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("feedgate.admission.granted", res.Granted),
			attribute.Int("feedgate.admission.in_flight", res.InFlight),
		)
	}
	finish(err)
	return res, err
}

func (a *admission) Release(ctx context.Context, tenant, requestID string) error {
	ctx, span, logger, finish := a.start(ctx, "release")
	span.SetAttributes(attribute.String("feedgate.tenant", tenant))
	logger.Trace("storage.release.begin", "tenant", tenant, "request_id", requestID)
	err := a.inner.Release(ctx, tenant, requestID)
	finish(err)
	return err
}

func (a *admission) Close() error { return a.inner.Close() }

func (a *admission) Ping(ctx context.Context) error {
	if p, ok := a.inner.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

type checkpoints struct {
	base
	inner storage.CheckpointStore
}

// WrapCheckpoint decorates a checkpoint store.
func WrapCheckpoint(inner storage.CheckpointStore, logger pslog.Logger, sys string) storage.CheckpointStore {
	if inner == nil {
		return nil
	}
	return &checkpoints{base: newBase(logger, sys), inner: inner}
}

func (c *checkpoints) Get(ctx context.Context, handle string) (storage.Checkpoint, error) {
	ctx, _, logger, finish := c.start(ctx, "get_checkpoint")
	logger.Trace("storage.get_checkpoint.begin", "handle", handle)
	cp, err := c.inner.Get(ctx, handle)
	finish(err)
	return cp, err
}

func (c *checkpoints) Create(ctx context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	ctx, span, logger, finish := c.start(ctx, "create_checkpoint")
	span.SetAttributes(attribute.Int64("feedgate.checkpoint.ttl_ms", ttl.Milliseconds()))
	logger.Trace("storage.create_checkpoint.begin", "handle", handle, "cutoff", cp.Cutoff, "ttl", ttl)
	err := c.inner.Create(ctx, handle, cp, ttl)
	finish(err)
	return err
}

func (c *checkpoints) Close() error { return c.inner.Close() }

func (c *checkpoints) Ping(ctx context.Context) error {
	if p, ok := c.inner.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *checkpoints) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	sw, ok := c.inner.(storage.Sweeper)
	if !ok {
		return 0, nil
	}
	ctx, span, _, finish := c.start(ctx, "sweep_checkpoints")
	n, err := sw.SweepExpired(ctx, now)
	span.SetAttributes(attribute.Int64("feedgate.checkpoint.swept", n))
	finish(err)
	return n, err
}
