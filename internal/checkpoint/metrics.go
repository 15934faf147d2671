package checkpoint

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type metrics struct {
	lookups     metric.Int64Counter
	storeErrors metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/feedgate/checkpoint")
	m := &metrics{}
	var err error
	m.lookups, err = meter.Int64Counter(
		"feedgate.checkpoint.lookups",
		metric.WithDescription("Checkpoint lookups by result"),
	)
	logMetricInitError(logger, "feedgate.checkpoint.lookups", err)
	m.storeErrors, err = meter.Int64Counter(
		"feedgate.checkpoint.store_errors",
		metric.WithDescription("Shared checkpoint tier failures"),
	)
	logMetricInitError(logger, "feedgate.checkpoint.store_errors", err)
	return m
}

func (m *metrics) recordLookup(ctx context.Context, res Result) {
	if m == nil || m.lookups == nil {
		return
	}
	tier := "shared"
	if res.Local {
		tier = "local"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("feedgate.checkpoint.result", res.State.String()),
		attribute.String("feedgate.checkpoint.tier", tier),
	))
}

func (m *metrics) recordStoreError(ctx context.Context, op string) {
	if m == nil || m.storeErrors == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("feedgate.checkpoint.op", op)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
