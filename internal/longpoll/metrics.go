package longpoll

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type metrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/feedgate/longpoll")
	m := &metrics{}
	var err error
	m.requests, err = meter.Int64Counter(
		"feedgate.longpoll.requests",
		metric.WithDescription("Upstream shape calls by result"),
	)
	logMetricInitError(logger, "feedgate.longpoll.requests", err)
	m.duration, err = meter.Float64Histogram(
		"feedgate.longpoll.duration",
		metric.WithDescription("Upstream shape call duration"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "feedgate.longpoll.duration", err)
	return m
}

func (m *metrics) record(ctx context.Context, live bool, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("feedgate.longpoll.live", live),
		attribute.String("feedgate.longpoll.result", result),
	)
	ctx = context.WithoutCancel(ctx)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
