package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type metrics struct {
	decisions   metric.Int64Counter
	storeErrors metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/feedgate/admission")
	m := &metrics{}
	var err error
	m.decisions, err = meter.Int64Counter(
		"feedgate.admission.decisions",
		metric.WithDescription("Admission decisions for live requests"),
	)
	logMetricInitError(logger, "feedgate.admission.decisions", err)
	m.storeErrors, err = meter.Int64Counter(
		"feedgate.admission.store_errors",
		metric.WithDescription("Admission store failures"),
	)
	logMetricInitError(logger, "feedgate.admission.store_errors", err)
	return m
}

func (m *metrics) recordDecision(ctx context.Context, decision string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("feedgate.admission.decision", decision)))
}

func (m *metrics) recordStoreError(ctx context.Context, op string) {
	if m == nil || m.storeErrors == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("feedgate.admission.op", op)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
