package predictor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type gatewayMetrics struct {
	predictions metric.Int64Counter
	duration    metric.Float64Histogram
	lockWait    metric.Float64Histogram
	reloads     metric.Int64Counter
}

func newGatewayMetrics(logger pslog.Logger) *gatewayMetrics {
	meter := otel.Meter("pkt.systems/predictd/predictor")
	m := &gatewayMetrics{}
	var err error

	m.predictions, err = meter.Int64Counter(
		"predictd.predictor.predictions",
		metric.WithDescription("Predictions computed, by outcome"),
	)
	logMetricInitError(logger, "predictd.predictor.predictions", err)

	m.duration, err = meter.Float64Histogram(
		"predictd.predictor.duration",
		metric.WithDescription("Time spent computing one prediction"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "predictd.predictor.duration", err)

	m.lockWait, err = meter.Float64Histogram(
		"predictd.predictor.lock_wait",
		metric.WithDescription("Time spent waiting for the prediction lock"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "predictd.predictor.lock_wait", err)

	m.reloads, err = meter.Int64Counter(
		"predictd.predictor.model_reloads",
		metric.WithDescription("Model reload attempts, by result"),
	)
	logMetricInitError(logger, "predictd.predictor.model_reloads", err)
	return m
}

func (m *gatewayMetrics) recordPrediction(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("predictd.predictor.outcome", outcome))
	if m.predictions != nil {
		m.predictions.Add(metricContext(ctx), 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(metricContext(ctx), elapsed.Seconds(), attrs)
	}
}

func (m *gatewayMetrics) recordWait(ctx context.Context, waited time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Record(metricContext(ctx), waited.Seconds())
}

func (m *gatewayMetrics) recordReload(ctx context.Context, ok bool) {
	if m == nil || m.reloads == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reloads.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("predictd.predictor.reload", result)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
