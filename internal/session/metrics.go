package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type sessionMetrics struct {
	active   metric.Int64UpDownCounter
	finished metric.Int64Counter
	duration metric.Float64Histogram
	batch    metric.Int64Histogram
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/predictd/session")
	m := &sessionMetrics{}
	var err error

	m.active, err = meter.Int64UpDownCounter(
		"predictd.session.active",
		metric.WithDescription("Connections currently being served"),
	)
	logMetricInitError(logger, "predictd.session.active", err)

	m.finished, err = meter.Int64Counter(
		"predictd.session.finished",
		metric.WithDescription("Finished connections by final state and errno"),
	)
	logMetricInitError(logger, "predictd.session.finished", err)

	m.duration, err = meter.Float64Histogram(
		"predictd.session.duration",
		metric.WithDescription("Time from first read to close"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "predictd.session.duration", err)

	m.batch, err = meter.Int64Histogram(
		"predictd.session.batch_size",
		metric.WithDescription("Predictions returned per successful response"),
	)
	logMetricInitError(logger, "predictd.session.batch_size", err)
	return m
}

func (m *sessionMetrics) begin(ctx context.Context) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *sessionMetrics) end(ctx context.Context, out Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
	attrs := metric.WithAttributes(
		attribute.String("predictd.session.state", out.State.String()),
		attribute.String("predictd.session.errno", out.Errno.String()),
	)
	if m.finished != nil {
		m.finished.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if m.batch != nil && out.State == StateClosed && out.Predictions > 0 {
		m.batch.Record(ctx, int64(out.Predictions))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
