package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type admissionMetrics struct {
	occupancy metric.Int64ObservableGauge
	decisions metric.Int64Counter
	waits     metric.Int64Counter
}

func newAdmissionMetrics(logger pslog.Logger, controller *Controller) *admissionMetrics {
	meter := otel.Meter("pkt.systems/predictd/admission")
	m := &admissionMetrics{}
	var err error

	m.occupancy, err = meter.Int64ObservableGauge(
		"predictd.admission.occupancy",
		metric.WithDescription("Registered client connections"),
	)
	logMetricInitError(logger, "predictd.admission.occupancy", err)

	m.decisions, err = meter.Int64Counter(
		"predictd.admission.decision",
		metric.WithDescription("Admission decisions for accepted connections"),
	)
	logMetricInitError(logger, "predictd.admission.decision", err)

	m.waits, err = meter.Int64Counter(
		"predictd.admission.wait",
		metric.WithDescription("Accept loop wait rounds while at max clients"),
	)
	logMetricInitError(logger, "predictd.admission.wait", err)

	if m.occupancy != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if controller == nil || controller.occupancy == nil {
				return nil
			}
			o.ObserveInt64(m.occupancy, int64(controller.occupancy.Occupancy()))
			return nil
		}, m.occupancy); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "predictd.admission.occupancy", "error", err)
		}
	}
	return m
}

func (m *admissionMetrics) recordDecision(ctx context.Context, decision Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	outcome := "admit"
	if !decision.Admit {
		outcome = "reject"
	}
	m.decisions.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("predictd.admission.outcome", outcome),
	))
}

func (m *admissionMetrics) recordWait(ctx context.Context) {
	if m == nil || m.waits == nil {
		return
	}
	m.waits.Add(metricContext(ctx), 1)
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
