package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jean-moorman/ForestForTheTrees-sub004/telemetry"
)

// OTelMetrics emits breaker outcomes through the shared instrument cache.
// Recording is best-effort; an unconfigured provider makes every call a
// no-op, so breakers never pay for telemetry the host didn't ask for.
type OTelMetrics struct {
	instruments *telemetry.MetricInstruments
}

// NewOTelMetrics creates a collector on the named meter.
func NewOTelMetrics(meterName string) *OTelMetrics {
	return &OTelMetrics{instruments: telemetry.NewMetricInstruments(meterName)}
}

func (m *OTelMetrics) RecordSuccess(name string) {
	//nolint:errcheck
	m.instruments.RecordCounter(context.Background(), telemetry.MetricBreakerSuccess, 1,
		metric.WithAttributes(attribute.String("breaker", name)))
}

func (m *OTelMetrics) RecordFailure(name string, errorType string) {
	//nolint:errcheck
	m.instruments.RecordCounter(context.Background(), telemetry.MetricBreakerFailure, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("error.type", errorType),
		))
}

func (m *OTelMetrics) RecordStateChange(name string, from, to string) {
	//nolint:errcheck
	m.instruments.RecordCounter(context.Background(), telemetry.MetricBreakerStateChange, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from", from),
			attribute.String("to", to),
		))
}

func (m *OTelMetrics) RecordRejection(name string) {
	//nolint:errcheck
	m.instruments.RecordCounter(context.Background(), telemetry.MetricBreakerRejected, 1,
		metric.WithAttributes(attribute.String("breaker", name)))
}
