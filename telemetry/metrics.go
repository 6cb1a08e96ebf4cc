// Package telemetry provides OpenTelemetry metric emission for the runtime
// substrate. Instruments are created lazily and cached; recording through an
// unconfigured provider is a cheap no-op, so components emit unconditionally.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording.
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	updowns    map[string]metric.Int64UpDownCounter
	mu         sync.RWMutex
}

// NewMetricInstruments creates an instrument cache on the named meter.
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		updowns:    make(map[string]metric.Int64UpDownCounter),
	}
}

// RecordCounter increments a counter metric.
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("creating counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (latencies, sizes).
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("creating histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down (queue sizes,
// in-flight counts).
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.updowns[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.updowns[name]; !exists {
			var err error
			counter, err = m.meter.Int64UpDownCounter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("creating up-down counter %s: %w", name, err)
			}
			m.updowns[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordError increments an error counter with error type attribution.
func (m *MetricInstruments) RecordError(ctx context.Context, name string, errorType string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("error.type", errorType)))
}

// Substrate metric names. One namespace per layer keeps dashboards tidy.
const (
	// Agent runtime metrics
	MetricAgentProcessDuration = "agent.process.duration_ms"
	MetricAgentProcessSuccess  = "agent.process.success"
	MetricAgentProcessFailure  = "agent.process.failure"
	MetricAgentStateLockWait   = "agent.state.lock_timeout"
	MetricAgentRefinements     = "agent.refinements"

	// Circuit breaker metrics
	MetricBreakerSuccess     = "breaker.success"
	MetricBreakerFailure     = "breaker.failure"
	MetricBreakerRejected    = "breaker.rejected"
	MetricBreakerStateChange = "breaker.state_change"

	// Pipeline metrics
	MetricPipelineStageDuration = "pipeline.stage.duration_ms"
	MetricPipelineStageRetries  = "pipeline.stage.retries"
	MetricPipelineCompleted     = "pipeline.completed"

	// Event bus metrics
	MetricBusPressure = "bus.pressure"
	MetricBusDropped  = "bus.dropped"
)
