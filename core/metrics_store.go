package core

import (
	"context"
	"time"
)

// MetricSample is one point in a named time series.
type MetricSample struct {
	Name      string                 `json:"name"`
	Value     float64                `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// MetricsStore is a thin layer over the state store: each sample is appended
// as a new version of "metric:<name>", so the state history is the series.
// Recording is non-suspending apart from the bus enqueue.
type MetricsStore struct {
	state  *StateStore
	bus    *EventBus
	logger Logger
}

// NewMetricsStore creates a metrics store over the given state store.
func NewMetricsStore(state *StateStore, bus *EventBus, logger Logger) *MetricsStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &MetricsStore{state: state, bus: bus, logger: logger}
}

const metricKeyPrefix = "metric:"

// RecordMetric appends a sample to the named series and emits METRIC_RECORDED.
func (m *MetricsStore) RecordMetric(ctx context.Context, name string, value float64, metadata map[string]interface{}) error {
	sample := MetricSample{
		Name:      name,
		Value:     value,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	if _, err := m.state.SetState(ctx, metricKeyPrefix+name, sample, ResourceMetric, nil); err != nil {
		return err
	}
	if m.bus != nil {
		//nolint:errcheck // metric events are best-effort
		m.bus.Emit(EventMetricRecorded, map[string]interface{}{
			"name":  name,
			"value": value,
		})
	}
	return nil
}

// GetMetrics returns the retained samples for name in recording order.
// A positive limit returns the newest samples only.
func (m *MetricsStore) GetMetrics(name string, limit int) []MetricSample {
	history := m.state.GetStateHistory(metricKeyPrefix+name, limit)
	samples := make([]MetricSample, 0, len(history))
	for _, entry := range history {
		if sample, ok := entry.Value.(MetricSample); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

// LatestValue returns the newest sample value for name, if any.
func (m *MetricsStore) LatestValue(name string) (float64, bool) {
	value, ok := m.state.GetState(metricKeyPrefix + name)
	if !ok {
		return 0, false
	}
	sample, ok := value.(MetricSample)
	if !ok {
		return 0, false
	}
	return sample.Value, true
}
