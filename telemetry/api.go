package telemetry

import (
	"context"
	"sync/atomic"
	"time"
)

// The package-level helpers record through a shared instrument cache so call
// sites stay one-liners. They are safe before Init: recording goes through
// the global OTel provider, which is a no-op until the host configures one.

var defaultInstruments atomic.Pointer[MetricInstruments]

func instruments() *MetricInstruments {
	if inst := defaultInstruments.Load(); inst != nil {
		return inst
	}
	inst := NewMetricInstruments("fftt-substrate")
	if defaultInstruments.CompareAndSwap(nil, inst) {
		return inst
	}
	return defaultInstruments.Load()
}

// Init replaces the default meter name. Call once at host startup, before
// components start recording.
func Init(meterName string) {
	defaultInstruments.Store(NewMetricInstruments(meterName))
}

// Counter increments a counter metric by 1.
func Counter(ctx context.Context, name string) {
	//nolint:errcheck // metric emission is best-effort
	instruments().RecordCounter(ctx, name, 1)
}

// Add increments a counter metric by value.
func Add(ctx context.Context, name string, value int64) {
	//nolint:errcheck
	instruments().RecordCounter(ctx, name, value)
}

// Histogram records a value in a distribution.
func Histogram(ctx context.Context, name string, value float64) {
	//nolint:errcheck
	instruments().RecordHistogram(ctx, name, value)
}

// Duration records elapsed milliseconds since startTime.
func Duration(ctx context.Context, name string, startTime time.Time) {
	Histogram(ctx, name, float64(time.Since(startTime).Milliseconds()))
}

// RecordError counts an error occurrence with type attribution.
func RecordError(ctx context.Context, name, errorType string) {
	//nolint:errcheck
	instruments().RecordError(ctx, name, errorType)
}
