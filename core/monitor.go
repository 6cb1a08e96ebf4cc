package core

import (
	"context"
	"sync"
	"time"
)

// MonitorConfig holds configuration for the system monitor.
type MonitorConfig struct {
	// SweepInterval is how often the correlation sweep runs.
	SweepInterval time.Duration
	// MemoryWarningMB degrades a component's health when its tracked total
	// crosses this value. Zero disables the memory correlation.
	MemoryWarningMB float64
	Logger          Logger
}

// DefaultMonitorConfig returns production-ready defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SweepInterval:   10 * time.Second,
		MemoryWarningMB: 512,
		Logger:          &NoOpLogger{},
	}
}

// SystemMonitor runs a periodic sweep that correlates memory accounting,
// circuit breaker states, and component health, writing the result into the
// MONITOR keyspace. One long-lived task; sweeps never overlap.
type SystemMonitor struct {
	config  MonitorConfig
	logger  Logger
	state   *StateStore
	metrics *MetricsStore
	tracker *MemoryTracker
	health  *HealthTracker
	probe   BreakerProbe

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	sweeps  int64
}

// NewSystemMonitor creates a stopped monitor. probe may be nil when no
// breaker registry participates.
func NewSystemMonitor(config MonitorConfig, state *StateStore, metrics *MetricsStore, tracker *MemoryTracker, health *HealthTracker, probe BreakerProbe) *SystemMonitor {
	if config.Logger == nil {
		config.Logger = &NoOpLogger{}
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Second
	}
	return &SystemMonitor{
		config:  config,
		logger:  config.Logger,
		state:   state,
		metrics: metrics,
		tracker: tracker,
		health:  health,
		probe:   probe,
	}
}

// Start launches the sweep task. Starting a running monitor is an error.
func (m *SystemMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	m.logger.Info("System monitor started", map[string]interface{}{
		"operation":      "monitor_start",
		"sweep_interval": m.config.SweepInterval.String(),
	})
	return nil
}

// Stop halts the sweep task and waits for the in-flight sweep to finish.
func (m *SystemMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

func (m *SystemMonitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one correlation pass. Exported so tests and callers can
// force a sweep without waiting for the interval.
func (m *SystemMonitor) Sweep(ctx context.Context) {
	start := time.Now()

	openBreakers := make([]string, 0)
	if m.probe != nil {
		for name, state := range m.probe.BreakerStates() {
			if state == "open" {
				openBreakers = append(openBreakers, name)
			}
		}
	}

	totals := map[string]float64{}
	hotComponents := make([]string, 0)
	if m.tracker != nil {
		totals = m.tracker.ComponentTotals()
		if m.config.MemoryWarningMB > 0 {
			for component, total := range totals {
				if total >= m.config.MemoryWarningMB {
					hotComponents = append(hotComponents, component)
				}
			}
		}
	}

	// Correlate: open breakers and hot components degrade health; a clean
	// sweep reports the reliability layer healthy again.
	if m.health != nil {
		switch {
		case len(openBreakers) > 1:
			m.health.UpdateHealth("reliability", HealthUnhealthy, "multiple circuit breakers open", map[string]interface{}{"open": openBreakers})
		case len(openBreakers) == 1:
			m.health.UpdateHealth("reliability", HealthDegraded, "circuit breaker open", map[string]interface{}{"open": openBreakers})
		default:
			m.health.UpdateHealth("reliability", HealthHealthy, "", nil)
		}
		for _, component := range hotComponents {
			m.health.UpdateHealth(component, HealthDegraded, "tracked memory over warning level", map[string]interface{}{
				"total_mb": totals[component],
			})
		}
	}

	summary := map[string]interface{}{
		"open_breakers":  openBreakers,
		"memory_totals":  totals,
		"hot_components": hotComponents,
		"system_health":  string(m.systemHealth()),
		"swept_at":       start.UTC().Format(time.RFC3339Nano),
	}
	if m.state != nil {
		//nolint:errcheck // monitor writes are best-effort
		m.state.SetState(ctx, "monitor:sweep:last", summary, ResourceMonitor, nil)
	}
	if m.metrics != nil {
		//nolint:errcheck
		m.metrics.RecordMetric(ctx, "monitor.sweep.duration_ms", float64(time.Since(start).Milliseconds()), nil)
		//nolint:errcheck
		m.metrics.RecordMetric(ctx, "monitor.open_breakers", float64(len(openBreakers)), nil)
	}

	m.mu.Lock()
	m.sweeps++
	m.mu.Unlock()

	m.logger.Debug("Monitor sweep complete", map[string]interface{}{
		"operation":     "monitor_sweep",
		"open_breakers": len(openBreakers),
		"duration_ms":   time.Since(start).Milliseconds(),
	})
}

func (m *SystemMonitor) systemHealth() HealthState {
	if m.health == nil {
		return HealthUnknown
	}
	return m.health.SystemHealth()
}

// SweepCount reports completed sweeps, for tests and monitoring.
func (m *SystemMonitor) SweepCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}
