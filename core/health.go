package core

import (
	"sync"
	"time"
)

// HealthState is a component health level. The system rollup is the strictly
// worst level across all reporting components.
type HealthState string

const (
	HealthUnknown   HealthState = "UNKNOWN"
	HealthHealthy   HealthState = "HEALTHY"
	HealthDegraded  HealthState = "DEGRADED"
	HealthUnhealthy HealthState = "UNHEALTHY"
	HealthCritical  HealthState = "CRITICAL"
)

// severity orders health states for the rollup. UNKNOWN ranks below HEALTHY:
// a component that has never reported does not drag the system down.
func (s HealthState) severity() int {
	switch s {
	case HealthHealthy:
		return 1
	case HealthDegraded:
		return 2
	case HealthUnhealthy:
		return 3
	case HealthCritical:
		return 4
	default:
		return 0
	}
}

// WorseThan reports whether s is a worse level than other.
func (s HealthState) WorseThan(other HealthState) bool {
	return s.severity() > other.severity()
}

// HealthStatus is one component's reported health.
type HealthStatus struct {
	Status      HealthState            `json:"status"`
	Source      string                 `json:"source"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// HealthTracker aggregates component health and emits change events. The
// rollup recomputes on every update; SYSTEM_HEALTH_CHANGED fires only when
// the rollup actually moves.
type HealthTracker struct {
	mu         sync.Mutex
	components map[string]HealthStatus
	rollup     HealthState
	bus        *EventBus
	logger     Logger
}

// NewHealthTracker creates a health tracker.
func NewHealthTracker(bus *EventBus, logger Logger) *HealthTracker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &HealthTracker{
		components: make(map[string]HealthStatus),
		rollup:     HealthUnknown,
		bus:        bus,
		logger:     logger,
	}
}

// UpdateHealth records a component's health and emits HEALTH_CHANGED when the
// level moved. Returns the new system rollup.
func (t *HealthTracker) UpdateHealth(source string, status HealthState, description string, metadata map[string]interface{}) HealthState {
	now := time.Now()
	t.mu.Lock()
	previous, existed := t.components[source]
	t.components[source] = HealthStatus{
		Status:      status,
		Source:      source,
		Description: description,
		Metadata:    metadata,
		Timestamp:   now,
	}
	oldRollup := t.rollup
	newRollup := t.recomputeLocked()
	t.rollup = newRollup
	t.mu.Unlock()

	changed := !existed || previous.Status != status
	if changed && t.bus != nil {
		//nolint:errcheck
		t.bus.Emit(EventHealthChanged, map[string]interface{}{
			"source":      source,
			"status":      string(status),
			"previous":    string(previous.Status),
			"description": description,
		})
	}
	if newRollup != oldRollup {
		t.logger.Info("System health changed", map[string]interface{}{
			"operation": "system_health_change",
			"from":      string(oldRollup),
			"to":        string(newRollup),
			"trigger":   source,
		})
		if t.bus != nil {
			//nolint:errcheck
			t.bus.EmitHigh(EventSystemHealthChanged, map[string]interface{}{
				"from":    string(oldRollup),
				"to":      string(newRollup),
				"trigger": source,
			})
		}
	}
	return newRollup
}

func (t *HealthTracker) recomputeLocked() HealthState {
	worst := HealthUnknown
	for _, status := range t.components {
		if status.Status.WorseThan(worst) {
			worst = status.Status
		}
	}
	return worst
}

// GetHealth returns a component's last reported status.
func (t *HealthTracker) GetHealth(source string) (HealthStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.components[source]
	return status, ok
}

// SystemHealth returns the current rollup.
func (t *HealthTracker) SystemHealth() HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollup
}

// Components returns a copy of all component statuses.
func (t *HealthTracker) Components() map[string]HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]HealthStatus, len(t.components))
	for source, status := range t.components {
		out[source] = status
	}
	return out
}
