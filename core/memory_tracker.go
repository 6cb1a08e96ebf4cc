package core

import (
	"fmt"
	"sync"
)

// MemoryThresholds configures per-component resource limits.
type MemoryThresholds struct {
	// PerResourceMaxMB is the hard limit for a single resource.
	PerResourceMaxMB float64 `yaml:"per_resource_max_mb" json:"per_resource_max_mb"`
	// WarningPercent of the hard limit emits a WARNING alert (0.0–1.0).
	WarningPercent float64 `yaml:"warning_percent" json:"warning_percent"`
	// CriticalPercent of the hard limit emits a CRITICAL alert (0.0–1.0).
	CriticalPercent float64 `yaml:"critical_percent" json:"critical_percent"`
}

// Validate validates the thresholds.
func (t MemoryThresholds) Validate() error {
	if t.PerResourceMaxMB <= 0 {
		return fmt.Errorf("per-resource max must be positive, got %f: %w", t.PerResourceMaxMB, ErrInvalidConfiguration)
	}
	if t.WarningPercent <= 0 || t.WarningPercent > 1 {
		return fmt.Errorf("warning percent must be in (0,1], got %f: %w", t.WarningPercent, ErrInvalidConfiguration)
	}
	if t.CriticalPercent <= 0 || t.CriticalPercent > 1 {
		return fmt.Errorf("critical percent must be in (0,1], got %f: %w", t.CriticalPercent, ErrInvalidConfiguration)
	}
	if t.CriticalPercent < t.WarningPercent {
		return fmt.Errorf("critical percent below warning percent: %w", ErrInvalidConfiguration)
	}
	return nil
}

type alertLevel int

const (
	alertNone alertLevel = iota
	alertWarning
	alertCritical
)

type trackedComponent struct {
	thresholds MemoryThresholds
	resources  map[string]float64
	// lastAlert deduplicates threshold alerts per resource: one alert per
	// crossing, re-armed when the size drops back below the threshold.
	lastAlert map[string]alertLevel
}

// MemoryTracker accounts resource sizes per component and raises alerts when
// thresholds are crossed. All operations are non-suspending.
type MemoryTracker struct {
	mu         sync.Mutex
	components map[string]*trackedComponent
	bus        *EventBus
	logger     Logger
}

// NewMemoryTracker creates a memory tracker.
func NewMemoryTracker(bus *EventBus, logger Logger) *MemoryTracker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &MemoryTracker{
		components: make(map[string]*trackedComponent),
		bus:        bus,
		logger:     logger,
	}
}

// RegisterComponent registers (or reconfigures) a component's thresholds.
func (t *MemoryTracker) RegisterComponent(componentID string, thresholds MemoryThresholds) error {
	if err := thresholds.Validate(); err != nil {
		return fmt.Errorf("component %q: %w", componentID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.components[componentID]; ok {
		existing.thresholds = thresholds
		return nil
	}
	t.components[componentID] = &trackedComponent{
		thresholds: thresholds,
		resources:  make(map[string]float64),
		lastAlert:  make(map[string]alertLevel),
	}
	return nil
}

// TrackResource records a resource's size under a component. Re-tracking the
// same resource id replaces the size, it does not sum. Sizes exceeding the
// hard limit are refused with ErrResourceExhausted.
func (t *MemoryTracker) TrackResource(resourceID string, sizeMB float64, componentID string) error {
	t.mu.Lock()
	comp, ok := t.components[componentID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("component %q: %w", componentID, ErrComponentUnknown)
	}
	limits := comp.thresholds
	if sizeMB > limits.PerResourceMaxMB {
		t.mu.Unlock()
		t.emitAlert(componentID, resourceID, sizeMB, "REFUSED", limits.PerResourceMaxMB)
		return fmt.Errorf("resource %q is %.2f MB, limit %.2f MB: %w", resourceID, sizeMB, limits.PerResourceMaxMB, ErrResourceExhausted)
	}

	comp.resources[resourceID] = sizeMB

	level := alertNone
	if sizeMB >= limits.CriticalPercent*limits.PerResourceMaxMB {
		level = alertCritical
	} else if sizeMB >= limits.WarningPercent*limits.PerResourceMaxMB {
		level = alertWarning
	}
	previous := comp.lastAlert[resourceID]
	comp.lastAlert[resourceID] = level
	t.mu.Unlock()

	// Exactly one alert per crossing: only emit when the level rises.
	if level > previous {
		severity := "WARNING"
		if level == alertCritical {
			severity = "CRITICAL"
		}
		t.emitAlert(componentID, resourceID, sizeMB, severity, limits.PerResourceMaxMB)
	}
	return nil
}

// UntrackResource removes a resource from a component's accounting.
func (t *MemoryTracker) UntrackResource(resourceID, componentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if comp, ok := t.components[componentID]; ok {
		delete(comp.resources, resourceID)
		delete(comp.lastAlert, resourceID)
	}
}

// GetComponentTotal sums the tracked sizes for a component.
func (t *MemoryTracker) GetComponentTotal(componentID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	comp, ok := t.components[componentID]
	if !ok {
		return 0
	}
	total := 0.0
	for _, size := range comp.resources {
		total += size
	}
	return total
}

// ComponentTotals reports every component's summed size, for the monitor.
func (t *MemoryTracker) ComponentTotals() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.components))
	for id, comp := range t.components {
		total := 0.0
		for _, size := range comp.resources {
			total += size
		}
		out[id] = total
	}
	return out
}

// Thresholds returns the registered thresholds for a component.
func (t *MemoryTracker) Thresholds(componentID string) (MemoryThresholds, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	comp, ok := t.components[componentID]
	if !ok {
		return MemoryThresholds{}, false
	}
	return comp.thresholds, true
}

func (t *MemoryTracker) emitAlert(componentID, resourceID string, sizeMB float64, severity string, maxMB float64) {
	t.logger.Warn("Resource threshold alert", map[string]interface{}{
		"operation":    "memory_alert",
		"component_id": componentID,
		"resource_id":  resourceID,
		"size_mb":      sizeMB,
		"max_mb":       maxMB,
		"severity":     severity,
	})
	if t.bus == nil {
		return
	}
	//nolint:errcheck // alerts are best-effort
	t.bus.EmitHigh(EventResourceAlertCreated, map[string]interface{}{
		"source":       "memory_tracker",
		"component_id": componentID,
		"resource_id":  resourceID,
		"size_mb":      sizeMB,
		"max_mb":       maxMB,
		"severity":     severity,
	})
}
