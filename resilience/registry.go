package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

const breakerStatePrefix = "breaker:"

// cascadeReasonPrefix marks trips caused by a dependency cascade, so the
// transition listener does not cascade them a second time.
const cascadeReasonPrefix = "cascade from "

// RegistryConfig configures the process-wide breaker registry.
type RegistryConfig struct {
	// Defaults is the template applied to breakers created on demand. Its
	// Name field is ignored; each breaker is named by its caller.
	Defaults BreakerConfig
	Logger   core.Logger
	Metrics  MetricsCollector
	// Bus receives CIRCUIT_BREAKER_STATE_CHANGED events. Optional.
	Bus *core.EventBus
	// State persists breaker snapshots across restarts. Optional.
	State *core.StateStore
}

// Registry owns every circuit breaker in the process and the dependency
// graph between them. Tripping a breaker trips its transitive dependents;
// resets never cascade, each dependent must prove recovery on its own.
//
// Registry implements core.BreakerProbe for the system monitor.
type Registry struct {
	config RegistryConfig
	logger core.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	// children maps a breaker to the breakers that depend on it.
	children map[string]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.Defaults.FailureThreshold == 0 {
		defaults := DefaultBreakerConfig("defaults")
		defaults.Logger = config.Logger
		defaults.Metrics = config.Metrics
		config.Defaults = defaults
	}
	return &Registry{
		config:   config,
		logger:   config.Logger,
		breakers: make(map[string]*CircuitBreaker),
		children: make(map[string]map[string]bool),
	}
}

// GetOrCreate returns the breaker registered under name, creating it with
// the registry defaults on first use. Concurrent callers always receive the
// same instance.
func (r *Registry) GetOrCreate(name string) (*CircuitBreaker, error) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb, nil
	}

	config := r.config.Defaults
	config.Name = name
	config.Logger = r.logger
	config.Metrics = r.config.Metrics
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, fmt.Errorf("creating breaker %q: %w", name, err)
	}
	cb.AddStateChangeListener(r.onTransition)
	r.breakers[name] = cb

	r.logger.Debug("Circuit breaker registered", map[string]interface{}{
		"operation": "breaker_register",
		"name":      name,
	})
	return cb, nil
}

// Get returns a registered breaker without creating one.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// onTransition publishes breaker transitions to the event bus and mirrors
// the new state. Runs on the breaker's listener goroutine, outside its lock.
// A breaker that opens on its own, whether by reaching its failure threshold
// or by a manual Trip, takes its transitive dependents with it here.
func (r *Registry) onTransition(name string, from, to CircuitState, reason string) {
	if to == StateOpen && !strings.HasPrefix(reason, cascadeReasonPrefix) {
		r.cascade(name, reason)
	}
	if r.config.Bus != nil {
		//nolint:errcheck // transition events are advisory
		r.config.Bus.EmitHigh(core.EventBreakerStateChanged, map[string]interface{}{
			"name":   name,
			"from":   from.String(),
			"to":     to.String(),
			"reason": reason,
		})
	}
	if r.config.State != nil {
		r.mu.RLock()
		cb, ok := r.breakers[name]
		r.mu.RUnlock()
		if ok {
			r.persist(context.Background(), cb)
		}
	}
}

// RegisterDependency declares that child depends on parent: when parent
// trips, child trips too. Both breakers are created on demand. Self edges
// and edges that would close a cycle are rejected.
func (r *Registry) RegisterDependency(child, parent string) error {
	if child == parent {
		return fmt.Errorf("breaker %q cannot depend on itself: %w", child, core.ErrInvalidDependency)
	}
	if _, err := r.GetOrCreate(child); err != nil {
		return err
	}
	if _, err := r.GetOrCreate(parent); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A cycle exists if parent is already reachable from child.
	if r.reachableLocked(child, parent) {
		return fmt.Errorf("dependency %q -> %q would create a cycle: %w", child, parent, core.ErrInvalidDependency)
	}

	if r.children[parent] == nil {
		r.children[parent] = make(map[string]bool)
	}
	r.children[parent][child] = true

	r.logger.Info("Breaker dependency registered", map[string]interface{}{
		"operation": "breaker_dependency",
		"child":     child,
		"parent":    parent,
	})
	return nil
}

// reachableLocked reports whether target is a transitive dependent of from.
func (r *Registry) reachableLocked(from, target string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range r.children[cur] {
			if dep == target {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// TripCascade opens the named breaker and every transitive dependent.
// Unknown names are an error; the graph stays untouched.
func (r *Registry) TripCascade(name, reason string) error {
	root, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("breaker %q: %w", name, core.ErrComponentUnknown)
	}
	root.Trip(reason)
	// The transition listener also cascades, but asynchronously; tripping
	// here keeps the cascade visible to the caller on return. Re-tripping an
	// open breaker is a no-op.
	r.cascade(name, reason)
	return nil
}

// dependentsOf returns the transitive dependents of name. The closure is
// collected under the lock so edges registered mid-walk don't change it.
func (r *Registry) dependentsOf(name string) []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var affected []*CircuitBreaker
	seen := map[string]bool{name: true}
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range r.children[cur] {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
				if cb, ok := r.breakers[dep]; ok {
					affected = append(affected, cb)
				}
			}
		}
	}
	return affected
}

// cascade opens every transitive dependent of name.
func (r *Registry) cascade(name, reason string) {
	affected := r.dependentsOf(name)
	for _, cb := range affected {
		cb.Trip(cascadeReasonPrefix + name + ": " + reason)
	}
	if len(affected) > 0 {
		r.logger.Warn("Breaker cascade tripped", map[string]interface{}{
			"operation": "breaker_cascade",
			"root":      name,
			"affected":  len(affected),
			"reason":    reason,
		})
	}
}

// Reset closes the named breaker only. Dependents stay as they are and
// recover through their own half-open trials.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("breaker %q: %w", name, core.ErrComponentUnknown)
	}
	cb.Reset()
	return nil
}

// BreakerStates implements core.BreakerProbe.
func (r *Registry) BreakerStates() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}

// Names returns registered breaker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// WirePressureTrip connects event bus overload to the named breaker: when a
// subscriber stays saturated past the bus's trip threshold, the breaker and
// its dependents open.
func (r *Registry) WirePressureTrip(bus *core.EventBus, breakerName string) error {
	if _, err := r.GetOrCreate(breakerName); err != nil {
		return err
	}
	bus.SetPressureTrip(func(reason string) {
		//nolint:errcheck // the breaker exists, created above
		r.TripCascade(breakerName, reason)
	})
	return nil
}

// persist mirrors one breaker snapshot into the state store.
func (r *Registry) persist(ctx context.Context, cb *CircuitBreaker) {
	snap := cb.Snapshot()
	if _, err := r.config.State.SetState(ctx, breakerStatePrefix+snap.Name, snap, core.ResourceState, nil); err != nil {
		r.logger.Warn("Failed to persist breaker state", map[string]interface{}{
			"operation": "breaker_persist",
			"name":      snap.Name,
			"error":     err.Error(),
		})
	}
}

// SaveState persists every breaker's snapshot.
func (r *Registry) SaveState(ctx context.Context) error {
	if r.config.State == nil {
		return fmt.Errorf("registry has no state store: %w", core.ErrMissingConfiguration)
	}
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		r.persist(ctx, cb)
	}
	return nil
}

// LoadState restores persisted snapshots into breakers that are already
// registered. Persisted names with no registered breaker are skipped, never
// created; entries that fail to decode are skipped with a warning rather
// than aborting the load.
func (r *Registry) LoadState(ctx context.Context) error {
	if r.config.State == nil {
		return fmt.Errorf("registry has no state store: %w", core.ErrMissingConfiguration)
	}
	entries := r.config.State.GetStatesByPrefix(breakerStatePrefix)
	for key, entry := range entries {
		snap, ok := decodeSnapshot(entry.Value)
		if !ok {
			r.logger.Warn("Skipping undecodable breaker snapshot", map[string]interface{}{
				"operation": "breaker_load",
				"key":       key,
			})
			continue
		}
		cb, ok := r.Get(snap.Name)
		if !ok {
			r.logger.Debug("Skipping snapshot for unregistered breaker", map[string]interface{}{
				"operation": "breaker_load",
				"name":      snap.Name,
			})
			continue
		}
		cb.restore(snap)
		r.logger.Info("Breaker state restored", map[string]interface{}{
			"operation": "breaker_load",
			"name":      snap.Name,
			"state":     snap.State,
		})
	}
	return nil
}

// decodeSnapshot accepts both the typed form (same-process restore) and the
// map form (entries that round-tripped through a JSON mirror).
func decodeSnapshot(value interface{}) (BreakerSnapshot, bool) {
	switch v := value.(type) {
	case BreakerSnapshot:
		return v, true
	case map[string]interface{}:
		name, _ := v["name"].(string)
		state, _ := v["state"].(string)
		if name == "" || state == "" {
			return BreakerSnapshot{}, false
		}
		snap := BreakerSnapshot{Name: name, State: state}
		if count, ok := v["failure_count"].(float64); ok {
			snap.FailureCount = int(count)
		}
		// The timestamps carry the recovery clock: without them a restored
		// open breaker would half-open on its first call.
		snap.LastFailureTime = parseSnapshotTime(v["last_failure_time"])
		snap.ChangedAt = parseSnapshotTime(v["changed_at"])
		return snap, true
	default:
		return BreakerSnapshot{}, false
	}
}

// parseSnapshotTime decodes the RFC 3339 form timestamps take after a JSON
// round trip. Anything else yields the zero time.
func parseSnapshotTime(value interface{}) time.Time {
	raw, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
