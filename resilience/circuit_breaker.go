// Package resilience provides the reliability layer of the substrate:
// circuit breakers with dependency cascading, a process-wide registry with
// state persistence, and bounded retry with exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited trial requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState maps a persisted state name back to a CircuitState.
func ParseState(name string) (CircuitState, bool) {
	switch name {
	case "closed":
		return StateClosed, true
	case "open":
		return StateOpen, true
	case "half_open":
		return StateHalfOpen, true
	default:
		return StateClosed, false
	}
}

// MetricsCollector receives breaker outcomes for monitoring.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier decides which errors count toward the failure threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. Configuration
// mistakes and client cancellation do not trip a breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsStateError(err) {
		return false
	}
	if err == context.Canceled || core.ClassifyError(err) == core.KindStateConflict {
		return false
	}
	return true
}

// BreakerConfig holds configuration for one circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in the registry, logs, and persistence.
	Name string
	// FailureThreshold opens the breaker after this many counted failures
	// inside FailureWindow.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before the next
	// execute attempt moves it to half-open.
	RecoveryTimeout time.Duration
	// FailureWindow is the trailing window failures are counted in. Older
	// failures are discarded lazily on the next observation.
	FailureWindow time.Duration
	// HalfOpenMaxTries bounds concurrent trial executions in half-open.
	// The breaker closes once this many trials succeed; any failure reopens.
	HalfOpenMaxTries int
	// ErrorClassifier decides which errors count as failures.
	ErrorClassifier ErrorClassifier
	Logger          core.Logger
	Metrics         MetricsCollector
}

// DefaultBreakerConfig returns production-ready defaults for name.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		FailureWindow:    60 * time.Second,
		HalfOpenMaxTries: 1,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the breaker configuration.
func (c *BreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("breaker name is required: %w", core.ErrInvalidConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d: %w", c.FailureThreshold, core.ErrInvalidConfiguration)
	}
	if c.HalfOpenMaxTries < 1 {
		return fmt.Errorf("half-open max tries must be at least 1, got %d: %w", c.HalfOpenMaxTries, core.ErrInvalidConfiguration)
	}
	if c.RecoveryTimeout < 0 || c.FailureWindow < 0 {
		return fmt.Errorf("timeouts must be non-negative: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// StateChangeListener observes breaker transitions. Listeners run on their
// own goroutine after the transition commits; the registry uses them for
// cascading and persistence.
type StateChangeListener func(name string, from, to CircuitState, reason string)

// CircuitBreaker is a named reliability gate with the standard three-state
// machine. Mutations are serialized by the per-breaker mutex.
type CircuitBreaker struct {
	config BreakerConfig
	logger core.Logger

	mu              sync.Mutex
	state           CircuitState
	stateChangedAt  time.Time
	lastFailureTime time.Time
	// failureTimes holds counted failures inside the trailing window;
	// pruned lazily on each observation.
	failureTimes []time.Time

	halfOpenInFlight  int
	halfOpenSuccesses int

	listeners []StateChangeListener

	totalExecutions    uint64
	rejectedExecutions uint64
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) (*CircuitBreaker, error) {
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	return &CircuitBreaker{
		config:         config,
		logger:         config.Logger,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}, nil
}

// Name returns the breaker's registered name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// AddStateChangeListener registers a transition observer.
func (cb *CircuitBreaker) AddStateChangeListener(listener StateChangeListener) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// Execute runs fn under the breaker with an optional timeout. In the open
// state it fails immediately with core.ErrCircuitOpen. fn runs in its own
// goroutine and receives the deadline-bounded context so it can cancel
// cooperatively; on timeout the in-flight work is awaited in the background
// and its eventual result recorded, never delivered.
func (cb *CircuitBreaker) Execute(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	trial, err := cb.begin()
	if err != nil {
		cb.mu.Lock()
		cb.rejectedExecutions++
		cb.mu.Unlock()
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic in protected call: %v\n%s", core.ErrInternal, r, debug.Stack())
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		cb.finish(trial, err)
		return err
	case <-ctx.Done():
		// Detach: the protected call keeps running on the cancelled context.
		// Await it in the background so the slot is released and the
		// abandoned outcome feeds the failure window; the result itself is
		// discarded. A call that eventually succeeds still counts as a
		// timeout, since no caller received it.
		ctxErr := ctx.Err()
		go func() {
			<-done
			cb.finish(trial, ctxErr)
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("breaker %q call timed out: %w", cb.config.Name, core.ErrTimeout)
		}
		return ctx.Err()
	}
}

// begin decides whether an execution may start. Returns whether this
// execution is a half-open trial.
func (cb *CircuitBreaker) begin() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.totalExecutions++
		return false, nil

	case StateOpen:
		if time.Since(cb.stateChangedAt) >= cb.config.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen, "recovery timeout elapsed")
			cb.halfOpenInFlight = 1
			cb.totalExecutions++
			return true, nil
		}
		return false, fmt.Errorf("breaker %q is open: %w", cb.config.Name, core.ErrCircuitOpen)

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxTries {
			return false, fmt.Errorf("breaker %q half-open trials exhausted: %w", cb.config.Name, core.ErrCircuitOpen)
		}
		cb.halfOpenInFlight++
		cb.totalExecutions++
		return true, nil

	default:
		return false, fmt.Errorf("breaker %q in unknown state: %w", cb.config.Name, core.ErrInternal)
	}
}

// finish records an execution outcome and evaluates transitions.
func (cb *CircuitBreaker) finish(trial bool, err error) {
	counted := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	if trial {
		cb.halfOpenInFlight--
	}

	if err == nil {
		if cb.state == StateHalfOpen && trial {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxTries {
				cb.failureTimes = nil
				cb.transitionLocked(StateClosed, "half-open trials succeeded")
			}
		}
		cb.mu.Unlock()
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		return
	}

	if counted {
		now := time.Now()
		cb.lastFailureTime = now
		cb.failureTimes = append(cb.pruneLocked(now), now)

		switch cb.state {
		case StateHalfOpen:
			if trial {
				cb.transitionLocked(StateOpen, "half-open trial failed")
			}
		case StateClosed:
			if len(cb.failureTimes) >= cb.config.FailureThreshold {
				cb.transitionLocked(StateOpen, "failure threshold reached")
			}
		}
	}
	cb.mu.Unlock()

	if counted {
		cb.config.Metrics.RecordFailure(cb.config.Name, string(core.ClassifyError(err)))
	}
}

// pruneLocked discards failures older than the trailing window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	if cb.config.FailureWindow <= 0 {
		return cb.failureTimes
	}
	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// transitionLocked changes state (must be called with lock held).
func (cb *CircuitBreaker) transitionLocked(newState CircuitState, reason string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.stateChangedAt = time.Now()
	if newState == StateHalfOpen {
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
	}

	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "breaker_transition",
		"name":      cb.config.Name,
		"from":      oldState.String(),
		"to":        newState.String(),
		"reason":    reason,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	go func() {
		for _, listener := range listeners {
			listener(cb.config.Name, oldState, newState, reason)
		}
	}()
}

// Trip manually opens the breaker.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	now := time.Now()
	cb.lastFailureTime = now
	cb.failureTimes = append(cb.pruneLocked(now), now)
	cb.transitionLocked(StateOpen, reason)
	cb.mu.Unlock()
}

// Reset manually closes the breaker and clears its failure window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureTimes = nil
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	cb.transitionLocked(StateClosed, "manual reset")
	cb.mu.Unlock()
}

// State returns the current state. An elapsed recovery timeout shows up
// only once the next Execute moves the breaker to half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns counted failures inside the trailing window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureTimes = cb.pruneLocked(time.Now())
	return len(cb.failureTimes)
}

// Snapshot captures the breaker state for persistence.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    len(cb.failureTimes),
		LastFailureTime: cb.lastFailureTime,
		ChangedAt:       cb.stateChangedAt,
	}
}

// restore applies a persisted snapshot without notifying listeners; the
// registry re-announces restored state itself.
func (cb *CircuitBreaker) restore(snap BreakerSnapshot) {
	state, ok := ParseState(snap.State)
	if !ok {
		state = StateClosed
	}
	cb.mu.Lock()
	cb.state = state
	cb.stateChangedAt = snap.ChangedAt
	cb.lastFailureTime = snap.LastFailureTime
	cb.failureTimes = nil
	cb.mu.Unlock()
}

// BreakerSnapshot is the persisted form of a breaker's state.
type BreakerSnapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	ChangedAt       time.Time `json:"changed_at"`
}
