package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ContextType decides an agent context's lifetime.
type ContextType string

const (
	// ContextPersistent survives until explicitly discarded.
	ContextPersistent ContextType = "PERSISTENT"
	// ContextEphemeral is reaped after the configured TTL.
	ContextEphemeral ContextType = "EPHEMERAL"
)

// ValidationRecord is one validation attempt against an agent's output.
type ValidationRecord struct {
	Timestamp     time.Time              `json:"timestamp"`
	Success       bool                   `json:"success"`
	ErrorAnalysis map[string]interface{} `json:"error_analysis,omitempty"`
	Duration      time.Duration          `json:"duration"`
}

// RefinementRecord is one refinement pass over an agent's output. Iteration
// is dense and monotonic per agent id; the store assigns it.
type RefinementRecord struct {
	Iteration      int                    `json:"iteration"`
	AgentID        string                 `json:"agent_id"`
	OriginalOutput map[string]interface{} `json:"original_output"`
	RefinedOutput  map[string]interface{} `json:"refined_output"`
	Guidance       map[string]interface{} `json:"refinement_guidance"`
	Timestamp      time.Time              `json:"timestamp"`
}

// AgentContext is the per-operation record owned by the context store.
// Callers receive copies; all mutation goes through store operations.
type AgentContext struct {
	AgentID            string                 `json:"agent_id"`
	OperationID        string                 `json:"operation_id"`
	ContextType        ContextType            `json:"context_type"`
	Schema             map[string]interface{} `json:"schema,omitempty"`
	ValidationAttempts int                    `json:"validation_attempts"`
	ValidationHistory  []ValidationRecord     `json:"validation_history"`
	RefinementHistory  []RefinementRecord     `json:"refinement_history"`
	CreatedAt          time.Time              `json:"created_at"`
	LastTouched        time.Time              `json:"last_touched"`
}

// ContextKey builds the canonical store key for an agent operation.
func ContextKey(agentID, operationID string) string {
	return agentID + ":" + operationID
}

func (c *AgentContext) clone() AgentContext {
	dup := *c
	dup.ValidationHistory = append([]ValidationRecord(nil), c.ValidationHistory...)
	dup.RefinementHistory = append([]RefinementRecord(nil), c.RefinementHistory...)
	return dup
}

type contextSlot struct {
	mu  sync.Mutex
	ctx AgentContext
}

// ContextStoreConfig holds configuration for the context store.
type ContextStoreConfig struct {
	// EphemeralTTL ages out EPHEMERAL contexts. Default one hour.
	EphemeralTTL time.Duration
	// ReapInterval is how often the reaper sweeps. Default one minute.
	ReapInterval time.Duration
	Logger       Logger
}

// DefaultContextStoreConfig returns production-ready defaults.
func DefaultContextStoreConfig() ContextStoreConfig {
	return ContextStoreConfig{
		EphemeralTTL: time.Hour,
		ReapInterval: time.Minute,
		Logger:       &NoOpLogger{},
	}
}

// ContextStore owns agent-operation contexts. Lock order is fixed: the map
// lock before a per-context lock, never the reverse.
type ContextStore struct {
	config ContextStoreConfig
	logger Logger
	state  *StateStore
	bus    *EventBus

	mu    sync.Mutex
	slots map[string]*contextSlot

	// refinement iteration counters, dense per agent id
	iterMu     sync.Mutex
	iterations map[string]int

	stopOnce sync.Once
	stopCh   chan struct{}
}

const contextKeyPrefix = "context:"

// NewContextStore creates a context store and starts its ephemeral reaper.
func NewContextStore(config ContextStoreConfig, state *StateStore, bus *EventBus) *ContextStore {
	if config.Logger == nil {
		config.Logger = &NoOpLogger{}
	}
	if config.EphemeralTTL <= 0 {
		config.EphemeralTTL = time.Hour
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Minute
	}
	s := &ContextStore{
		config:     config,
		logger:     config.Logger,
		state:      state,
		bus:        bus,
		slots:      make(map[string]*contextSlot),
		iterations: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
	go s.reap()
	return s
}

// Close stops the ephemeral reaper. Idempotent.
func (s *ContextStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// CreateContext creates (or returns, when it already exists) the context for
// an agent operation. Creation emits CONTEXT_CREATED.
func (s *ContextStore) CreateContext(ctx context.Context, agentID, operationID string, schema map[string]interface{}, contextType ContextType) (AgentContext, error) {
	if agentID == "" || operationID == "" {
		return AgentContext{}, fmt.Errorf("agent id and operation id are required: %w", ErrInvalidConfiguration)
	}
	key := ContextKey(agentID, operationID)

	s.mu.Lock()
	slot, existed := s.slots[key]
	if !existed {
		now := time.Now()
		slot = &contextSlot{ctx: AgentContext{
			AgentID:     agentID,
			OperationID: operationID,
			ContextType: contextType,
			Schema:      schema,
			CreatedAt:   now,
			LastTouched: now,
		}}
		s.slots[key] = slot
	}
	s.mu.Unlock()

	if existed {
		slot.mu.Lock()
		dup := slot.ctx.clone()
		slot.mu.Unlock()
		return dup, nil
	}

	s.persist(ctx, key, slot)
	if s.bus != nil {
		//nolint:errcheck
		s.bus.Emit(EventContextCreated, map[string]interface{}{
			"agent_id":     agentID,
			"operation_id": operationID,
			"context_type": string(contextType),
		})
	}
	s.logger.Debug("Agent context created", map[string]interface{}{
		"operation":    "context_create",
		"agent_id":     agentID,
		"operation_id": operationID,
		"context_type": string(contextType),
	})
	slot.mu.Lock()
	dup := slot.ctx.clone()
	slot.mu.Unlock()
	return dup, nil
}

// GetContext returns a copy of the context stored under key.
func (s *ContextStore) GetContext(key string) (AgentContext, bool) {
	s.mu.Lock()
	slot, ok := s.slots[key]
	s.mu.Unlock()
	if !ok {
		return AgentContext{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.ctx.clone(), true
}

// StoreContext replaces the context under key. The caller's copy becomes the
// stored value; histories are copied defensively.
func (s *ContextStore) StoreContext(ctx context.Context, key string, agentCtx AgentContext) error {
	s.mu.Lock()
	slot, ok := s.slots[key]
	if !ok {
		slot = &contextSlot{}
		s.slots[key] = slot
	}
	s.mu.Unlock()

	slot.mu.Lock()
	agentCtx.LastTouched = time.Now()
	slot.ctx = agentCtx.clone()
	slot.mu.Unlock()

	s.persist(ctx, key, slot)
	return nil
}

// AddValidationRecord appends a validation attempt and bumps the counter.
func (s *ContextStore) AddValidationRecord(ctx context.Context, key string, rec ValidationRecord) error {
	slot, err := s.slotFor(key)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	slot.ctx.ValidationAttempts++
	slot.ctx.ValidationHistory = append(slot.ctx.ValidationHistory, rec)
	slot.ctx.LastTouched = time.Now()
	slot.mu.Unlock()
	s.persist(ctx, key, slot)
	return nil
}

// AddRefinementRecord appends a refinement pass, assigning the next dense
// iteration number for the record's agent id.
func (s *ContextStore) AddRefinementRecord(ctx context.Context, key string, rec RefinementRecord) (int, error) {
	slot, err := s.slotFor(key)
	if err != nil {
		return 0, err
	}

	s.iterMu.Lock()
	s.iterations[rec.AgentID]++
	rec.Iteration = s.iterations[rec.AgentID]
	s.iterMu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	slot.mu.Lock()
	slot.ctx.RefinementHistory = append(slot.ctx.RefinementHistory, rec)
	slot.ctx.LastTouched = time.Now()
	slot.mu.Unlock()
	s.persist(ctx, key, slot)
	return rec.Iteration, nil
}

// Discard removes the context under key. Idempotent.
func (s *ContextStore) Discard(ctx context.Context, key string) {
	s.mu.Lock()
	_, existed := s.slots[key]
	delete(s.slots, key)
	s.mu.Unlock()
	if existed {
		//nolint:errcheck
		s.state.SetState(ctx, contextKeyPrefix+key, nil, ResourceContext, map[string]interface{}{"discarded": true})
	}
}

func (s *ContextStore) slotFor(key string) (*contextSlot, error) {
	s.mu.Lock()
	slot, ok := s.slots[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("context %q: %w", key, ErrNotInitialized)
	}
	return slot, nil
}

func (s *ContextStore) persist(ctx context.Context, key string, slot *contextSlot) {
	slot.mu.Lock()
	dup := slot.ctx.clone()
	slot.mu.Unlock()
	//nolint:errcheck // context persistence to state is best-effort
	s.state.SetState(ctx, contextKeyPrefix+key, dup, ResourceContext, nil)
}

// reap ages out EPHEMERAL contexts past their TTL.
func (s *ContextStore) reap() {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.EphemeralTTL)
			s.mu.Lock()
			var stale []string
			for key, slot := range s.slots {
				slot.mu.Lock()
				if slot.ctx.ContextType == ContextEphemeral && slot.ctx.LastTouched.Before(cutoff) {
					stale = append(stale, key)
				}
				slot.mu.Unlock()
			}
			for _, key := range stale {
				delete(s.slots, key)
			}
			s.mu.Unlock()
			if len(stale) > 0 {
				s.logger.Info("Ephemeral contexts reaped", map[string]interface{}{
					"operation": "context_reap",
					"removed":   len(stale),
				})
			}
		}
	}
}
