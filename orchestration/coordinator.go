// Package orchestration sequences multi-agent work: the phase coordinator
// owns phase lifecycles, checkpoints, and nested execution; the reflective
// pipeline drives agents through stages with retry and refinement; the
// orchestrator ties both together for callers.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// PhaseType enumerates the pipeline's phase kinds.
type PhaseType string

const (
	PhaseZero  PhaseType = "ZERO"
	PhaseOne   PhaseType = "ONE"
	PhaseTwo   PhaseType = "TWO"
	PhaseThree PhaseType = "THREE"
	PhaseFour  PhaseType = "FOUR"
)

// PhaseState is a phase's lifecycle state.
type PhaseState string

const (
	PhaseReady     PhaseState = "READY"
	PhaseRunning   PhaseState = "RUNNING"
	PhasePaused    PhaseState = "PAUSED"
	PhaseCompleted PhaseState = "COMPLETED"
	PhaseFailed    PhaseState = "FAILED"
	PhaseAborted   PhaseState = "ABORTED"
)

// Terminal reports whether the state ends the phase for good.
func (s PhaseState) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseAborted
}

// Transition is one entry in a phase's transition log.
type Transition struct {
	From   PhaseState `json:"from"`
	To     PhaseState `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Checkpoint captures a phase's state-store keys and running input/output
// at a point in time. Checkpoints are ordered by creation.
type Checkpoint struct {
	ID        string
	PhaseID   string
	CreatedAt time.Time
	Entries   map[string]core.StateEntry
	Input     map[string]interface{}
	Output    map[string]interface{}
}

// PhaseConfig holds per-phase behavior switches.
type PhaseConfig struct {
	// RollbackOnAbort restores the newest checkpoint when the phase aborts.
	RollbackOnAbort bool
	Metadata        map[string]interface{}
}

// PhaseInfo is the read-only view of a phase handed to callers.
type PhaseInfo struct {
	ID          string
	Type        PhaseType
	ParentID    string
	Depth       int
	State       PhaseState
	Prefix      string
	Transitions []Transition
	Checkpoints []string
}

// PhaseExecutor runs the body of a nested phase.
type PhaseExecutor func(ctx context.Context, phaseID string, input map[string]interface{}) (map[string]interface{}, error)

// TransitionHandler observes a phase-type boundary. It runs exactly once
// per start of a child phase under a parent of the from type; returning an
// error rejects the start and fails the starting phase.
type TransitionHandler func(ctx context.Context, fromPhaseID, toPhaseID string) error

type transitionKey struct {
	from, to PhaseType
}

// phase is the coordinator's internal record. Its mutex ranks above the
// bus and state store locks: announce runs while it is held, and neither
// the bus nor the state store ever acquires a phase lock, so the order is
// acyclic. No phase lock is ever taken while another phase lock is held.
type phase struct {
	mu sync.Mutex

	id       string
	ptype    PhaseType
	parentID string
	depth    int
	prefix   string
	config   PhaseConfig

	state       PhaseState
	input       map[string]interface{}
	output      map[string]interface{}
	checkpoints []Checkpoint
	transitions []Transition
}

// CoordinatorConfig configures the phase coordinator.
type CoordinatorConfig struct {
	// MaxNesting bounds nested phase depth. Default 4.
	MaxNesting int
	Logger     core.Logger
}

// Coordinator owns phase lifecycles. Operations on a single phase are
// serialized by its lock; distinct phases proceed in parallel.
type Coordinator struct {
	config CoordinatorConfig
	logger core.Logger
	state  *core.StateStore
	bus    *core.EventBus

	mu        sync.RWMutex
	phases    map[string]*phase
	executors map[PhaseType]PhaseExecutor
	handlers  map[transitionKey]TransitionHandler
}

// NewCoordinator creates a phase coordinator.
func NewCoordinator(config CoordinatorConfig, state *core.StateStore, bus *core.EventBus) *Coordinator {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.MaxNesting <= 0 {
		config.MaxNesting = 4
	}
	return &Coordinator{
		config:    config,
		logger:    config.Logger,
		state:     state,
		bus:       bus,
		phases:    make(map[string]*phase),
		executors: make(map[PhaseType]PhaseExecutor),
		handlers:  make(map[transitionKey]TransitionHandler),
	}
}

// RegisterPhaseExecutor installs the body run for nested phases of a type.
func (c *Coordinator) RegisterPhaseExecutor(ptype PhaseType, executor PhaseExecutor) {
	c.mu.Lock()
	c.executors[ptype] = executor
	c.mu.Unlock()
}

// RegisterTransitionHandler installs the handler for a from-type to to-type
// boundary. The latest registration wins.
func (c *Coordinator) RegisterTransitionHandler(from, to PhaseType, handler TransitionHandler) {
	c.mu.Lock()
	c.handlers[transitionKey{from, to}] = handler
	c.mu.Unlock()
}

// InitializePhase creates a phase in READY. A non-empty parentID makes it a
// nested phase inheriting the parent's state prefix; depth beyond the
// configured maximum fails with NestingTooDeep and touches nothing.
func (c *Coordinator) InitializePhase(ctx context.Context, ptype PhaseType, config PhaseConfig, parentID string) (string, error) {
	id := uuid.New().String()
	depth := 0
	prefix := "phase:" + id

	if parentID != "" {
		parent, err := c.phaseFor(parentID)
		if err != nil {
			return "", err
		}
		parent.mu.Lock()
		depth = parent.depth + 1
		prefix = parent.prefix
		parent.mu.Unlock()
		if depth > c.config.MaxNesting {
			return "", fmt.Errorf("phase nesting depth %d exceeds maximum %d: %w", depth, c.config.MaxNesting, core.ErrNestingTooDeep)
		}
	}

	p := &phase{
		id:       id,
		ptype:    ptype,
		parentID: parentID,
		depth:    depth,
		prefix:   prefix,
		config:   config,
		state:    PhaseReady,
	}
	p.transitions = append(p.transitions, Transition{To: PhaseReady, At: time.Now()})

	c.mu.Lock()
	c.phases[id] = p
	c.mu.Unlock()

	c.announce(ctx, p, "", PhaseReady, "initialized")
	c.logger.Info("Phase initialized", map[string]interface{}{
		"operation":  "phase_initialize",
		"phase_id":   id,
		"phase_type": string(ptype),
		"parent_id":  parentID,
		"depth":      depth,
	})
	return id, nil
}

// StartPhase moves a READY phase to RUNNING with its input. When the phase
// has a parent and a transition handler covers the type boundary, the
// handler runs first; a handler error rejects the start and fails this
// phase, leaving the parent untouched.
func (c *Coordinator) StartPhase(ctx context.Context, phaseID string, input map[string]interface{}) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}

	handler, fromID := c.boundaryHandler(p)
	if handler != nil {
		if herr := handler(ctx, fromID, phaseID); herr != nil {
			c.logger.Warn("Transition handler rejected phase start", map[string]interface{}{
				"operation": "phase_start",
				"phase_id":  phaseID,
				"error":     herr.Error(),
			})
			p.mu.Lock()
			//nolint:errcheck // the phase just initialized, FAILED is reachable
			c.transitionLocked(ctx, p, PhaseFailed, "transition handler rejected: "+herr.Error())
			p.mu.Unlock()
			return fmt.Errorf("transition handler rejected start of phase %s: %w", phaseID, herr)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PhaseReady {
		return fmt.Errorf("phase %s is %s, expected READY: %w", phaseID, p.state, core.ErrStateConflict)
	}
	p.input = input
	return c.transitionLocked(ctx, p, PhaseRunning, "started")
}

// boundaryHandler finds the handler for this phase's parent-type boundary.
func (c *Coordinator) boundaryHandler(p *phase) (TransitionHandler, string) {
	p.mu.Lock()
	parentID := p.parentID
	childType := p.ptype
	p.mu.Unlock()
	if parentID == "" {
		return nil, ""
	}
	parent, err := c.phaseFor(parentID)
	if err != nil {
		return nil, ""
	}
	parent.mu.Lock()
	parentType := parent.ptype
	parent.mu.Unlock()

	c.mu.RLock()
	handler := c.handlers[transitionKey{parentType, childType}]
	c.mu.RUnlock()
	return handler, parentID
}

// CompletePhase moves a RUNNING phase to COMPLETED and records its output.
func (c *Coordinator) CompletePhase(ctx context.Context, phaseID string, output map[string]interface{}) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PhaseRunning {
		return fmt.Errorf("phase %s is %s, expected RUNNING: %w", phaseID, p.state, core.ErrStateConflict)
	}
	p.output = output
	if err := c.transitionLocked(ctx, p, PhaseCompleted, "completed"); err != nil {
		return err
	}
	//nolint:errcheck // output mirroring is best-effort, the phase holds it
	c.state.SetState(ctx, p.prefix+":output:"+string(p.ptype), output, core.ResourceState, map[string]interface{}{"phase_id": phaseID})
	return nil
}

// FailPhase moves a phase to FAILED. Terminal.
func (c *Coordinator) FailPhase(ctx context.Context, phaseID, reason string) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.transitionLocked(ctx, p, PhaseFailed, reason)
}

// PausePhase suspends a RUNNING phase.
func (c *Coordinator) PausePhase(ctx context.Context, phaseID string) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PhaseRunning {
		return fmt.Errorf("phase %s is %s, expected RUNNING: %w", phaseID, p.state, core.ErrStateConflict)
	}
	return c.transitionLocked(ctx, p, PhasePaused, "paused")
}

// ResumePhase resumes a PAUSED phase.
func (c *Coordinator) ResumePhase(ctx context.Context, phaseID string) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PhasePaused {
		return fmt.Errorf("phase %s is %s, expected PAUSED: %w", phaseID, p.state, core.ErrStateConflict)
	}
	return c.transitionLocked(ctx, p, PhaseRunning, "resumed")
}

// AbortPhase terminates a phase. When the phase config asks for it and a
// checkpoint exists, state rolls back to the newest checkpoint.
func (c *Coordinator) AbortPhase(ctx context.Context, phaseID, reason string) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if err := c.transitionLocked(ctx, p, PhaseAborted, reason); err != nil {
		p.mu.Unlock()
		return err
	}
	var rollbackTo string
	if p.config.RollbackOnAbort && len(p.checkpoints) > 0 {
		rollbackTo = p.checkpoints[len(p.checkpoints)-1].ID
	}
	p.mu.Unlock()

	if rollbackTo != "" {
		if rbErr := c.RollbackToCheckpoint(ctx, phaseID, rollbackTo); rbErr != nil {
			c.logger.Error("Rollback on abort failed", map[string]interface{}{
				"operation":     "phase_abort",
				"phase_id":      phaseID,
				"checkpoint_id": rollbackTo,
				"error":         rbErr.Error(),
			})
			return rbErr
		}
	}
	return nil
}

// CreateCheckpoint captures the phase's state keys and running input and
// output. Returns the checkpoint id.
func (c *Coordinator) CreateCheckpoint(ctx context.Context, phaseID string) (string, error) {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	prefix := p.prefix
	p.mu.Unlock()

	// Capture outside the phase lock; the state store gives a consistent
	// prefix read on its own.
	entries := c.state.GetStatesByPrefix(prefix)

	cp := Checkpoint{
		ID:        uuid.New().String(),
		PhaseID:   phaseID,
		CreatedAt: time.Now(),
		Entries:   entries,
	}

	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return "", fmt.Errorf("phase %s is %s: %w", phaseID, p.state, core.ErrStateConflict)
	}
	cp.Input = p.input
	cp.Output = p.output
	p.checkpoints = append(p.checkpoints, cp)
	p.mu.Unlock()

	if c.bus != nil {
		//nolint:errcheck
		c.bus.Emit(core.EventCheckpointCreated, map[string]interface{}{
			"phase_id":      phaseID,
			"checkpoint_id": cp.ID,
			"keys":          len(entries),
		})
	}
	c.logger.Info("Checkpoint created", map[string]interface{}{
		"operation":     "checkpoint_create",
		"phase_id":      phaseID,
		"checkpoint_id": cp.ID,
		"keys":          len(entries),
	})
	return cp.ID, nil
}

// RollbackToCheckpoint restores the captured keys atomically. Keys under
// the phase prefix written after the checkpoint are tombstoned so the
// prefix reads exactly as it did at capture time.
func (c *Coordinator) RollbackToCheckpoint(ctx context.Context, phaseID, checkpointID string) error {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var cp *Checkpoint
	for i := range p.checkpoints {
		if p.checkpoints[i].ID == checkpointID {
			cp = &p.checkpoints[i]
			break
		}
	}
	if cp == nil {
		p.mu.Unlock()
		return fmt.Errorf("checkpoint %s on phase %s: %w", checkpointID, phaseID, core.ErrSnapshotNotFound)
	}
	prefix := p.prefix
	p.input = cp.Input
	p.output = cp.Output
	entries := make(map[string]core.StateEntry, len(cp.Entries))
	for key, entry := range cp.Entries {
		entries[key] = entry
	}
	p.mu.Unlock()

	// Tombstone keys born after the checkpoint.
	for key, entry := range c.state.GetStatesByPrefix(prefix) {
		if _, captured := entries[key]; !captured {
			entries[key] = core.StateEntry{
				Key:          key,
				Value:        nil,
				ResourceType: entry.ResourceType,
				Metadata:     map[string]interface{}{"rolled_back": true},
			}
		}
	}

	if err := c.state.RestoreEntries(ctx, entries); err != nil {
		return fmt.Errorf("restoring checkpoint %s: %w", checkpointID, err)
	}
	c.logger.Info("Rolled back to checkpoint", map[string]interface{}{
		"operation":     "checkpoint_rollback",
		"phase_id":      phaseID,
		"checkpoint_id": checkpointID,
		"keys":          len(entries),
	})
	return nil
}

// CoordinateNestedExecution runs a child phase synchronously. The parent
// stays RUNNING throughout; the child walks its own lifecycle. Depth beyond
// the maximum fails with NestingTooDeep and leaves the parent unchanged.
func (c *Coordinator) CoordinateNestedExecution(ctx context.Context, parentID string, targetType PhaseType, input map[string]interface{}, config PhaseConfig) (map[string]interface{}, error) {
	parent, err := c.phaseFor(parentID)
	if err != nil {
		return nil, err
	}
	parent.mu.Lock()
	parentState := parent.state
	parent.mu.Unlock()
	if parentState != PhaseRunning {
		return nil, fmt.Errorf("parent phase %s is %s, expected RUNNING: %w", parentID, parentState, core.ErrStateConflict)
	}

	c.mu.RLock()
	executor := c.executors[targetType]
	c.mu.RUnlock()
	if executor == nil {
		return nil, fmt.Errorf("no executor registered for phase type %s: %w", targetType, core.ErrMissingConfiguration)
	}

	childID, err := c.InitializePhase(ctx, targetType, config, parentID)
	if err != nil {
		return nil, err
	}
	if err := c.StartPhase(ctx, childID, input); err != nil {
		return nil, err
	}

	output, execErr := executor(ctx, childID, input)
	if execErr != nil {
		//nolint:errcheck // the child is RUNNING, FAILED is reachable
		c.FailPhase(ctx, childID, execErr.Error())
		return nil, fmt.Errorf("nested phase %s (%s) failed: %w", childID, targetType, execErr)
	}
	if err := c.CompletePhase(ctx, childID, output); err != nil {
		return nil, err
	}
	return output, nil
}

// GetPhase returns a read-only view of a phase.
func (c *Coordinator) GetPhase(phaseID string) (PhaseInfo, error) {
	p, err := c.phaseFor(phaseID)
	if err != nil {
		return PhaseInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	info := PhaseInfo{
		ID:          p.id,
		Type:        p.ptype,
		ParentID:    p.parentID,
		Depth:       p.depth,
		State:       p.state,
		Prefix:      p.prefix,
		Transitions: append([]Transition(nil), p.transitions...),
	}
	for _, cp := range p.checkpoints {
		info.Checkpoints = append(info.Checkpoints, cp.ID)
	}
	return info, nil
}

// PhaseState returns just the lifecycle state.
func (c *Coordinator) PhaseState(phaseID string) (PhaseState, error) {
	info, err := c.GetPhase(phaseID)
	if err != nil {
		return "", err
	}
	return info.State, nil
}

func (c *Coordinator) phaseFor(phaseID string) (*phase, error) {
	c.mu.RLock()
	p, ok := c.phases[phaseID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("phase %s: %w", phaseID, core.ErrPhaseNotFound)
	}
	return p, nil
}

// transitionLocked applies a lifecycle transition. Must be called with the
// phase lock held. A phase already in a terminal state rejects every
// further transition; exactly one terminal entry ends the log.
func (c *Coordinator) transitionLocked(ctx context.Context, p *phase, to PhaseState, reason string) error {
	if p.state.Terminal() {
		return fmt.Errorf("phase %s already terminal in %s: %w", p.id, p.state, core.ErrStateConflict)
	}
	from := p.state
	p.state = to
	p.transitions = append(p.transitions, Transition{From: from, To: to, Reason: reason, At: time.Now()})
	c.announce(ctx, p, from, to, reason)
	return nil
}

// announce emits PHASE_STATE_CHANGED and mirrors the transition log.
// Callers hold the phase lock; the bus and state store locks acquired here
// rank below it and never wait on a phase lock.
func (c *Coordinator) announce(ctx context.Context, p *phase, from, to PhaseState, reason string) {
	if c.bus != nil {
		//nolint:errcheck
		c.bus.Emit(core.EventPhaseStateChanged, map[string]interface{}{
			"phase_id":   p.id,
			"phase_type": string(p.ptype),
			"from":       string(from),
			"to":         string(to),
			"reason":     reason,
		})
	}
	//nolint:errcheck // the in-memory record is authoritative
	c.state.SetState(ctx, "phasemeta:"+p.id, map[string]interface{}{
		"phase_type": string(p.ptype),
		"parent_id":  p.parentID,
		"state":      string(to),
		"reason":     reason,
	}, core.ResourceState, nil)
}
