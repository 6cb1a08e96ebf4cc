package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
	"github.com/jean-moorman/ForestForTheTrees-sub004/resilience"
	"github.com/jean-moorman/ForestForTheTrees-sub004/telemetry"
)

// Options wires a runtime to the substrate. All handles are explicit; the
// runtime owns nothing but its own state machine.
type Options struct {
	AgentID  string
	Strategy Strategy

	Generator core.TextGenerator
	// Validator is optional; without it schema checks are skipped.
	Validator core.SchemaValidator
	Prompts   core.PromptRepository

	State    *core.StateStore
	Contexts *core.ContextStore
	// Cache is optional; completed outputs are cached best-effort.
	Cache    *core.CacheStore
	Metrics  *core.MetricsStore
	Tracker  *core.MemoryTracker
	Health   *core.HealthTracker
	Bus      *core.EventBus
	Breakers *resilience.Registry

	Logger core.Logger

	// InitGrace is the settling pause after lazy initialization.
	InitGrace time.Duration
	// StateLockTimeout bounds acquisition of the per-agent state lock. A
	// transition that misses the bound still lands; it is reported, not lost.
	StateLockTimeout time.Duration
	// DefaultTimeout bounds generation calls that don't carry their own.
	DefaultTimeout time.Duration
}

// Validate validates the runtime options.
func (o *Options) Validate() error {
	if o.AgentID == "" {
		return fmt.Errorf("agent id is required: %w", core.ErrMissingConfiguration)
	}
	if o.Generator == nil {
		return fmt.Errorf("agent %q needs a text generator: %w", o.AgentID, core.ErrMissingConfiguration)
	}
	if o.Prompts == nil {
		return fmt.Errorf("agent %q needs a prompt repository: %w", o.AgentID, core.ErrMissingConfiguration)
	}
	if o.State == nil || o.Contexts == nil || o.Metrics == nil {
		return fmt.Errorf("agent %q needs state, context, and metrics stores: %w", o.AgentID, core.ErrMissingConfiguration)
	}
	if o.Breakers == nil {
		return fmt.Errorf("agent %q needs a breaker registry: %w", o.AgentID, core.ErrMissingConfiguration)
	}
	return nil
}

// ProcessRequest is one processing cycle's input.
type ProcessRequest struct {
	Conversation core.Conversation
	// PromptName overrides the strategy's process prompt when set.
	PromptName  string
	Schema      map[string]interface{}
	Phase       string
	OperationID string
	Metadata    map[string]interface{}
	Timeout     time.Duration
}

// Runtime executes one agent's process, reflect, refine cycle. The zero
// value is unusable; construct with New.
type Runtime struct {
	agentID  string
	strategy Strategy
	opts     Options
	logger   core.Logger

	// stateMu serializes transitions; state itself is atomic so a missed
	// lock acquisition can still land the mutation.
	stateMu sync.Mutex
	state   atomic.Value

	initialized atomic.Bool
}

// New creates an agent runtime in the READY state.
func New(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.InitGrace <= 0 {
		opts.InitGrace = 50 * time.Millisecond
	}
	if opts.StateLockTimeout <= 0 {
		opts.StateLockTimeout = 100 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.Strategy.ProcessPrompt == "" {
		opts.Strategy = DefaultStrategy(opts.AgentID)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		agentID:  opts.AgentID,
		strategy: opts.Strategy,
		opts:     opts,
		logger:   opts.Logger,
	}
	r.state.Store(StateReady)
	return r, nil
}

// AgentID returns the runtime's agent id.
func (r *Runtime) AgentID() string { return r.agentID }

// State returns the current agent state.
func (r *Runtime) State() State {
	return r.state.Load().(State)
}

// ResourceState returns the monitor-facing view of the current state.
func (r *Runtime) ResourceState() ResourceState {
	return ResourceStateOf(r.State())
}

// SetAgentState transitions the agent state. Acquisition of the state lock
// is bounded; on a miss the mutation still lands and a warning alert is
// emitted, so the transition is reported late rather than lost. Every
// transition emits INTERFACE_STATE_CHANGED and refreshes health.
func (r *Runtime) SetAgentState(ctx context.Context, newState State, metadata map[string]interface{}) {
	acquired := r.acquireStateLock()

	previous := r.State()
	r.state.Store(newState)
	if acquired {
		r.stateMu.Unlock()
	} else {
		r.logger.Warn("State lock acquisition timed out", map[string]interface{}{
			"operation": "set_agent_state",
			"agent_id":  r.agentID,
			"from":      string(previous),
			"to":        string(newState),
		})
		telemetry.Counter(ctx, telemetry.MetricAgentStateLockWait)
		if r.opts.Bus != nil {
			//nolint:errcheck
			r.opts.Bus.EmitHigh(core.EventResourceAlertCreated, map[string]interface{}{
				"source":       "agent_state_lock",
				"component_id": r.agentID,
				"severity":     "WARNING",
				"detail":       "state lock timeout, transition applied late",
			})
		}
	}

	resource := ResourceStateOf(newState)
	if r.opts.Bus != nil {
		//nolint:errcheck
		r.opts.Bus.Emit(core.EventInterfaceStateChanged, map[string]interface{}{
			"agent_id":       r.agentID,
			"from":           string(previous),
			"to":             string(newState),
			"resource_state": string(resource),
			"metadata":       metadata,
		})
	}
	if r.opts.Health != nil {
		level := core.HealthHealthy
		if resource == ResourceFailed {
			level = core.HealthDegraded
		}
		r.opts.Health.UpdateHealth("agent:"+r.agentID, level, string(newState), nil)
	}
}

// acquireStateLock polls for the state lock until the configured bound.
func (r *Runtime) acquireStateLock() bool {
	deadline := time.Now().Add(r.opts.StateLockTimeout)
	for {
		if r.stateMu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ensureInitialized performs lazy first-use setup: memory accounting
// registration and a short settling pause.
func (r *Runtime) ensureInitialized(ctx context.Context) error {
	if r.initialized.Load() {
		return nil
	}
	if !r.initialized.CompareAndSwap(false, true) {
		return nil
	}
	if r.opts.Tracker != nil {
		if err := r.opts.Tracker.RegisterComponent(r.agentID, r.strategy.MemoryThresholds); err != nil {
			r.initialized.Store(false)
			return err
		}
	}
	r.logger.Info("Agent runtime initialized", map[string]interface{}{
		"operation": "agent_init",
		"agent_id":  r.agentID,
	})
	select {
	case <-time.After(r.opts.InitGrace):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ProcessWithValidation runs one full processing cycle: generation under
// the agent's breaker and timeout, the optional schema check, context and
// metric bookkeeping. Failures come back as the canonical structured
// payload, never as a panic or a bare error string.
func (r *Runtime) ProcessWithValidation(ctx context.Context, req ProcessRequest) map[string]interface{} {
	requestID := uuid.New().String()
	start := time.Now()

	if err := r.ensureInitialized(ctx); err != nil {
		return r.fail(ctx, start, requestID, err, nil)
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = uuid.New().String()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	//nolint:errcheck
	r.opts.Metrics.RecordMetric(ctx, "agent.processing_start", 1, map[string]interface{}{
		"agent_id":     r.agentID,
		"operation_id": operationID,
		"phase":        req.Phase,
	})
	r.SetAgentState(ctx, StateProcessing, map[string]interface{}{"operation_id": operationID})

	contextKey := core.ContextKey(r.agentID, operationID)
	if _, err := r.opts.Contexts.CreateContext(ctx, r.agentID, operationID, req.Schema, r.strategy.ContextType); err != nil {
		return r.fail(ctx, start, requestID, err, map[string]interface{}{"operation_id": operationID})
	}

	promptName := req.PromptName
	if promptName == "" {
		promptName = r.strategy.ProcessPrompt
	}
	promptID, err := r.opts.Prompts.Resolve(r.strategy.PromptBasePath, promptName)
	if err != nil {
		return r.fail(ctx, start, requestID, fmt.Errorf("resolving prompt %q: %w", promptName, core.ErrInvalidConfiguration), nil)
	}

	breaker, err := r.opts.Breakers.GetOrCreate(r.strategy.ProcessBreaker)
	if err != nil {
		return r.fail(ctx, start, requestID, err, nil)
	}

	var output map[string]interface{}
	execErr := breaker.Execute(ctx, timeout, func(callCtx context.Context) error {
		out, genErr := r.opts.Generator.Generate(callCtx, core.GenerationRequest{
			Conversation: req.Conversation,
			PromptID:     promptID,
			Schema:       req.Schema,
			Metadata:     req.Metadata,
		})
		if genErr != nil {
			return genErr
		}
		output = out
		return nil
	})
	if execErr != nil {
		if core.ClassifyError(execErr) == core.KindTimeout && r.opts.Bus != nil {
			//nolint:errcheck
			r.opts.Bus.EmitHigh(core.EventTimeoutOccurred, map[string]interface{}{
				"agent_id":     r.agentID,
				"operation":    "process_with_validation",
				"operation_id": operationID,
				"timeout_ms":   timeout.Milliseconds(),
			})
		}
		return r.fail(ctx, start, requestID, execErr, map[string]interface{}{"operation_id": operationID})
	}

	// A generator that reports failure structurally gets the same treatment
	// as one that returns an error.
	if errField, found := output["error"]; found {
		r.SetAgentState(ctx, StateError, map[string]interface{}{"operation_id": operationID})
		r.recordFailure(ctx, start, "generator_error")
		result := withRequestID(output, requestID)
		result["status"] = "error"
		r.logger.Error("Generation returned error payload", map[string]interface{}{
			"operation":    "process_with_validation",
			"agent_id":     r.agentID,
			"operation_id": operationID,
			"error":        fmt.Sprintf("%v", errField),
		})
		return result
	}

	if req.Schema != nil && r.opts.Validator != nil {
		r.SetAgentState(ctx, StateValidating, map[string]interface{}{"operation_id": operationID})
		verdict, normalized, analysis := r.validate(ctx, contextKey, output, req.Schema)
		if !verdict {
			r.SetAgentState(ctx, StateFailedValidation, map[string]interface{}{"operation_id": operationID})
			r.recordFailure(ctx, start, "validation")
			return map[string]interface{}{
				"status":     "error",
				"error":      "output failed schema validation",
				"error_type": string(core.KindValidationFailure),
				"request_id": requestID,
				"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
				"analysis":   analysis,
				"candidate":  output,
			}
		}
		if normalized != nil {
			output = normalized
		}
	}

	r.SetAgentState(ctx, StateComplete, map[string]interface{}{"operation_id": operationID})
	r.recordSuccess(ctx, start)

	result := withRequestID(output, requestID)
	if r.opts.Cache != nil {
		//nolint:errcheck // caching completed outputs is best-effort
		r.opts.Cache.SetCache(ctx, "output:"+contextKey, result, map[string]interface{}{"agent_id": r.agentID})
	}
	return result
}

// validate runs the schema check and records the attempt on the context.
func (r *Runtime) validate(ctx context.Context, contextKey string, candidate, schema map[string]interface{}) (bool, map[string]interface{}, *core.ValidationAnalysis) {
	started := time.Now()
	ok, normalized, analysis := r.opts.Validator.Validate(candidate, schema)

	rec := core.ValidationRecord{
		Timestamp: started,
		Success:   ok,
		Duration:  time.Since(started),
	}
	if !ok && analysis != nil {
		rec.ErrorAnalysis = map[string]interface{}{
			"categories": analysis.Categories,
			"hint":       analysis.Hint,
			"errors":     analysis.Errors,
		}
	}
	//nolint:errcheck
	r.opts.Contexts.AddValidationRecord(ctx, contextKey, rec)
	if r.opts.Bus != nil {
		//nolint:errcheck
		r.opts.Bus.Emit(core.EventValidationCompleted, map[string]interface{}{
			"agent_id": r.agentID,
			"success":  ok,
		})
	}
	return ok, normalized, analysis
}

// ValidateOutput runs the schema check outside a full processing cycle,
// recording the attempt on the operation's context. Callers use it to
// re-check refined outputs. Without a validator or schema it passes.
func (r *Runtime) ValidateOutput(ctx context.Context, operationID string, output, schema map[string]interface{}) (bool, map[string]interface{}, *core.ValidationAnalysis) {
	if r.opts.Validator == nil || schema == nil {
		return true, nil, nil
	}
	return r.validate(ctx, core.ContextKey(r.agentID, operationID), output, schema)
}

// Reflect asks the generation capability to judge an output. An open
// reflection breaker yields the canonical rejected result, never an error;
// a stuck reflection path must not fail the primary cycle.
func (r *Runtime) Reflect(ctx context.Context, output map[string]interface{}) map[string]interface{} {
	result, err := r.auxiliaryCall(ctx, r.strategy.ReflectBreaker, r.strategy.ReflectionPrompt, map[string]interface{}{
		"output": output,
	})
	if err != nil {
		if errors.Is(err, core.ErrCircuitOpen) {
			return rejectedResult("reflection")
		}
		return core.NewOperationError(err, "").ToMap()
	}
	return result
}

// Refine re-runs generation with corrective guidance and records the pass
// in the operation's refinement history. Breaker-open yields the canonical
// rejected result.
func (r *Runtime) Refine(ctx context.Context, operationID string, output, guidance map[string]interface{}) map[string]interface{} {
	result, err := r.auxiliaryCall(ctx, r.strategy.RefineBreaker, r.strategy.RefinementPrompt, map[string]interface{}{
		"output":   output,
		"guidance": guidance,
	})
	if err != nil {
		if errors.Is(err, core.ErrCircuitOpen) {
			return rejectedResult("refinement")
		}
		return core.NewOperationError(err, "").ToMap()
	}

	contextKey := core.ContextKey(r.agentID, operationID)
	iteration, recErr := r.opts.Contexts.AddRefinementRecord(ctx, contextKey, core.RefinementRecord{
		AgentID:        r.agentID,
		OriginalOutput: output,
		RefinedOutput:  result,
		Guidance:       guidance,
	})
	if recErr != nil {
		r.logger.Warn("Refinement record not stored", map[string]interface{}{
			"operation":    "refine",
			"agent_id":     r.agentID,
			"operation_id": operationID,
			"error":        recErr.Error(),
		})
	}
	telemetry.Counter(ctx, telemetry.MetricAgentRefinements)
	//nolint:errcheck
	r.opts.Metrics.RecordMetric(ctx, "agent.refinement", float64(iteration), map[string]interface{}{
		"agent_id":     r.agentID,
		"operation_id": operationID,
	})
	return result
}

// Clarify poses a follow-up question through the clarification prompt. The
// agent parks in CLARIFYING for the duration and returns to READY.
func (r *Runtime) Clarify(ctx context.Context, question string) (map[string]interface{}, error) {
	r.SetAgentState(ctx, StateClarifying, map[string]interface{}{"question": question})
	defer r.SetAgentState(ctx, StateReady, nil)

	result, err := r.auxiliaryCall(ctx, r.strategy.ProcessBreaker, r.strategy.ClarificationPrompt, map[string]interface{}{
		"question": question,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CoordinateWithNextAgent negotiates a handoff between this agent's output
// and its successor's. Both agents park in COORDINATING. When the
// capability does not propose updates, the originals pass through.
func (r *Runtime) CoordinateWithNextAgent(ctx context.Context, next *Runtime, myOutput, nextOutput, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, map[string]interface{}, error) {
	r.SetAgentState(ctx, StateCoordinating, map[string]interface{}{"next_agent": next.AgentID()})
	next.SetAgentState(ctx, StateCoordinating, map[string]interface{}{"prev_agent": r.agentID})
	defer func() {
		r.SetAgentState(ctx, StateReady, nil)
		next.SetAgentState(ctx, StateReady, nil)
	}()

	result, err := r.auxiliaryCall(ctx, r.strategy.ProcessBreaker, r.strategy.CoordinationPrompt, map[string]interface{}{
		"my_output":   myOutput,
		"next_output": nextOutput,
		"params":      params,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	updatedMine := myOutput
	if m, ok := result["updated_mine"].(map[string]interface{}); ok {
		updatedMine = m
	}
	updatedNext := nextOutput
	if m, ok := result["updated_next"].(map[string]interface{}); ok {
		updatedNext = m
	}
	metadata, _ := result["metadata"].(map[string]interface{})
	return updatedMine, updatedNext, metadata, nil
}

// auxiliaryCall runs a secondary generation (reflection, refinement,
// clarification, coordination) under the named breaker.
func (r *Runtime) auxiliaryCall(ctx context.Context, breakerName, promptName string, payload map[string]interface{}) (map[string]interface{}, error) {
	if err := r.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	promptID, err := r.opts.Prompts.Resolve(r.strategy.PromptBasePath, promptName)
	if err != nil {
		return nil, fmt.Errorf("resolving prompt %q: %w", promptName, core.ErrInvalidConfiguration)
	}
	breaker, err := r.opts.Breakers.GetOrCreate(breakerName)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	execErr := breaker.Execute(ctx, r.opts.DefaultTimeout, func(callCtx context.Context) error {
		out, genErr := r.opts.Generator.Generate(callCtx, core.GenerationRequest{
			Conversation: core.Conversation{{Role: "user", Content: encodePayload(payload)}},
			PromptID:     promptID,
		})
		if genErr != nil {
			return genErr
		}
		result = out
		return nil
	})
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// fail finalizes a processing cycle in ERROR and builds the canonical
// structured failure payload.
func (r *Runtime) fail(ctx context.Context, start time.Time, requestID string, err error, metadata map[string]interface{}) map[string]interface{} {
	r.SetAgentState(ctx, StateError, metadata)
	r.recordFailure(ctx, start, string(core.ClassifyError(err)))
	opErr := core.NewOperationError(err, requestID)
	r.logger.Error("Processing cycle failed", map[string]interface{}{
		"operation":  "process_with_validation",
		"agent_id":   r.agentID,
		"error":      err.Error(),
		"error_type": string(opErr.Kind),
		"request_id": opErr.RequestID,
	})
	return opErr.ToMap()
}

func (r *Runtime) recordSuccess(ctx context.Context, start time.Time) {
	telemetry.Duration(ctx, telemetry.MetricAgentProcessDuration, start)
	telemetry.Counter(ctx, telemetry.MetricAgentProcessSuccess)
	//nolint:errcheck
	r.opts.Metrics.RecordMetric(ctx, "agent.process.duration_ms", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"agent_id": r.agentID,
		"outcome":  "success",
	})
}

func (r *Runtime) recordFailure(ctx context.Context, start time.Time, reason string) {
	telemetry.Duration(ctx, telemetry.MetricAgentProcessDuration, start)
	telemetry.RecordError(ctx, telemetry.MetricAgentProcessFailure, reason)
	//nolint:errcheck
	r.opts.Metrics.RecordMetric(ctx, "agent.process.duration_ms", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"agent_id": r.agentID,
		"outcome":  "failure",
		"reason":   reason,
	})
}

// rejectedResult is the canonical breaker-open reply for auxiliary calls.
func rejectedResult(operation string) map[string]interface{} {
	return map[string]interface{}{
		"status":    "rejected",
		"reason":    "circuit_open",
		"operation": operation,
	}
}

// withRequestID returns a copy of the payload with the request id attached.
func withRequestID(payload map[string]interface{}, requestID string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["request_id"] = requestID
	return out
}

func encodePayload(payload map[string]interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(raw)
}
