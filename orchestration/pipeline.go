package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jean-moorman/ForestForTheTrees-sub004/agent"
	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
	"github.com/jean-moorman/ForestForTheTrees-sub004/resilience"
	"github.com/jean-moorman/ForestForTheTrees-sub004/telemetry"
)

// StageInputSelector builds a stage's input from the pipeline input and the
// outputs of every completed upstream stage.
type StageInputSelector func(pipelineInput map[string]interface{}, outputs map[string]map[string]interface{}) map[string]interface{}

// Stage is one step of a reflective pipeline: an agent plus the selector
// that shapes what it sees.
type Stage struct {
	Name        string
	Agent       *agent.Runtime
	SelectInput StageInputSelector
	// Schema, when set, is enforced on the stage's output.
	Schema map[string]interface{}
}

// PipelineConfig holds the per-stage retry policy.
type PipelineConfig struct {
	// MaxRetries is the attempt budget per stage, first try included.
	MaxRetries int
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff.
	MaxBackoff time.Duration
	// StageTimeout bounds each individual attempt.
	StageTimeout time.Duration
	Logger       core.Logger
}

// DefaultPipelineConfig returns production-ready defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		StageTimeout:   60 * time.Second,
		Logger:         &core.NoOpLogger{},
	}
}

// Result is a pipeline run's outcome. On failure the orchestrator may
// refine the failed stage's candidate and re-enter with ResumeWithOutput,
// or re-run from any upstream stage with ResumeFrom.
type Result struct {
	Status      string
	Outputs     map[string]map[string]interface{}
	FailedStage string
	Attempts    int
	Failure     map[string]interface{}
}

// Succeeded reports whether every stage completed.
func (r Result) Succeeded() bool { return r.Status == "success" }

// Pipeline executes stages in order, storing each output in the state
// store under the phase's conventional keys and retrying transient stage
// failures with exponential backoff.
type Pipeline struct {
	config PipelineConfig
	logger core.Logger
	stages []Stage
	state  *core.StateStore
	bus    *core.EventBus
}

// NewPipeline creates a pipeline over the given stages.
func NewPipeline(config PipelineConfig, stages []Stage, state *core.StateStore, bus *core.EventBus) (*Pipeline, error) {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = 60 * time.Second
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline needs at least one stage: %w", core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(stages))
	for _, stage := range stages {
		if stage.Name == "" || stage.Agent == nil {
			return nil, fmt.Errorf("every stage needs a name and an agent: %w", core.ErrInvalidConfiguration)
		}
		if seen[stage.Name] {
			return nil, fmt.Errorf("duplicate stage name %q: %w", stage.Name, core.ErrInvalidConfiguration)
		}
		seen[stage.Name] = true
	}
	return &Pipeline{
		config: config,
		logger: config.Logger,
		stages: stages,
		state:  state,
		bus:    bus,
	}, nil
}

// Stages returns the configured stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name
	}
	return names
}

// Stage returns the stage registered under name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, stage := range p.stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return Stage{}, false
}

// OperationID is the conventional per-stage operation id within a phase.
func OperationID(phaseID, stageName string) string {
	return phaseID + ":" + stageName
}

// Execute runs every stage in order.
func (p *Pipeline) Execute(ctx context.Context, phaseID string, input map[string]interface{}) Result {
	return p.run(ctx, phaseID, input, make(map[string]map[string]interface{}), 0)
}

// ResumeFrom re-enters the pipeline at the named stage, reusing the given
// upstream outputs. The named stage runs again.
func (p *Pipeline) ResumeFrom(ctx context.Context, phaseID, stageName string, input map[string]interface{}, outputs map[string]map[string]interface{}) Result {
	idx, ok := p.indexOf(stageName)
	if !ok {
		return failureResult(stageName, 0, map[string]interface{}{
			"error":      fmt.Sprintf("unknown stage %q", stageName),
			"error_type": string(core.KindConfiguration),
		})
	}
	return p.run(ctx, phaseID, input, copyOutputs(outputs), idx)
}

// ResumeWithOutput accepts a refined output for the named stage as if the
// stage had produced it, then continues with the stages after it.
func (p *Pipeline) ResumeWithOutput(ctx context.Context, phaseID, stageName string, output map[string]interface{}, input map[string]interface{}, outputs map[string]map[string]interface{}) Result {
	idx, ok := p.indexOf(stageName)
	if !ok {
		return failureResult(stageName, 0, map[string]interface{}{
			"error":      fmt.Sprintf("unknown stage %q", stageName),
			"error_type": string(core.KindConfiguration),
		})
	}
	merged := copyOutputs(outputs)
	merged[stageName] = output
	p.storeOutput(ctx, phaseID, stageName, output)
	p.emitStage(core.EventStageCompleted, phaseID, stageName, map[string]interface{}{"refined": true})
	return p.run(ctx, phaseID, input, merged, idx+1)
}

func (p *Pipeline) indexOf(stageName string) (int, bool) {
	for i, stage := range p.stages {
		if stage.Name == stageName {
			return i, true
		}
	}
	return 0, false
}

func (p *Pipeline) run(ctx context.Context, phaseID string, input map[string]interface{}, outputs map[string]map[string]interface{}, startIdx int) Result {
	for i := startIdx; i < len(p.stages); i++ {
		stage := p.stages[i]
		output, attempts, failure := p.runStage(ctx, phaseID, stage, input, outputs)
		if failure != nil {
			p.emitStage(core.EventStageFailed, phaseID, stage.Name, failure)
			p.emitPipelineCompleted(phaseID, "error", stage.Name)
			res := failureResult(stage.Name, attempts, failure)
			res.Outputs = outputs
			return res
		}
		outputs[stage.Name] = output
		p.storeOutput(ctx, phaseID, stage.Name, output)
		p.emitStage(core.EventStageCompleted, phaseID, stage.Name, map[string]interface{}{"attempts": attempts})
	}

	p.emitPipelineCompleted(phaseID, "success", "")
	telemetry.Counter(ctx, telemetry.MetricPipelineCompleted)
	return Result{Status: "success", Outputs: outputs}
}

// runStage runs one stage with the retry policy. Only transient failures
// burn retry budget; every other kind fails the stage on first sight.
func (p *Pipeline) runStage(ctx context.Context, phaseID string, stage Stage, input map[string]interface{}, outputs map[string]map[string]interface{}) (map[string]interface{}, int, map[string]interface{}) {
	p.emitStage(core.EventStageStarted, phaseID, stage.Name, nil)
	started := time.Now()

	stageInput := input
	if stage.SelectInput != nil {
		stageInput = stage.SelectInput(input, outputs)
	}

	var result map[string]interface{}
	attempts := 0
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  p.config.MaxRetries,
		InitialDelay: p.config.InitialBackoff,
		MaxDelay:     p.config.MaxBackoff,
		Multiplier:   2.0,
		Jitter:       0.2,
		Logger:       p.logger,
	}
	err := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		attempts++
		result = stage.Agent.ProcessWithValidation(ctx, agent.ProcessRequest{
			Conversation: core.Conversation{{Role: "user", Content: encodeInput(stageInput)}},
			Schema:       stage.Schema,
			Phase:        phaseID,
			OperationID:  OperationID(phaseID, stage.Name),
			Timeout:      p.config.StageTimeout,
		})
		return errorFromResult(result)
	})

	telemetry.Duration(ctx, telemetry.MetricPipelineStageDuration, started)
	if attempts > 1 {
		telemetry.Add(ctx, telemetry.MetricPipelineStageRetries, int64(attempts-1))
	}

	if err != nil {
		p.logger.Warn("Pipeline stage failed", map[string]interface{}{
			"operation": "pipeline_stage",
			"phase_id":  phaseID,
			"stage":     stage.Name,
			"attempts":  attempts,
			"error":     err.Error(),
		})
		failure := result
		if failure == nil {
			failure = core.NewOperationError(err, "").ToMap()
		}
		return nil, attempts, failure
	}
	return result, attempts, nil
}

func (p *Pipeline) storeOutput(ctx context.Context, phaseID, stageName string, output map[string]interface{}) {
	key := fmt.Sprintf("phase:%s:%s:output", phaseID, stageName)
	//nolint:errcheck // outputs also live in the result; the key is a mirror
	p.state.SetState(ctx, key, output, core.ResourceState, map[string]interface{}{"stage": stageName})
}

func (p *Pipeline) emitStage(eventType core.EventType, phaseID, stageName string, extra map[string]interface{}) {
	if p.bus == nil {
		return
	}
	data := map[string]interface{}{
		"phase_id": phaseID,
		"stage":    stageName,
	}
	for k, v := range extra {
		data[k] = v
	}
	//nolint:errcheck
	p.bus.Emit(eventType, data)
}

func (p *Pipeline) emitPipelineCompleted(phaseID, status, failedStage string) {
	if p.bus == nil {
		return
	}
	data := map[string]interface{}{
		"phase_id": phaseID,
		"status":   status,
	}
	if failedStage != "" {
		data["failed_stage"] = failedStage
	}
	//nolint:errcheck
	p.bus.Emit(core.EventPipelineCompleted, data)
}

// errorFromResult converts a structured failure payload back into a typed
// error so the retry policy can classify it. Non-error payloads yield nil.
func errorFromResult(result map[string]interface{}) error {
	if result == nil {
		return fmt.Errorf("stage produced no result: %w", core.ErrInternal)
	}
	status, _ := result["status"].(string)
	if status != "error" && status != "rejected" {
		return nil
	}
	message, _ := result["error"].(string)
	if message == "" {
		message = "stage rejected"
	}
	kind, _ := result["error_type"].(string)
	switch core.ErrorKind(kind) {
	case core.KindTimeout:
		return fmt.Errorf("%s: %w", message, core.ErrTimeout)
	case core.KindCircuitOpen:
		return fmt.Errorf("%s: %w", message, core.ErrCircuitOpen)
	case core.KindResourceExhausted:
		return fmt.Errorf("%s: %w", message, core.ErrResourceExhausted)
	case core.KindValidationFailure:
		// Validation failures fuel refinement, not blind retry.
		return fmt.Errorf("%s: %w", message, core.ErrInvalidConfiguration)
	case core.KindStateConflict:
		return fmt.Errorf("%s: %w", message, core.ErrStateConflict)
	case core.KindConfiguration:
		return fmt.Errorf("%s: %w", message, core.ErrInvalidConfiguration)
	case core.KindFatalInternal:
		return fmt.Errorf("%s: %w", message, core.ErrInternal)
	default:
		return fmt.Errorf("%s: %w", message, core.ErrTransient)
	}
}

func failureResult(stageName string, attempts int, failure map[string]interface{}) Result {
	return Result{
		Status:      "error",
		Outputs:     make(map[string]map[string]interface{}),
		FailedStage: stageName,
		Attempts:    attempts,
		Failure:     failure,
	}
}

func copyOutputs(outputs map[string]map[string]interface{}) map[string]map[string]interface{} {
	dup := make(map[string]map[string]interface{}, len(outputs))
	for k, v := range outputs {
		dup[k] = v
	}
	return dup
}

func encodeInput(input map[string]interface{}) string {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(raw)
}
