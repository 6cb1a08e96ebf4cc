package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// OrchestratorConfig configures the orchestrator shell.
type OrchestratorConfig struct {
	// PhaseType labels the phase each run executes under.
	PhaseType PhaseType
	// MaxRefinements bounds reflect-refine attempts after a validation
	// failure. Default 2.
	MaxRefinements int
	// CheckpointOnStart captures a checkpoint right after the phase starts
	// so an abort can roll back cleanly.
	CheckpointOnStart bool
	// RollbackOnAbort is passed through to the phase config.
	RollbackOnAbort bool
	Logger          core.Logger
}

// Orchestrator sequences a pipeline under a coordinated phase and drives
// the refinement loop when a stage's output fails validation.
type Orchestrator struct {
	config      OrchestratorConfig
	logger      core.Logger
	coordinator *Coordinator
	pipeline    *Pipeline
	metrics     *core.MetricsStore
}

// NewOrchestrator creates an orchestrator over a coordinator and pipeline.
func NewOrchestrator(config OrchestratorConfig, coordinator *Coordinator, pipeline *Pipeline, metrics *core.MetricsStore) (*Orchestrator, error) {
	if coordinator == nil || pipeline == nil {
		return nil, fmt.Errorf("orchestrator needs a coordinator and a pipeline: %w", core.ErrMissingConfiguration)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.PhaseType == "" {
		config.PhaseType = PhaseOne
	}
	if config.MaxRefinements <= 0 {
		config.MaxRefinements = 2
	}
	return &Orchestrator{
		config:      config,
		logger:      config.Logger,
		coordinator: coordinator,
		pipeline:    pipeline,
		metrics:     metrics,
	}, nil
}

// Run executes the pipeline inside a fresh phase. A validation failure in
// any stage triggers up to MaxRefinements reflect-refine rounds on that
// stage before the run is declared failed. The returned payload is the
// canonical structured result either way.
func (o *Orchestrator) Run(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	started := time.Now()

	phaseID, err := o.coordinator.InitializePhase(ctx, o.config.PhaseType, PhaseConfig{
		RollbackOnAbort: o.config.RollbackOnAbort,
	}, "")
	if err != nil {
		return nil, err
	}
	if err := o.coordinator.StartPhase(ctx, phaseID, input); err != nil {
		return nil, err
	}
	if o.config.CheckpointOnStart {
		if _, cpErr := o.coordinator.CreateCheckpoint(ctx, phaseID); cpErr != nil {
			o.logger.Warn("Initial checkpoint failed", map[string]interface{}{
				"operation": "orchestrator_run",
				"phase_id":  phaseID,
				"error":     cpErr.Error(),
			})
		}
	}

	result := o.pipeline.Execute(ctx, phaseID, input)
	result = o.refineLoop(ctx, phaseID, input, result)

	o.recordRun(ctx, phaseID, result, started)

	if result.Succeeded() {
		outputs := make(map[string]interface{}, len(result.Outputs))
		for name, out := range result.Outputs {
			outputs[name] = out
		}
		if err := o.coordinator.CompletePhase(ctx, phaseID, outputs); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":   "success",
			"phase_id": phaseID,
			"outputs":  outputs,
		}, nil
	}

	//nolint:errcheck // the phase is RUNNING, FAILED is reachable
	o.coordinator.FailPhase(ctx, phaseID, "stage "+result.FailedStage+" failed")
	return map[string]interface{}{
		"status":       "error",
		"phase_id":     phaseID,
		"failed_stage": result.FailedStage,
		"attempts":     result.Attempts,
		"failure":      result.Failure,
	}, nil
}

// refineLoop reflects on a validation failure's candidate, refines it with
// the resulting guidance, and re-enters the pipeline after the failed
// stage. Failures without a candidate are not refinable.
func (o *Orchestrator) refineLoop(ctx context.Context, phaseID string, input map[string]interface{}, result Result) Result {
	for attempt := 1; !result.Succeeded() && attempt <= o.config.MaxRefinements; attempt++ {
		stage, ok := o.pipeline.Stage(result.FailedStage)
		if !ok {
			return result
		}
		candidate, _ := result.Failure["candidate"].(map[string]interface{})
		if candidate == nil {
			return result
		}
		operationID := OperationID(phaseID, stage.Name)

		reflection := stage.Agent.Reflect(ctx, candidate)
		if rejected(reflection) {
			return result
		}
		guidance := map[string]interface{}{
			"analysis":   result.Failure["analysis"],
			"reflection": reflection,
		}

		refined := stage.Agent.Refine(ctx, operationID, candidate, guidance)
		if rejected(refined) || isError(refined) {
			return result
		}

		valid, normalized, _ := stage.Agent.ValidateOutput(ctx, operationID, refined, stage.Schema)
		if !valid {
			o.logger.Info("Refined output still invalid", map[string]interface{}{
				"operation": "refine_loop",
				"phase_id":  phaseID,
				"stage":     stage.Name,
				"attempt":   attempt,
			})
			continue
		}
		if normalized != nil {
			refined = normalized
		}

		o.logger.Info("Refinement accepted, resuming pipeline", map[string]interface{}{
			"operation": "refine_loop",
			"phase_id":  phaseID,
			"stage":     stage.Name,
			"attempt":   attempt,
		})
		result = o.pipeline.ResumeWithOutput(ctx, phaseID, stage.Name, refined, input, result.Outputs)
	}
	return result
}

func (o *Orchestrator) recordRun(ctx context.Context, phaseID string, result Result, started time.Time) {
	if o.metrics == nil {
		return
	}
	//nolint:errcheck
	o.metrics.RecordMetric(ctx, "orchestrator.run.duration_ms", float64(time.Since(started).Milliseconds()), map[string]interface{}{
		"phase_id": phaseID,
		"status":   result.Status,
	})
}

func rejected(result map[string]interface{}) bool {
	status, _ := result["status"].(string)
	return status == "rejected"
}

func isError(result map[string]interface{}) bool {
	status, _ := result["status"].(string)
	return status == "error"
}
