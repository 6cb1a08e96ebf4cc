package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// Guideline propagation is a contract at this layer: the runtime accepts an
// update, records it durably, and answers readiness and verification
// queries. The coordinator that decides what propagates where is an
// external collaborator.

const guidelineKeyPrefix = "guideline:"

func (r *Runtime) guidelineKey(updateID string) string {
	return guidelineKeyPrefix + r.agentID + ":" + updateID
}

// ApplyGuidelineUpdate records a guideline update from an upstream agent.
func (r *Runtime) ApplyGuidelineUpdate(ctx context.Context, originAgentID string, propagationContext, updateData map[string]interface{}) (map[string]interface{}, error) {
	updateID := uuid.New().String()
	record := map[string]interface{}{
		"update_id":           updateID,
		"origin_agent_id":     originAgentID,
		"target_agent_id":     r.agentID,
		"propagation_context": propagationContext,
		"update_data":         updateData,
		"applied_at":          time.Now().UTC().Format(time.RFC3339Nano),
		"status":              "applied",
	}
	if _, err := r.opts.State.SetState(ctx, r.guidelineKey(updateID), record, core.ResourceState, nil); err != nil {
		return map[string]interface{}{"success": false, "details": err.Error()}, err
	}

	r.logger.Info("Guideline update applied", map[string]interface{}{
		"operation":       "apply_guideline_update",
		"agent_id":        r.agentID,
		"origin_agent_id": originAgentID,
		"update_id":       updateID,
	})
	return map[string]interface{}{
		"success":   true,
		"update_id": updateID,
		"details":   map[string]interface{}{"origin_agent_id": originAgentID},
	}, nil
}

// VerifyGuidelineUpdate reports whether a previously applied update is
// present in durable state.
func (r *Runtime) VerifyGuidelineUpdate(ctx context.Context, updateID string) (map[string]interface{}, error) {
	value, found := r.opts.State.GetState(r.guidelineKey(updateID))
	if !found || value == nil {
		return map[string]interface{}{
			"verified": false,
			"details":  map[string]interface{}{"reason": "unknown_update", "update_id": updateID},
		}, nil
	}
	return map[string]interface{}{
		"verified": true,
		"details":  value,
	}, nil
}

// CheckUpdateReadiness answers whether this agent can take a guideline
// update right now. An agent mid-cycle is not ready; the caller retries
// after the cycle settles.
func (r *Runtime) CheckUpdateReadiness(ctx context.Context, originAgentID string, propagationContext map[string]interface{}) (map[string]interface{}, error) {
	state := r.State()
	ready := true
	switch state {
	case StateProcessing, StateValidating, StateCoordinating:
		ready = false
	}
	return map[string]interface{}{
		"ready": ready,
		"details": map[string]interface{}{
			"agent_id":        r.agentID,
			"agent_state":     string(state),
			"origin_agent_id": originAgentID,
		},
	}, nil
}
