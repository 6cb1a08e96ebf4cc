package agent

import (
	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// Strategy is the per-agent specialization record. Agents differ only in
// which prompts they use, which breakers guard their calls, and how much
// memory they are allowed; behavior lives in the Runtime, not in subtypes.
type Strategy struct {
	// PromptBasePath is handed to the prompt repository unmodified.
	PromptBasePath string
	// Prompt names resolved through the repository.
	ProcessPrompt       string
	ReflectionPrompt    string
	RefinementPrompt    string
	ClarificationPrompt string
	CoordinationPrompt  string

	// Breaker names. Process, reflection, and refinement fail independently;
	// a stuck reflection capability must not block primary processing.
	ProcessBreaker string
	ReflectBreaker string
	RefineBreaker  string

	// ContextType decides how long this agent's operation contexts live.
	ContextType core.ContextType
	// MemoryThresholds bounds the agent's tracked output sizes.
	MemoryThresholds core.MemoryThresholds
}

// DefaultStrategy returns the conventional strategy for an agent id:
// prompts named after the cycle steps and breakers namespaced by agent.
func DefaultStrategy(agentID string) Strategy {
	return Strategy{
		PromptBasePath:      agentID,
		ProcessPrompt:       "process",
		ReflectionPrompt:    "reflection",
		RefinementPrompt:    "refinement",
		ClarificationPrompt: "clarification",
		CoordinationPrompt:  "coordination",
		ProcessBreaker:      agentID + "_processing",
		ReflectBreaker:      agentID + "_reflection",
		RefineBreaker:       agentID + "_refinement",
		ContextType:         core.ContextEphemeral,
		MemoryThresholds: core.MemoryThresholds{
			PerResourceMaxMB: 100,
			WarningPercent:   0.7,
			CriticalPercent:  0.9,
		},
	}
}
