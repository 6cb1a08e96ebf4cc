// Package agent implements the per-agent runtime contract: a process,
// reflect, refine cycle with schema validation, state tracking, memory
// accounting, and circuit-breaker protection around the external
// text-generation capability.
package agent

// State is an agent's lifecycle state.
type State string

const (
	StateReady            State = "READY"
	StateProcessing       State = "PROCESSING"
	StateValidating       State = "VALIDATING"
	StateFailedValidation State = "FAILED_VALIDATION"
	StateComplete         State = "COMPLETE"
	StateError            State = "ERROR"
	StateCoordinating     State = "COORDINATING"
	StateClarifying       State = "CLARIFYING"
)

// ResourceState is the coarser lifecycle view exported to monitors. It is a
// pure function of State; the runtime never stores it separately.
type ResourceState string

const (
	ResourceInitializing ResourceState = "INITIALIZING"
	ResourceActive       ResourceState = "ACTIVE"
	ResourcePaused       ResourceState = "PAUSED"
	ResourceFailed       ResourceState = "FAILED"
	ResourceTerminated   ResourceState = "TERMINATED"
)

// ResourceStateOf maps an agent state to its resource state.
func ResourceStateOf(s State) ResourceState {
	switch s {
	case StateReady:
		return ResourceInitializing
	case StateProcessing, StateValidating, StateCoordinating:
		return ResourceActive
	case StateClarifying:
		return ResourcePaused
	case StateFailedValidation, StateError:
		return ResourceFailed
	case StateComplete:
		return ResourceTerminated
	default:
		return ResourceInitializing
	}
}

// IsTerminal reports whether the state ends a processing cycle. Terminal
// here means the cycle, not the agent; a new process call starts fresh.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateError
}
