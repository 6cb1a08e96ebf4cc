package core

import (
	"time"
)

// EventType identifies an entry in the closed event catalogue. Components
// emit only these types; observers subscribe without coupling to emitters.
type EventType string

const (
	EventStateChanged          EventType = "STATE_CHANGED"
	EventStateRestored         EventType = "STATE_RESTORED"
	EventInterfaceStateChanged EventType = "INTERFACE_STATE_CHANGED"
	EventMetricRecorded        EventType = "METRIC_RECORDED"
	EventResourceAlertCreated  EventType = "RESOURCE_ALERT_CREATED"
	EventErrorOccurred         EventType = "ERROR_OCCURRED"
	EventResourceErrorOccurred EventType = "RESOURCE_ERROR_OCCURRED"
	EventTimeoutOccurred       EventType = "TIMEOUT_OCCURRED"
	EventValidationCompleted   EventType = "VALIDATION_COMPLETED"
	EventBreakerStateChanged   EventType = "CIRCUIT_BREAKER_STATE_CHANGED"
	EventHealthChanged         EventType = "HEALTH_CHANGED"
	EventSystemHealthChanged   EventType = "SYSTEM_HEALTH_CHANGED"
	EventStageStarted          EventType = "STAGE_STARTED"
	EventStageCompleted        EventType = "STAGE_COMPLETED"
	EventStageFailed           EventType = "STAGE_FAILED"
	EventPipelineCompleted     EventType = "PIPELINE_COMPLETED"
	EventBusPressure           EventType = "EVENT_BUS_PRESSURE"
	EventContextCreated        EventType = "CONTEXT_CREATED"
	EventPhaseStateChanged     EventType = "PHASE_STATE_CHANGED"
	EventCheckpointCreated     EventType = "CHECKPOINT_CREATED"
)

// EventPriority orders delivery preference. High priority events bypass
// coalescing on subscriptions that enable it.
type EventPriority int

const (
	PriorityNormal EventPriority = iota
	PriorityHigh
)

// String returns the string representation of the priority
func (p EventPriority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Event is an immutable record delivered to subscribers by copy.
// Data is owned by the event after emission; emitters must not mutate it.
type Event struct {
	Type          EventType              `json:"event_type"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Priority      EventPriority          `json:"priority"`
}

// copyData produces a shallow copy so subscribers cannot mutate shared state.
func (e Event) copyData() Event {
	if e.Data == nil {
		return e
	}
	dup := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		dup[k] = v
	}
	e.Data = dup
	return e
}
