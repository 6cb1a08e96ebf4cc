package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface.
// Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// Message is a single turn in a conversation passed to the generation capability.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ordered history handed to a text generator.
type Conversation []Message

// GenerationRequest carries everything the external generation capability needs.
// The prompt identifier is opaque to the core; it comes from a PromptRepository.
type GenerationRequest struct {
	Conversation Conversation
	PromptID     string
	Schema       map[string]interface{}
	Metadata     map[string]interface{}
}

// TextGenerator is the port for the external text-generation capability.
// The result is either a structured mapping matching the request schema or a
// payload containing an "error" key. Schema enforcement is the capability's
// responsibility, not the core's.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (map[string]interface{}, error)
}

// ValidationAnalysis describes validation errors by category and provides a
// corrective hint that fuels refinement.
type ValidationAnalysis struct {
	Categories map[string][]string `json:"categories,omitempty"`
	Hint       string              `json:"hint,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
}

// SchemaValidator is the port for external schema validation.
type SchemaValidator interface {
	Validate(candidate map[string]interface{}, schema map[string]interface{}) (bool, map[string]interface{}, *ValidationAnalysis)
}

// PromptRepository resolves a prompt name to an opaque identifier that the
// core passes to the TextGenerator without inspecting it.
type PromptRepository interface {
	Resolve(basePath, name string) (string, error)
}

// BackingStore is the optional durable mirror for the state store.
// When supplied, every write is mirrored and the store is consulted on cold
// start. Implementations must be safe for concurrent use.
type BackingStore interface {
	Save(ctx context.Context, entry StateEntry) error
	Load(ctx context.Context) ([]StateEntry, error)
	Delete(ctx context.Context, key string) error
}

// BreakerProbe exposes circuit breaker states to observers without coupling
// the core to the resilience implementation. The registry implements this.
type BreakerProbe interface {
	BreakerStates() map[string]string
}

// Clock abstracts time for components that schedule work. Tests substitute a
// fake; production uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
