package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
	"github.com/jean-moorman/ForestForTheTrees-sub004/resilience"
)

// scriptedGenerator answers with a configurable function and records calls.
type scriptedGenerator struct {
	mu    sync.Mutex
	calls []core.GenerationRequest
	fn    func(ctx context.Context, req core.GenerationRequest) (map[string]interface{}, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req core.GenerationRequest) (map[string]interface{}, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return g.fn(ctx, req)
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// scriptedValidator fails the first rejectFirst candidates, then passes.
type scriptedValidator struct {
	mu          sync.Mutex
	rejectFirst int
	seen        int
}

func (v *scriptedValidator) Validate(candidate, schema map[string]interface{}) (bool, map[string]interface{}, *core.ValidationAnalysis) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen++
	if v.seen <= v.rejectFirst {
		return false, nil, &core.ValidationAnalysis{
			Errors: []string{"field missing"},
			Hint:   "add the field",
		}
	}
	return true, nil, nil
}

type staticPrompts struct{}

func (staticPrompts) Resolve(basePath, name string) (string, error) {
	return basePath + "/" + name, nil
}

type testHarness struct {
	bus      *core.EventBus
	state    *core.StateStore
	contexts *core.ContextStore
	metrics  *core.MetricsStore
	health   *core.HealthTracker
	breakers *resilience.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	bus := core.NewEventBus(core.DefaultEventBusConfig())
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)

	state, err := core.NewStateStore(core.DefaultStateStoreConfig(), bus, nil)
	require.NoError(t, err)
	contexts := core.NewContextStore(core.DefaultContextStoreConfig(), state, bus)
	t.Cleanup(contexts.Close)

	breakerDefaults := resilience.DefaultBreakerConfig("defaults")
	breakerDefaults.FailureThreshold = 2
	breakerDefaults.RecoveryTimeout = 50 * time.Millisecond

	return &testHarness{
		bus:      bus,
		state:    state,
		contexts: contexts,
		metrics:  core.NewMetricsStore(state, bus, nil),
		health:   core.NewHealthTracker(bus, nil),
		breakers: resilience.NewRegistry(resilience.RegistryConfig{Defaults: breakerDefaults}),
	}
}

func (h *testHarness) options(agentID string, gen core.TextGenerator, val core.SchemaValidator) Options {
	return Options{
		AgentID:   agentID,
		Generator: gen,
		Validator: val,
		Prompts:   staticPrompts{},
		State:     h.state,
		Contexts:  h.contexts,
		Metrics:   h.metrics,
		Health:    h.health,
		Bus:       h.bus,
		Breakers:  h.breakers,
		InitGrace: time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestOptionsValidation(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}}

	opts := h.options("", gen, nil)
	_, err := New(opts)
	require.ErrorIs(t, err, core.ErrMissingConfiguration)

	opts = h.options("a", nil, nil)
	_, err = New(opts)
	require.ErrorIs(t, err, core.ErrMissingConfiguration)

	opts = h.options("a", gen, nil)
	opts.Breakers = nil
	_, err = New(opts)
	require.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(_ context.Context, req core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "structured"}, nil
	}}
	rt, err := New(h.options("writer", gen, nil))
	require.NoError(t, err)

	result := rt.ProcessWithValidation(context.Background(), ProcessRequest{
		Conversation: core.Conversation{{Role: "user", Content: "go"}},
		OperationID:  "op1",
	})

	assert.Equal(t, "structured", result["answer"])
	assert.NotEmpty(t, result["request_id"])
	_, hasStatus := result["status"]
	assert.False(t, hasStatus, "successful payloads carry no status field")
	assert.Equal(t, StateComplete, rt.State())
	assert.Equal(t, ResourceTerminated, rt.ResourceState())

	// The prompt came through the repository with the strategy base path.
	assert.Equal(t, "writer/process", gen.calls[0].PromptID)
}

func TestStateToResourceStateMapping(t *testing.T) {
	cases := map[State]ResourceState{
		StateReady:            ResourceInitializing,
		StateProcessing:       ResourceActive,
		StateValidating:       ResourceActive,
		StateCoordinating:     ResourceActive,
		StateClarifying:       ResourcePaused,
		StateFailedValidation: ResourceFailed,
		StateError:            ResourceFailed,
		StateComplete:         ResourceTerminated,
	}
	for state, want := range cases {
		assert.Equal(t, want, ResourceStateOf(state), "state %s", state)
	}
}

func TestGeneratorErrorBecomesCanonicalPayload(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return nil, fmt.Errorf("model unavailable: %w", core.ErrTransient)
	}}
	rt, err := New(h.options("flaky", gen, nil))
	require.NoError(t, err)

	result := rt.ProcessWithValidation(context.Background(), ProcessRequest{OperationID: "op1"})

	assert.Equal(t, "error", result["status"])
	assert.Equal(t, string(core.KindTransient), result["error_type"])
	assert.NotEmpty(t, result["request_id"])
	assert.NotEmpty(t, result["timestamp"])
	assert.Equal(t, StateError, rt.State())
}

func TestGeneratorErrorFieldTreatedAsFailure(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"error": "refused to answer"}, nil
	}}
	rt, err := New(h.options("refuser", gen, nil))
	require.NoError(t, err)

	result := rt.ProcessWithValidation(context.Background(), ProcessRequest{OperationID: "op1"})

	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "refused to answer", result["error"])
	assert.Equal(t, StateError, rt.State())
}

func TestProcessTimeoutIsBounded(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(ctx context.Context, _ core.GenerationRequest) (map[string]interface{}, error) {
		select {
		case <-time.After(2 * time.Second):
			return map[string]interface{}{"late": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	rt, err := New(h.options("slow", gen, nil))
	require.NoError(t, err)

	start := time.Now()
	result := rt.ProcessWithValidation(context.Background(), ProcessRequest{
		OperationID: "op1",
		Timeout:     100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "caller must get the timeout promptly")
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, string(core.KindTimeout), result["error_type"])
	assert.Equal(t, StateError, rt.State())

	waitFor(t, 2*time.Second, func() bool {
		return len(h.bus.GetHistory(core.HistoryQuery{Type: core.EventTimeoutOccurred})) > 0
	})
}

func TestValidationFailurePayloadCarriesCandidate(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "unchecked"}, nil
	}}
	validator := &scriptedValidator{rejectFirst: 1}
	rt, err := New(h.options("strict", gen, validator))
	require.NoError(t, err)

	schema := map[string]interface{}{"type": "object"}
	result := rt.ProcessWithValidation(context.Background(), ProcessRequest{
		OperationID: "op1",
		Schema:      schema,
	})

	assert.Equal(t, "error", result["status"])
	assert.Equal(t, string(core.KindValidationFailure), result["error_type"])
	assert.NotNil(t, result["analysis"])
	candidate := result["candidate"].(map[string]interface{})
	assert.Equal(t, "unchecked", candidate["answer"])
	assert.Equal(t, StateFailedValidation, rt.State())

	// The attempt landed in the operation's validation history.
	got, ok := h.contexts.GetContext(core.ContextKey("strict", "op1"))
	require.True(t, ok)
	assert.Equal(t, 1, got.ValidationAttempts)
	assert.False(t, got.ValidationHistory[0].Success)
}

func TestValidateOutputRecordsSecondAttempt(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "x"}, nil
	}}
	validator := &scriptedValidator{rejectFirst: 1}
	rt, err := New(h.options("strict", gen, validator))
	require.NoError(t, err)

	schema := map[string]interface{}{"type": "object"}
	rt.ProcessWithValidation(context.Background(), ProcessRequest{OperationID: "op1", Schema: schema})

	ok, _, _ := rt.ValidateOutput(context.Background(), "op1", map[string]interface{}{"answer": "fixed"}, schema)
	assert.True(t, ok)

	got, found := h.contexts.GetContext(core.ContextKey("strict", "op1"))
	require.True(t, found)
	assert.Equal(t, 2, got.ValidationAttempts)
	assert.True(t, got.ValidationHistory[1].Success)
}

func TestReflectRejectedWhenBreakerOpen(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"verdict": "fine"}, nil
	}}
	rt, err := New(h.options("judge", gen, nil))
	require.NoError(t, err)

	cb, err := h.breakers.GetOrCreate("judge_reflection")
	require.NoError(t, err)
	cb.Trip("reflection capability down")

	result := rt.Reflect(context.Background(), map[string]interface{}{"answer": "x"})
	assert.Equal(t, "rejected", result["status"])
	assert.Equal(t, "circuit_open", result["reason"])
	assert.Equal(t, "reflection", result["operation"])
	assert.Equal(t, 0, gen.callCount(), "open breaker must not reach the generator")
}

func TestRefineRecordsHistory(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "refined"}, nil
	}}
	rt, err := New(h.options("fixer", gen, nil))
	require.NoError(t, err)

	_, err = h.contexts.CreateContext(context.Background(), "fixer", "op1", nil, core.ContextPersistent)
	require.NoError(t, err)

	result := rt.Refine(context.Background(), "op1",
		map[string]interface{}{"answer": "rough"},
		map[string]interface{}{"hint": "polish it"})
	assert.Equal(t, "refined", result["answer"])

	got, ok := h.contexts.GetContext(core.ContextKey("fixer", "op1"))
	require.True(t, ok)
	require.Len(t, got.RefinementHistory, 1)
	rec := got.RefinementHistory[0]
	assert.Equal(t, 1, rec.Iteration)
	assert.Equal(t, "rough", rec.OriginalOutput["answer"])
	assert.Equal(t, "refined", rec.RefinedOutput["answer"])
	assert.Equal(t, "polish it", rec.Guidance["hint"])
}

func TestClarifyParksAndReturns(t *testing.T) {
	h := newHarness(t)
	observed := make(chan State, 1)
	gen := &scriptedGenerator{}
	rt, err := New(h.options("asker", gen, nil))
	require.NoError(t, err)
	gen.fn = func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		observed <- rt.State()
		return map[string]interface{}{"question": "which format?"}, nil
	}

	result, err := rt.Clarify(context.Background(), "ambiguous input")
	require.NoError(t, err)
	assert.Equal(t, "which format?", result["question"])
	assert.Equal(t, StateClarifying, <-observed, "agent parks in CLARIFYING during the call")
	assert.Equal(t, StateReady, rt.State())
}

func TestCoordinatePassesThroughWithoutUpdates(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}}
	first, err := New(h.options("first", gen, nil))
	require.NoError(t, err)
	second, err := New(h.options("second", gen, nil))
	require.NoError(t, err)

	mine := map[string]interface{}{"out": 1}
	theirs := map[string]interface{}{"out": 2}
	gotMine, gotTheirs, metadata, err := first.CoordinateWithNextAgent(context.Background(), second, mine, theirs, nil)
	require.NoError(t, err)

	assert.Equal(t, mine, gotMine, "no proposed update passes originals through")
	assert.Equal(t, theirs, gotTheirs)
	assert.Nil(t, metadata)
	assert.Equal(t, StateReady, first.State())
	assert.Equal(t, StateReady, second.State())
}

func TestCoordinateAppliesProposedUpdates(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{
			"updated_mine": map[string]interface{}{"out": "mine2"},
			"updated_next": map[string]interface{}{"out": "next2"},
			"metadata":     map[string]interface{}{"negotiated": true},
		}, nil
	}}
	first, err := New(h.options("first", gen, nil))
	require.NoError(t, err)
	second, err := New(h.options("second", gen, nil))
	require.NoError(t, err)

	gotMine, gotTheirs, metadata, err := first.CoordinateWithNextAgent(context.Background(), second,
		map[string]interface{}{"out": "mine1"}, map[string]interface{}{"out": "next1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "mine2", gotMine["out"])
	assert.Equal(t, "next2", gotTheirs["out"])
	assert.Equal(t, true, metadata["negotiated"])
}

func TestStateChangesEmitInterfaceEvents(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}}
	rt, err := New(h.options("noisy", gen, nil))
	require.NoError(t, err)

	rt.SetAgentState(context.Background(), StateProcessing, nil)

	waitFor(t, 2*time.Second, func() bool {
		return len(h.bus.GetHistory(core.HistoryQuery{Type: core.EventInterfaceStateChanged})) > 0
	})
	events := h.bus.GetHistory(core.HistoryQuery{Type: core.EventInterfaceStateChanged})
	assert.Equal(t, "noisy", events[0].Data["agent_id"])
	assert.Equal(t, string(StateReady), events[0].Data["from"])
	assert.Equal(t, string(StateProcessing), events[0].Data["to"])
	assert.Equal(t, string(ResourceActive), events[0].Data["resource_state"])

	// Health follows the resource state view.
	status, ok := h.health.GetHealth("agent:noisy")
	require.True(t, ok)
	assert.Equal(t, core.HealthHealthy, status.Status)

	rt.SetAgentState(context.Background(), StateError, nil)
	status, _ = h.health.GetHealth("agent:noisy")
	assert.Equal(t, core.HealthDegraded, status.Status)
}

func TestGuidelineUpdateLifecycle(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}}
	rt, err := New(h.options("target", gen, nil))
	require.NoError(t, err)
	ctx := context.Background()

	applied, err := rt.ApplyGuidelineUpdate(ctx, "origin", nil, map[string]interface{}{"rule": "be brief"})
	require.NoError(t, err)
	assert.Equal(t, true, applied["success"])
	updateID := applied["update_id"].(string)
	require.NotEmpty(t, updateID)

	verified, err := rt.VerifyGuidelineUpdate(ctx, updateID)
	require.NoError(t, err)
	assert.Equal(t, true, verified["verified"])

	missing, err := rt.VerifyGuidelineUpdate(ctx, "never-applied")
	require.NoError(t, err)
	assert.Equal(t, false, missing["verified"])
}

func TestUpdateReadinessTracksState(t *testing.T) {
	h := newHarness(t)
	gen := &scriptedGenerator{fn: func(context.Context, core.GenerationRequest) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}}
	rt, err := New(h.options("busy", gen, nil))
	require.NoError(t, err)
	ctx := context.Background()

	ready, err := rt.CheckUpdateReadiness(ctx, "origin", nil)
	require.NoError(t, err)
	assert.Equal(t, true, ready["ready"])

	rt.SetAgentState(ctx, StateProcessing, nil)
	ready, err = rt.CheckUpdateReadiness(ctx, "origin", nil)
	require.NoError(t, err)
	assert.Equal(t, false, ready["ready"])

	rt.SetAgentState(ctx, StateComplete, nil)
	ready, err = rt.CheckUpdateReadiness(ctx, "origin", nil)
	require.NoError(t, err)
	assert.Equal(t, true, ready["ready"])
}
