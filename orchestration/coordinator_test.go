package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

func newCoordinatorHarness(t *testing.T) (*Coordinator, *core.StateStore, *core.EventBus) {
	t.Helper()
	bus := core.NewEventBus(core.DefaultEventBusConfig())
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)

	state, err := core.NewStateStore(core.DefaultStateStoreConfig(), bus, nil)
	require.NoError(t, err)
	return NewCoordinator(CoordinatorConfig{}, state, bus), state, bus
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

func TestPhaseLifecycle(t *testing.T) {
	coord, state, bus := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)

	got, err := coord.PhaseState(phaseID)
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, got)

	require.NoError(t, coord.StartPhase(ctx, phaseID, map[string]interface{}{"task": "build"}))
	got, _ = coord.PhaseState(phaseID)
	assert.Equal(t, PhaseRunning, got)

	require.NoError(t, coord.CompletePhase(ctx, phaseID, map[string]interface{}{"done": true}))
	got, _ = coord.PhaseState(phaseID)
	assert.Equal(t, PhaseCompleted, got)

	info, err := coord.GetPhase(phaseID)
	require.NoError(t, err)
	assert.Equal(t, PhaseOne, info.Type)
	assert.Equal(t, 0, info.Depth)
	assert.Equal(t, "phase:"+phaseID, info.Prefix)
	// READY, then READY->RUNNING, then RUNNING->COMPLETED.
	require.Len(t, info.Transitions, 3)
	assert.Equal(t, PhaseCompleted, info.Transitions[2].To)

	// The transition log is mirrored into state.
	meta, ok := state.GetState("phasemeta:" + phaseID)
	require.True(t, ok)
	assert.Equal(t, string(PhaseCompleted), meta.(map[string]interface{})["state"])

	waitFor(t, 2*time.Second, func() bool {
		return len(bus.GetHistory(core.HistoryQuery{Type: core.EventPhaseStateChanged})) >= 3
	})
}

func TestExactlyOneTerminalTransition(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, phaseID, nil))
	require.NoError(t, coord.CompletePhase(ctx, phaseID, nil))

	// Every further terminal attempt is rejected.
	require.ErrorIs(t, coord.FailPhase(ctx, phaseID, "late failure"), core.ErrStateConflict)
	require.ErrorIs(t, coord.AbortPhase(ctx, phaseID, "late abort"), core.ErrStateConflict)
	require.ErrorIs(t, coord.CompletePhase(ctx, phaseID, nil), core.ErrStateConflict)

	info, err := coord.GetPhase(phaseID)
	require.NoError(t, err)
	terminal := 0
	for _, tr := range info.Transitions {
		if tr.To.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal transition per phase")
}

func TestStartRequiresReady(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, phaseID, nil))
	require.ErrorIs(t, coord.StartPhase(ctx, phaseID, nil), core.ErrStateConflict)
}

func TestPauseResume(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)

	require.ErrorIs(t, coord.PausePhase(ctx, phaseID), core.ErrStateConflict)

	require.NoError(t, coord.StartPhase(ctx, phaseID, nil))
	require.NoError(t, coord.PausePhase(ctx, phaseID))

	got, _ := coord.PhaseState(phaseID)
	assert.Equal(t, PhasePaused, got)

	require.NoError(t, coord.ResumePhase(ctx, phaseID))
	got, _ = coord.PhaseState(phaseID)
	assert.Equal(t, PhaseRunning, got)
}

func TestUnknownPhase(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, coord.StartPhase(ctx, "ghost", nil), core.ErrPhaseNotFound)
	_, err := coord.GetPhase("ghost")
	require.ErrorIs(t, err, core.ErrPhaseNotFound)
}

func TestCheckpointRollbackRestoresPrefix(t *testing.T) {
	coord, state, bus := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, phaseID, map[string]interface{}{"seed": 1}))

	info, _ := coord.GetPhase(phaseID)
	keyA := info.Prefix + ":a"
	keyB := info.Prefix + ":born_later"

	_, err = state.SetState(ctx, keyA, "captured", core.ResourceState, nil)
	require.NoError(t, err)

	checkpointID, err := coord.CreateCheckpoint(ctx, phaseID)
	require.NoError(t, err)

	_, err = state.SetState(ctx, keyA, "mutated", core.ResourceState, nil)
	require.NoError(t, err)
	_, err = state.SetState(ctx, keyB, "new", core.ResourceState, nil)
	require.NoError(t, err)

	require.NoError(t, coord.RollbackToCheckpoint(ctx, phaseID, checkpointID))

	value, ok := state.GetState(keyA)
	require.True(t, ok)
	assert.Equal(t, "captured", value)

	// Keys born after the checkpoint read as absent under the prefix.
	value, ok = state.GetState(keyB)
	if ok {
		assert.Nil(t, value)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(bus.GetHistory(core.HistoryQuery{Type: core.EventStateRestored})) >= 1
	})
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.ErrorIs(t, coord.RollbackToCheckpoint(ctx, phaseID, "nope"), core.ErrSnapshotNotFound)
}

func TestCheckpointOnTerminalPhaseFails(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, phaseID, nil))
	require.NoError(t, coord.CompletePhase(ctx, phaseID, nil))

	_, err = coord.CreateCheckpoint(ctx, phaseID)
	require.ErrorIs(t, err, core.ErrStateConflict)
}

func TestAbortRollsBackWhenConfigured(t *testing.T) {
	coord, state, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	phaseID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{RollbackOnAbort: true}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, phaseID, nil))

	info, _ := coord.GetPhase(phaseID)
	key := info.Prefix + ":work"
	_, err = state.SetState(ctx, key, "before abort", core.ResourceState, nil)
	require.NoError(t, err)

	_, err = coord.CreateCheckpoint(ctx, phaseID)
	require.NoError(t, err)

	_, err = state.SetState(ctx, key, "mid flight", core.ResourceState, nil)
	require.NoError(t, err)

	require.NoError(t, coord.AbortPhase(ctx, phaseID, "operator abort"))

	got, _ := coord.PhaseState(phaseID)
	assert.Equal(t, PhaseAborted, got)
	value, ok := state.GetState(key)
	require.True(t, ok)
	assert.Equal(t, "before abort", value)
}

func TestNestedExecution(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	var childID string
	coord.RegisterPhaseExecutor(PhaseTwo, func(ctx context.Context, phaseID string, input map[string]interface{}) (map[string]interface{}, error) {
		childID = phaseID
		return map[string]interface{}{"doubled": input["n"].(int) * 2}, nil
	})

	parentID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, parentID, nil))

	output, err := coord.CoordinateNestedExecution(ctx, parentID, PhaseTwo, map[string]interface{}{"n": 21}, PhaseConfig{})
	require.NoError(t, err)
	assert.Equal(t, 42, output["doubled"])

	childState, err := coord.PhaseState(childID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, childState)

	parentState, _ := coord.PhaseState(parentID)
	assert.Equal(t, PhaseRunning, parentState, "the parent stays running through nested execution")

	// The child inherits the parent's state prefix.
	childInfo, _ := coord.GetPhase(childID)
	parentInfo, _ := coord.GetPhase(parentID)
	assert.Equal(t, parentInfo.Prefix, childInfo.Prefix)
	assert.Equal(t, 1, childInfo.Depth)
}

func TestNestedExecutionFailureLeavesParentRunning(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	var childID string
	coord.RegisterPhaseExecutor(PhaseTwo, func(ctx context.Context, phaseID string, input map[string]interface{}) (map[string]interface{}, error) {
		childID = phaseID
		return nil, fmt.Errorf("body blew up: %w", core.ErrTransient)
	})

	parentID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, parentID, nil))

	_, err = coord.CoordinateNestedExecution(ctx, parentID, PhaseTwo, nil, PhaseConfig{})
	require.Error(t, err)

	childState, _ := coord.PhaseState(childID)
	assert.Equal(t, PhaseFailed, childState)
	parentState, _ := coord.PhaseState(parentID)
	assert.Equal(t, PhaseRunning, parentState)
}

func TestNestingTooDeep(t *testing.T) {
	bus := core.NewEventBus(core.DefaultEventBusConfig())
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)
	state, err := core.NewStateStore(core.DefaultStateStoreConfig(), bus, nil)
	require.NoError(t, err)
	coord := NewCoordinator(CoordinatorConfig{MaxNesting: 1}, state, bus)
	ctx := context.Background()

	rootID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	childID, err := coord.InitializePhase(ctx, PhaseTwo, PhaseConfig{}, rootID)
	require.NoError(t, err)

	_, err = coord.InitializePhase(ctx, PhaseThree, PhaseConfig{}, childID)
	require.ErrorIs(t, err, core.ErrNestingTooDeep)

	// The rejected initialization touched nothing.
	childState, _ := coord.PhaseState(childID)
	assert.Equal(t, PhaseReady, childState)
}

func TestTransitionHandlerRejectionFailsChild(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	coord.RegisterTransitionHandler(PhaseOne, PhaseTwo, func(ctx context.Context, fromPhaseID, toPhaseID string) error {
		return fmt.Errorf("phase one output incomplete")
	})

	parentID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, parentID, nil))

	childID, err := coord.InitializePhase(ctx, PhaseTwo, PhaseConfig{}, parentID)
	require.NoError(t, err)

	err = coord.StartPhase(ctx, childID, nil)
	require.Error(t, err)

	childState, _ := coord.PhaseState(childID)
	assert.Equal(t, PhaseFailed, childState)
	parentState, _ := coord.PhaseState(parentID)
	assert.Equal(t, PhaseRunning, parentState, "a rejected boundary leaves the parent untouched")
}

func TestTransitionHandlerRunsExactlyOnce(t *testing.T) {
	coord, _, _ := newCoordinatorHarness(t)
	ctx := context.Background()

	invocations := 0
	coord.RegisterTransitionHandler(PhaseOne, PhaseTwo, func(ctx context.Context, fromPhaseID, toPhaseID string) error {
		invocations++
		return nil
	})

	parentID, err := coord.InitializePhase(ctx, PhaseOne, PhaseConfig{}, "")
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, parentID, nil))

	childID, err := coord.InitializePhase(ctx, PhaseTwo, PhaseConfig{}, parentID)
	require.NoError(t, err)
	require.NoError(t, coord.StartPhase(ctx, childID, nil))

	assert.Equal(t, 1, invocations)
}
