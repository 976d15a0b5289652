package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/handoff"
	"devos/internal/pipeline"
)

type driverFixture struct {
	driver  *Driver
	machine *pipeline.Machine
	deps    *handoff.DependencyManager
	bus     *events.Bus
	store   db.Store
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()

	store, err := db.NewStore(db.StoreConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	backend := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { backend.Close() })

	bus := events.NewBus()
	machine := pipeline.NewMachine(store, backend, bus, nil)
	deps := handoff.NewDependencyManager(bus)
	queue := handoff.NewQueue(backend)
	coord := handoff.NewCoordinator(store, machine, handoff.NewRules(5, 3), deps, queue, bus, nil)

	driver := NewDriver(coord, machine, nil, nil, nil, nil)
	driver.Register(bus)

	return &driverFixture{driver: driver, machine: machine, deps: deps, bus: bus, store: store}
}

func TestDriver_ResubmitsHandoffWhenStoryUnblocks(t *testing.T) {
	f := newDriverFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.driver.Run(ctx) }()

	_, err := f.machine.StartPipeline(ctx, "p1", "ws1", pipeline.TransitionOptions{TriggeredBy: "test"})
	require.NoError(t, err)
	require.NoError(t, f.machine.Transition(ctx, "p1", pipeline.StateImplementing, pipeline.TransitionOptions{}))
	require.NoError(t, f.machine.Transition(ctx, "p1", pipeline.StateQA, pipeline.TransitionOptions{}))
	require.NoError(t, f.machine.Transition(ctx, "p1", pipeline.StateDeploying, pipeline.TransitionOptions{}))

	require.NoError(t, f.deps.AddDependency("ws1", "s2", "s1"))

	completed := make(chan events.Event, 1)
	f.bus.Subscribe(events.OrchestratorHandoff, func(ev events.Event) {
		if ev.Payload["storyId"] == "s2" {
			completed <- ev
		}
	})

	res, err := f.driver.submitHandoff(ctx, handoff.Params{
		WorkspaceID:     "ws1",
		ProjectID:       "p1",
		StoryID:         "s2",
		CompletingAgent: handoff.AgentRef{Type: handoff.AgentDevOps, ID: "devops-s2"},
		Context: map[string]any{
			"deploymentUrl":    "https://app.example.dev",
			"smokeTestsPassed": true,
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.False(t, res.Success)

	// The dependency finishing emits story_unblocked; the driver must
	// resubmit the stashed handoff without any external nudge.
	f.deps.MarkStoryComplete("ws1", "s1")

	select {
	case ev := <-completed:
		assert.Equal(t, handoff.PhaseComplete, ev.Payload["toPhase"])
	case <-time.After(5 * time.Second):
		t.Fatal("blocked handoff was never resubmitted")
	}

	pc, err := f.store.GetPipelineContext(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateComplete, pc.CurrentState)
}

func TestDriver_UnblockWithoutStashedHandoffIsANoop(t *testing.T) {
	f := newDriverFixture(t)

	// No blocked handoff recorded for this story; nothing to resubmit.
	f.driver.onStoryUnblocked(events.Event{
		Name:    events.OrchestratorStoryUnblocked,
		Payload: map[string]any{"workspaceId": "ws1", "storyId": "ghost"},
	})
	assert.Empty(t, f.driver.blocked)
	assert.Empty(t, f.driver.retry)
}
