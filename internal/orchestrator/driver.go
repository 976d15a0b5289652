// Package orchestrator closes the pipeline loop: it listens for handoff
// events, runs the target agent, and feeds the agent's typed result back
// into the handoff coordinator.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"devos/internal/agents"
	"devos/internal/events"
	"devos/internal/handoff"
	"devos/internal/pipeline"
	"devos/internal/telemetry"
)

// DefaultDrainInterval is how often queued handoffs are re-attempted.
const DefaultDrainInterval = 5 * time.Second

// dispatch is one agent run the driver owes.
type dispatch struct {
	agentType string
	input     agents.Input
	iteration int
}

// Driver runs agents for handoffs and reports their results back.
type Driver struct {
	coordinator *handoff.Coordinator
	machine     *pipeline.Machine
	planner     *agents.Planner
	dev         *agents.Dev
	qa          *agents.QA
	devops      *agents.DevOps

	DrainInterval time.Duration

	mu         sync.Mutex
	iterations map[string]int
	workspaces map[string]bool
	repoURLs   map[string]string
	blocked    map[string]handoff.Params

	work  chan dispatch
	retry chan handoff.Params
	wg    sync.WaitGroup
}

// NewDriver wires the driver. Call Register before Run.
func NewDriver(coordinator *handoff.Coordinator, machine *pipeline.Machine, planner *agents.Planner, dev *agents.Dev, qa *agents.QA, devops *agents.DevOps) *Driver {
	return &Driver{
		coordinator:   coordinator,
		machine:       machine,
		planner:       planner,
		dev:           dev,
		qa:            qa,
		devops:        devops,
		DrainInterval: DefaultDrainInterval,
		iterations:    make(map[string]int),
		workspaces:    make(map[string]bool),
		repoURLs:      make(map[string]string),
		blocked:       make(map[string]handoff.Params),
		work:          make(chan dispatch, 64),
		retry:         make(chan handoff.Params, 64),
	}
}

// Register subscribes the driver to handoff events. The handler only
// enqueues: agent runs happen on the driver's own goroutines, never
// inside the emitter's call stack.
func (d *Driver) Register(bus *events.Bus) {
	bus.Subscribe(events.OrchestratorHandoff, d.onHandoff)
	bus.Subscribe(events.OrchestratorStoryUnblocked, d.onStoryUnblocked)
}

// Run processes dispatched agent work and periodically drains queued
// handoffs. Blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case item := <-d.work:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.runAgent(ctx, item)
			}()
		case params := <-d.retry:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if _, err := d.submitHandoff(ctx, params); err != nil {
					telemetry.LogError("failed to resubmit unblocked handoff", err,
						"storyId", params.StoryID)
				}
			}()
		case <-ticker.C:
			d.drainQueues(ctx)
		}
	}
}

// StartProject runs the planner for a project brief and hands the first
// story to dev.
func (d *Driver) StartProject(ctx context.Context, workspaceID, projectID, repoURL, brief string) error {
	d.mu.Lock()
	d.workspaces[workspaceID] = true
	d.repoURLs[projectID] = repoURL
	d.mu.Unlock()

	if err := d.machine.Transition(ctx, projectID, pipeline.StatePlanning, pipeline.TransitionOptions{
		TriggeredBy: "project:start",
	}); err != nil {
		return err
	}

	plan, err := d.planner.Run(ctx, agents.Input{
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		RepoURL:     repoURL,
		Context:     map[string]any{"brief": brief},
	})
	if err != nil {
		return d.failProject(ctx, projectID, err)
	}

	for _, story := range plan.Stories {
		result, err := d.submitHandoff(ctx, handoff.Params{
			WorkspaceID:     workspaceID,
			ProjectID:       projectID,
			StoryID:         story.ID,
			CompletingAgent: handoff.AgentRef{Type: handoff.AgentPlanner, ID: "planner-" + projectID},
			Context:         plan.HandoffContext(story),
			ContextSummary:  story.Title,
		})
		if err != nil {
			return err
		}
		if !result.Success && !result.Queued && !result.Blocked {
			telemetry.LogWarn("story handoff rejected",
				"storyId", story.ID, "error", result.Error)
		}
	}
	return nil
}

// submitHandoff routes every handoff through the coordinator and
// remembers the ones blocked on a dependency, so the story_unblocked
// event can resubmit them.
func (d *Driver) submitHandoff(ctx context.Context, params handoff.Params) (*handoff.Result, error) {
	result, err := d.coordinator.ProcessHandoff(ctx, params)
	if err != nil {
		return result, err
	}
	if result.Blocked {
		d.mu.Lock()
		d.blocked[params.StoryID] = params
		d.mu.Unlock()
	}
	return result, nil
}

func (d *Driver) onStoryUnblocked(ev events.Event) {
	storyID, _ := ev.Payload["storyId"].(string)
	d.mu.Lock()
	params, ok := d.blocked[storyID]
	if ok {
		delete(d.blocked, storyID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case d.retry <- params:
	default:
		// Put it back; the next unblock or a restart retries it.
		d.mu.Lock()
		d.blocked[storyID] = params
		d.mu.Unlock()
		telemetry.LogWarn("retry queue full, keeping story blocked", "storyId", storyID)
	}
}

func (d *Driver) onHandoff(ev events.Event) {
	toAgent, _ := ev.Payload["toAgent"].(handoff.AgentRef)
	if toAgent.Type == "" || toAgent.Type == handoff.AgentComplete {
		return
	}
	workspaceID, _ := ev.Payload["workspaceId"].(string)
	projectID, _ := ev.Payload["projectId"].(string)
	storyID, _ := ev.Payload["storyId"].(string)
	handoffCtx, _ := ev.Payload["context"].(map[string]any)

	d.mu.Lock()
	d.workspaces[workspaceID] = true
	repoURL := d.repoURLs[projectID]
	iteration := d.iterations[storyID]
	d.mu.Unlock()

	item := dispatch{
		agentType: toAgent.Type,
		iteration: iteration,
		input: agents.Input{
			WorkspaceID: workspaceID,
			ProjectID:   projectID,
			StoryID:     storyID,
			RepoURL:     repoURL,
			Context:     handoffCtx,
		},
	}
	select {
	case d.work <- item:
	default:
		telemetry.LogWarn("agent dispatch queue full, dropping handoff",
			"storyId", storyID, "agentType", toAgent.Type)
	}
}

func (d *Driver) runAgent(ctx context.Context, item dispatch) {
	var err error
	switch item.agentType {
	case handoff.AgentDev:
		err = d.runDev(ctx, item)
	case handoff.AgentQA:
		err = d.runQA(ctx, item)
	case handoff.AgentDevOps:
		err = d.runDevOps(ctx, item)
	default:
		return
	}
	if err != nil {
		telemetry.LogError("agent run failed", err,
			"agentType", item.agentType, "storyId", item.input.StoryID)
		_ = d.failProject(ctx, item.input.ProjectID, err)
	}
}

func (d *Driver) runDev(ctx context.Context, item dispatch) error {
	started := time.Now()
	result, err := d.dev.Run(ctx, item.input)
	if err != nil {
		return err
	}
	_, err = d.submitHandoff(ctx, handoff.Params{
		WorkspaceID:     item.input.WorkspaceID,
		ProjectID:       item.input.ProjectID,
		StoryID:         item.input.StoryID,
		CompletingAgent: handoff.AgentRef{Type: handoff.AgentDev, ID: "dev-" + item.input.StoryID},
		Context:         result.HandoffContext(),
		IterationCount:  item.iteration,
		DurationMs:      time.Since(started).Milliseconds(),
	})
	return err
}

func (d *Driver) runQA(ctx context.Context, item dispatch) error {
	started := time.Now()
	result, err := d.qa.Run(ctx, item.input)
	if err != nil {
		return err
	}

	if result.Passed() {
		d.mu.Lock()
		delete(d.iterations, item.input.StoryID)
		d.mu.Unlock()

		prURL, _ := item.input.Context["prUrl"].(string)
		// Contexts that waited on the redis queue decode numbers as float64.
		prNumber := 0
		switch v := item.input.Context["prNumber"].(type) {
		case int:
			prNumber = v
		case float64:
			prNumber = int(v)
		}
		_, err = d.submitHandoff(ctx, handoff.Params{
			WorkspaceID:     item.input.WorkspaceID,
			ProjectID:       item.input.ProjectID,
			StoryID:         item.input.StoryID,
			CompletingAgent: handoff.AgentRef{Type: handoff.AgentQA, ID: "qa-" + item.input.StoryID},
			Context:         result.HandoffContext(prURL, prNumber),
			ContextSummary:  result.ReportSummary,
			DurationMs:      time.Since(started).Milliseconds(),
		})
		return err
	}

	d.mu.Lock()
	d.iterations[item.input.StoryID]++
	iteration := d.iterations[item.input.StoryID]
	d.mu.Unlock()

	_, err = d.coordinator.ProcessQARejection(ctx, handoff.Params{
		WorkspaceID:     item.input.WorkspaceID,
		ProjectID:       item.input.ProjectID,
		StoryID:         item.input.StoryID,
		CompletingAgent: handoff.AgentRef{Type: handoff.AgentQA, ID: "qa-" + item.input.StoryID},
		Context:         result.RejectionContext(iteration),
		ContextSummary:  result.ReportSummary,
		IterationCount:  iteration,
		DurationMs:      time.Since(started).Milliseconds(),
	})
	return err
}

func (d *Driver) runDevOps(ctx context.Context, item dispatch) error {
	started := time.Now()
	result, err := d.devops.Run(ctx, item.input)
	if err != nil {
		return err
	}
	_, err = d.submitHandoff(ctx, handoff.Params{
		WorkspaceID:     item.input.WorkspaceID,
		ProjectID:       item.input.ProjectID,
		StoryID:         item.input.StoryID,
		CompletingAgent: handoff.AgentRef{Type: handoff.AgentDevOps, ID: "devops-" + item.input.StoryID},
		Context:         result.HandoffContext(),
		DurationMs:      time.Since(started).Milliseconds(),
	})
	return err
}

func (d *Driver) drainQueues(ctx context.Context) {
	d.mu.Lock()
	workspaces := make([]string, 0, len(d.workspaces))
	for ws := range d.workspaces {
		workspaces = append(workspaces, ws)
	}
	d.mu.Unlock()

	for _, ws := range workspaces {
		for {
			result, err := d.coordinator.ProcessNextInQueue(ctx, ws)
			if err != nil {
				telemetry.LogWarn("failed to drain handoff queue", "workspaceId", ws, "error", err)
				break
			}
			if result == nil {
				break
			}
			if !result.Success && result.Queued {
				// Still over capacity; the item went back on the queue.
				break
			}
		}
	}
}

func (d *Driver) failProject(ctx context.Context, projectID string, cause error) error {
	if projectID == "" {
		return cause
	}
	if err := d.machine.Transition(ctx, projectID, pipeline.StateFailed, pipeline.TransitionOptions{
		TriggeredBy:  "agent:error",
		ErrorMessage: cause.Error(),
	}); err != nil {
		telemetry.LogError("failed to mark pipeline failed", err, "projectId", projectID)
	}
	return cause
}
