package handoff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/pipeline"
	"devos/internal/telemetry"
)

// Coordinator routes completed agent work to the next agent in the
// chain, under the coordination rules.
type Coordinator struct {
	store   db.Store
	machine *pipeline.Machine
	rules   *Rules
	deps    *DependencyManager
	queue   *Queue
	emitter events.Emitter
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewCoordinator wires the handoff coordinator.
func NewCoordinator(store db.Store, machine *pipeline.Machine, rules *Rules, deps *DependencyManager, queue *Queue, emitter events.Emitter, metrics *telemetry.Metrics) *Coordinator {
	return &Coordinator{
		store:   store,
		machine: machine,
		rules:   rules,
		deps:    deps,
		queue:   queue,
		emitter: emitter,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProcessHandoff advances a story from the completing agent to the next
// hop in the static chain.
func (c *Coordinator) ProcessHandoff(ctx context.Context, params Params) (*Result, error) {
	entry, ok := Chain[params.CompletingAgent.Type]
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("unrecognized agent type %q", params.CompletingAgent.Type)}, nil
	}

	// Blocked stories wait for dependency completion, not the queue.
	if blocking := c.deps.GetBlockingStories(params.WorkspaceID, params.StoryID); len(blocking) > 0 {
		c.emit(events.OrchestratorStoryBlocked, map[string]any{
			"workspaceId":     params.WorkspaceID,
			"storyId":         params.StoryID,
			"blockingStories": blocking,
		})
		return &Result{Success: false, Blocked: true}, nil
	}

	nextContext, err := assembleContext(entry, params)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	nextAgent := AgentRef{Type: entry.ToAgentType, ID: params.NextAgentID}
	if nextAgent.ID == "" && nextAgent.Type != AgentComplete {
		nextAgent.ID = newAgentID(nextAgent.Type)
	}

	active, err := c.activeAgents(ctx, params.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot active agents: %w", err)
	}
	eval := c.rules.Evaluate(RuleInput{
		WorkspaceID:    params.WorkspaceID,
		StoryID:        params.StoryID,
		ToAgentType:    entry.ToAgentType,
		ToAgentID:      nextAgent.ID,
		DevAgentID:     devAgentIDFor(params),
		Context:        nextContext,
		IterationCount: params.IterationCount,
		Active:         active,
	})
	if !eval.Allowed {
		if v := eval.ViolationFor(RuleMaxParallelAgents); v != nil && v.Severity == SeverityError {
			if err := c.queue.Enqueue(ctx, params); err != nil {
				return nil, fmt.Errorf("failed to enqueue handoff: %w", err)
			}
			if c.metrics != nil {
				if depth, err := c.queue.Depth(ctx, params.WorkspaceID); err == nil {
					c.metrics.QueueDepth.WithLabelValues(params.WorkspaceID).Set(float64(depth))
				}
			}
			return &Result{Success: false, Queued: true}, nil
		}
		v := eval.FirstError()
		return &Result{Success: false, Error: v.Message}, nil
	}

	if err := c.transitionProject(ctx, params, entry.ToPhase); err != nil {
		return nil, err
	}

	// Event order matters: handoff precedes story_progress.
	c.emit(events.OrchestratorHandoff, map[string]any{
		"workspaceId": params.WorkspaceID,
		"projectId":   params.ProjectID,
		"storyId":     params.StoryID,
		"fromAgent":   params.CompletingAgent,
		"toAgent":     nextAgent,
		"fromPhase":   entry.FromPhase,
		"toPhase":     entry.ToPhase,
		"context":     nextContext,
	})
	c.emit(events.OrchestratorStoryProgress, map[string]any{
		"workspaceId": params.WorkspaceID,
		"storyId":     params.StoryID,
		"phase":       entry.ToPhase,
	})

	handoffType := db.HandoffNormal
	if entry.ToAgentType == AgentComplete {
		handoffType = db.HandoffCompletion
	}
	if err := c.recordHistory(ctx, params, entry.FromPhase, entry.ToPhase, nextAgent, handoffType); err != nil {
		return nil, err
	}

	if params.CompletingAgent.Type == AgentDevOps {
		c.deps.MarkStoryComplete(params.WorkspaceID, params.StoryID)
	}

	return &Result{Success: true, NextAgent: nextAgent, ToPhase: entry.ToPhase}, nil
}

// ProcessQARejection routes failed QA back to dev, or escalates to a
// human once the iteration bound is exceeded.
func (c *Coordinator) ProcessQARejection(ctx context.Context, params Params) (*Result, error) {
	if params.IterationCount > c.rules.MaxQAIterations {
		if err := c.machine.Pause(ctx, params.ProjectID, pipeline.TransitionOptions{
			TriggeredBy: "escalation",
			StoryID:     params.StoryID,
			Metadata:    map[string]any{"iterationCount": params.IterationCount},
		}); err != nil {
			return nil, fmt.Errorf("failed to pause pipeline for escalation: %w", err)
		}

		c.emit(events.OrchestratorEscalation, map[string]any{
			"workspaceId":    params.WorkspaceID,
			"projectId":      params.ProjectID,
			"storyId":        params.StoryID,
			"iterationCount": params.IterationCount,
			"maxIterations":  c.rules.MaxQAIterations,
		})
		if c.metrics != nil {
			c.metrics.EscalationsTotal.Inc()
		}

		escalated := AgentRef{Type: AgentUser}
		if err := c.recordHistory(ctx, params, PhaseQA, PhasePaused, escalated, db.HandoffEscalation); err != nil {
			return nil, err
		}
		return &Result{Success: false, Error: "escalated"}, nil
	}

	rejectionContext, err := requireContext(params.Context, RejectionRequiredContext)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	if err := c.transitionProject(ctx, params, PhaseImplementing); err != nil {
		return nil, err
	}

	c.emit(events.OrchestratorQARejection, map[string]any{
		"workspaceId":    params.WorkspaceID,
		"storyId":        params.StoryID,
		"iterationCount": params.IterationCount,
		"maxIterations":  c.rules.MaxQAIterations,
		"feedback":       rejectionContext["qaReportSummary"],
	})

	nextAgent := AgentRef{Type: AgentDev, ID: params.NextAgentID}
	if nextAgent.ID == "" {
		nextAgent.ID = newAgentID(AgentDev)
	}
	if err := c.recordHistory(ctx, params, PhaseQA, PhaseImplementing, nextAgent, db.HandoffRejection); err != nil {
		return nil, err
	}
	return &Result{Success: true, NextAgent: nextAgent, ToPhase: PhaseImplementing}, nil
}

// ProcessNextInQueue pops and processes the highest-priority queued
// handoff once an agent slot frees. Returns (nil, nil) when empty.
func (c *Coordinator) ProcessNextInQueue(ctx context.Context, workspaceID string) (*Result, error) {
	params, err := c.queue.PeekAndPop(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		return nil, nil
	}
	if c.metrics != nil {
		if depth, err := c.queue.Depth(ctx, workspaceID); err == nil {
			c.metrics.QueueDepth.WithLabelValues(workspaceID).Set(float64(depth))
		}
	}
	return c.ProcessHandoff(ctx, *params)
}

// GetCoordinationStatus derives the operator view of a workspace.
func (c *Coordinator) GetCoordinationStatus(ctx context.Context, workspaceID string) (*CoordinationStatus, error) {
	active, err := c.activeAgents(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	depth, err := c.queue.Depth(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &CoordinationStatus{
		ActiveHandoffs: active,
		BlockedStories: c.deps.BlockedStories(workspaceID),
		ActiveAgents:   len(active),
		MaxAgents:      c.rules.MaxParallelAgents,
		QueuedHandoffs: depth,
	}, nil
}

func (c *Coordinator) activeAgents(ctx context.Context, workspaceID string) ([]ActiveAgent, error) {
	contexts, err := c.store.ListActiveContextsByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var agents []ActiveAgent
	for _, pc := range contexts {
		if pc.ActiveAgentID == "" {
			continue
		}
		agents = append(agents, ActiveAgent{
			ID:          pc.ActiveAgentID,
			Type:        pc.ActiveAgentType,
			StoryID:     pc.CurrentStoryID,
			Phase:       pc.CurrentState,
			WorkspaceID: pc.WorkspaceID,
		})
	}
	return agents, nil
}

func (c *Coordinator) transitionProject(ctx context.Context, params Params, toPhase string) error {
	if params.ProjectID == "" {
		return nil
	}
	return c.machine.Transition(ctx, params.ProjectID, toPhase, pipeline.TransitionOptions{
		TriggeredBy: "handoff:" + params.CompletingAgent.Type,
		AgentID:     params.CompletingAgent.ID,
		AgentType:   params.CompletingAgent.Type,
		StoryID:     params.StoryID,
	})
}

func (c *Coordinator) recordHistory(ctx context.Context, params Params, fromPhase, toPhase string, toAgent AgentRef, handoffType string) error {
	h := &db.HandoffHistory{
		ID:             uuid.NewString(),
		WorkspaceID:    params.WorkspaceID,
		StoryID:        params.StoryID,
		FromAgentType:  params.CompletingAgent.Type,
		FromAgentID:    params.CompletingAgent.ID,
		ToAgentType:    toAgent.Type,
		ToAgentID:      toAgent.ID,
		FromPhase:      fromPhase,
		ToPhase:        toPhase,
		HandoffType:    handoffType,
		ContextSummary: params.ContextSummary,
		IterationCount: params.IterationCount,
		DurationMs:     params.DurationMs,
		CreatedAt:      c.now(),
	}
	if err := c.store.InsertHandoffHistory(ctx, h); err != nil {
		return fmt.Errorf("failed to record handoff history: %w", err)
	}
	if c.metrics != nil {
		c.metrics.HandoffsTotal.WithLabelValues(handoffType).Inc()
	}
	return nil
}

func (c *Coordinator) emit(name string, payload map[string]any) {
	if c.emitter != nil {
		c.emitter.Emit(name, payload)
	}
}

func assembleContext(entry ChainEntry, params Params) (map[string]any, error) {
	return requireContext(params.Context, entry.RequiredContext)
}

func requireContext(ctx map[string]any, required []string) (map[string]any, error) {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	var missing []string
	for _, key := range required {
		if _, ok := out[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("handoff context missing required keys: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func newAgentID(agentType string) string {
	return agentType + "-" + uuid.NewString()[:8]
}

// devAgentIDFor identifies the dev agent whose work a QA hop reviews.
func devAgentIDFor(params Params) string {
	if params.CompletingAgent.Type == AgentDev {
		return params.CompletingAgent.ID
	}
	return ""
}
