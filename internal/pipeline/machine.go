package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devos/internal/apperr"
	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/telemetry"
)

const (
	// LockTTL bounds how long a crashed transition can hold a project.
	LockTTL = 30 * time.Second

	// DefaultStaleThreshold is how long a context may sit in one
	// non-terminal state before recovery declares it abandoned.
	DefaultStaleThreshold = 2 * time.Hour

	defaultMaxRetries = 3
)

// TransitionOptions carries the audit context of one transition.
type TransitionOptions struct {
	TriggeredBy  string
	AgentID      string
	AgentType    string
	StoryID      string
	Metadata     map[string]any
	ErrorMessage string
}

// RecoveryReport summarizes a startup recovery scan.
type RecoveryReport struct {
	Recovered int
	Stale     int
	Total     int
}

// Machine drives per-project pipeline state. All transitions are
// serialized per project through a shared-cache mutex; cross-project
// transitions are independent.
type Machine struct {
	store          db.Store
	cache          cache.Backend
	emitter        events.Emitter
	metrics        *telemetry.Metrics
	staleThreshold time.Duration
	lockTTL        time.Duration
	now            func() time.Time
}

// NewMachine wires the state machine.
func NewMachine(store db.Store, backend cache.Backend, emitter events.Emitter, metrics *telemetry.Metrics) *Machine {
	return &Machine{
		store:          store,
		cache:          backend,
		emitter:        emitter,
		metrics:        metrics,
		staleThreshold: DefaultStaleThreshold,
		lockTTL:        LockTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetStaleThreshold overrides the recovery threshold.
func (m *Machine) SetStaleThreshold(d time.Duration) { m.staleThreshold = d }

func lockKey(projectID string) string {
	return "pipeline-lock:" + projectID
}

// StartPipeline creates a fresh context in planning. It fails with a
// conflict if an active context already exists for the project.
func (m *Machine) StartPipeline(ctx context.Context, projectID, workspaceID string, opts TransitionOptions) (*db.PipelineContext, error) {
	mu := cache.NewMutex(m.cache, lockKey(projectID), m.lockTTL)
	ok, err := mu.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire pipeline lock: %w", err)
	}
	if !ok {
		return nil, &LockError{ProjectID: projectID}
	}
	defer mu.Unlock(ctx)

	existing, err := m.store.GetPipelineContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !db.IsTerminalState(existing.CurrentState) {
		return nil, apperr.Conflict("project %s already has an active pipeline in state %s", projectID, existing.CurrentState)
	}

	now := m.now()
	pc := &db.PipelineContext{
		ProjectID:      projectID,
		WorkspaceID:    workspaceID,
		WorkflowID:     uuid.NewString(),
		CurrentState:   StatePlanning,
		PreviousState:  StateIdle,
		StateEnteredAt: now,
		CurrentStoryID: opts.StoryID,
		MaxRetries:     defaultMaxRetries,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing != nil {
		pc.CreatedAt = existing.CreatedAt
	}

	hist := m.historyRow(pc, StateIdle, StatePlanning, opts)
	if err := m.store.RecordTransition(ctx, pc, hist); err != nil {
		return nil, fmt.Errorf("failed to persist pipeline start: %w", err)
	}

	m.emitStateChanged(pc, StateIdle, opts)
	return pc, nil
}

// Transition moves the project to target under the project lock. The
// context is reread inside the critical section so a stale caller cannot
// clobber a concurrent transition.
func (m *Machine) Transition(ctx context.Context, projectID, target string, opts TransitionOptions) error {
	return m.transition(ctx, projectID, target, opts, false)
}

// transition implements Transition. With force set the edge table is
// not consulted; recovery uses this to abandon stale contexts from any
// non-terminal state, paused included.
func (m *Machine) transition(ctx context.Context, projectID, target string, opts TransitionOptions, force bool) error {
	mu := cache.NewMutex(m.cache, lockKey(projectID), m.lockTTL)
	ok, err := mu.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire pipeline lock: %w", err)
	}
	if !ok {
		if m.metrics != nil {
			m.metrics.LockContention.WithLabelValues("pipeline").Inc()
		}
		return &LockError{ProjectID: projectID}
	}
	defer mu.Unlock(ctx)

	pc, err := m.store.GetPipelineContext(ctx, projectID)
	if err != nil {
		return err
	}
	if pc == nil {
		return apperr.NotFound("no pipeline context for project %s", projectID)
	}

	if force && db.IsTerminalState(pc.CurrentState) {
		// The project finished between the recovery scan and this call.
		return nil
	}
	if !force && !CanTransition(pc.CurrentState, target) {
		if m.metrics != nil {
			m.metrics.TransitionErrors.WithLabelValues("invalid_transition").Inc()
		}
		return &InvalidTransitionError{ProjectID: projectID, From: pc.CurrentState, To: target}
	}

	from := pc.CurrentState
	now := m.now()
	pc.PreviousState = from
	pc.CurrentState = target
	pc.StateEnteredAt = now
	pc.UpdatedAt = now
	if opts.AgentID != "" {
		pc.ActiveAgentID = opts.AgentID
		pc.ActiveAgentType = opts.AgentType
	}
	if opts.StoryID != "" {
		pc.CurrentStoryID = opts.StoryID
	}

	hist := m.historyRow(pc, from, target, opts)
	if err := m.store.RecordTransition(ctx, pc, hist); err != nil {
		// Roll back the in-memory change; nothing was published.
		pc.CurrentState = from
		if m.metrics != nil {
			m.metrics.TransitionErrors.WithLabelValues("store_failure").Inc()
		}
		return fmt.Errorf("failed to persist transition %s -> %s: %w", from, target, err)
	}

	if m.metrics != nil {
		m.metrics.StateTransitions.WithLabelValues(from, target).Inc()
	}
	m.emitStateChanged(pc, from, opts)
	return nil
}

// Pause is a convenience wrapper over Transition.
func (m *Machine) Pause(ctx context.Context, projectID string, opts TransitionOptions) error {
	return m.Transition(ctx, projectID, StatePaused, opts)
}

// Resume re-enters the given working state from paused.
func (m *Machine) Resume(ctx context.Context, projectID, intoState string, opts TransitionOptions) error {
	return m.Transition(ctx, projectID, intoState, opts)
}

// Recover scans persisted active contexts on startup and fails any that
// sat in a non-terminal state longer than the stale threshold.
func (m *Machine) Recover(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{}
	contexts, err := m.store.ListActiveContexts(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(contexts)

	cutoff := m.now().Add(-m.staleThreshold)
	for _, pc := range contexts {
		if !pc.StateEnteredAt.Before(cutoff) {
			continue
		}
		report.Stale++
		err := m.transition(ctx, pc.ProjectID, StateFailed, TransitionOptions{
			TriggeredBy:  "recovery:stale",
			ErrorMessage: fmt.Sprintf("state %s stale since %s", pc.CurrentState, pc.StateEnteredAt.Format(time.RFC3339)),
		}, true)
		if err != nil {
			telemetry.LogError("failed to recover stale pipeline", err, "project", pc.ProjectID, "state", pc.CurrentState)
			continue
		}
		report.Recovered++
	}
	return report, nil
}

func (m *Machine) historyRow(pc *db.PipelineContext, from, to string, opts TransitionOptions) *db.PipelineStateHistory {
	return &db.PipelineStateHistory{
		ID:            uuid.NewString(),
		ProjectID:     pc.ProjectID,
		WorkspaceID:   pc.WorkspaceID,
		WorkflowID:    pc.WorkflowID,
		PreviousState: from,
		NewState:      to,
		TriggeredBy:   opts.TriggeredBy,
		AgentID:       opts.AgentID,
		StoryID:       opts.StoryID,
		Metadata:      opts.Metadata,
		ErrorMessage:  opts.ErrorMessage,
		CreatedAt:     m.now(),
	}
}

// emitStateChanged publishes the event after the durable commit.
func (m *Machine) emitStateChanged(pc *db.PipelineContext, from string, opts TransitionOptions) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(events.PipelineStateChanged, map[string]any{
		"projectId":     pc.ProjectID,
		"workspaceId":   pc.WorkspaceID,
		"previousState": from,
		"newState":      pc.CurrentState,
		"agentId":       opts.AgentID,
		"storyId":       opts.StoryID,
		"metadata":      opts.Metadata,
		"timestamp":     pc.UpdatedAt,
	})
}
