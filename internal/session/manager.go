package session

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"devos/internal/apperr"
	"devos/internal/byok"
	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/stream"
	"devos/internal/telemetry"
)

// Session statuses.
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// Defaults and bounds.
const (
	DefaultMaxConcurrent = 5
	DefaultMaxTokens     = 200_000
	DefaultTimeout       = 2 * time.Hour
	HardTimeoutCap       = 4 * time.Hour
)

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	Command       string
	MaxConcurrent int
	MaxTokens     int
	Timeout       time.Duration
}

// SpawnParams describes one requested agent session.
type SpawnParams struct {
	WorkspaceID string
	ProjectID   string
	AgentType   string
	RepoURL     string
	Prompt      string
	ExtraArgs   []string
	MaxTokens   int
	Timeout     time.Duration
}

// Session tracks one live or finished agent process.
type Session struct {
	ID            string
	WorkspaceID   string
	ProjectID     string
	AgentType     string
	PID           int
	Status        string
	StartedAt     time.Time
	EndedAt       time.Time
	LineCount     int64
	workspacePath string
	handle        Handle
	timer         *time.Timer
	stderr        *lineWriter
}

// StatusReport is the external view of a session.
type StatusReport struct {
	Status          string `json:"status"`
	PID             *int   `json:"pid"`
	OutputLineCount int64  `json:"outputLineCount"`
	DurationMs      int64  `json:"durationMs"`
}

// Manager spawns, tracks, and terminates agent sessions.
type Manager struct {
	sandbox    Sandbox
	workspaces *WorkspaceManager
	keys       *byok.Bridge
	streamer   *stream.Streamer
	emitter    events.Emitter
	metrics    *telemetry.Metrics
	cfg        Config
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	// reserved counts Spawn calls per workspace that passed the cap
	// check but have not yet registered a session.
	reserved map[string]int
}

// NewManager wires the session manager.
func NewManager(sandbox Sandbox, workspaces *WorkspaceManager, keys *byok.Bridge, streamer *stream.Streamer, emitter events.Emitter, metrics *telemetry.Metrics, cfg Config) *Manager {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		sandbox:    sandbox,
		workspaces: workspaces,
		keys:       keys,
		streamer:   streamer,
		emitter:    emitter,
		metrics:    metrics,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		sessions:   make(map[string]*Session),
		reserved:   make(map[string]int),
	}
}

// Spawn launches an agent session. The API key reaches the child only
// through its environment.
func (m *Manager) Spawn(ctx context.Context, params SpawnParams) (*Session, error) {
	if params.WorkspaceID == "" || params.ProjectID == "" || params.AgentType == "" {
		return nil, apperr.Invalid("workspaceId, projectId, and agentType are required")
	}
	if params.Prompt == "" {
		return nil, apperr.Invalid("session prompt must not be empty")
	}

	// Count reservations alongside running sessions and reserve the slot
	// inside the same critical section, so two Spawns at the cap cannot
	// both pass the check while neither has registered yet.
	m.mu.Lock()
	running := m.reserved[params.WorkspaceID]
	for _, s := range m.sessions {
		if s.WorkspaceID == params.WorkspaceID && s.Status == StatusRunning {
			running++
		}
	}
	if running >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return nil, apperr.Conflict("workspace %s already has %d running sessions", params.WorkspaceID, running)
	}
	m.reserved[params.WorkspaceID]++
	m.mu.Unlock()

	path, err := m.workspaces.Prepare(ctx, params.WorkspaceID, params.ProjectID, params.RepoURL)
	if err != nil {
		m.releaseSlot(params.WorkspaceID)
		return nil, err
	}

	apiKey, err := m.keys.ResolveKey(ctx, params.WorkspaceID, db.ProviderAnthropic)
	if err != nil {
		m.releaseSlot(params.WorkspaceID)
		return nil, err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.cfg.MaxTokens
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	if timeout > HardTimeoutCap {
		timeout = HardTimeoutCap
	}

	sessionID := uuid.NewString()
	args := []string{"--agent", params.AgentType, "--max-tokens", strconv.Itoa(maxTokens)}
	args = append(args, params.ExtraArgs...)
	args = append(args, params.Prompt)

	env := append(os.Environ(),
		"ANTHROPIC_API_KEY="+apiKey,
		"GIT_TERMINAL_PROMPT=0",
		"DEVOS_SESSION_ID="+sessionID,
	)

	if err := m.streamer.StartStreaming(ctx, sessionID); err != nil {
		m.releaseSlot(params.WorkspaceID)
		return nil, err
	}

	sess := &Session{
		ID:            sessionID,
		WorkspaceID:   params.WorkspaceID,
		ProjectID:     params.ProjectID,
		AgentType:     params.AgentType,
		Status:        StatusRunning,
		StartedAt:     m.now(),
		workspacePath: path,
	}

	stdout := newLineWriter(func(line string) {
		m.mu.Lock()
		sess.LineCount++
		m.mu.Unlock()
		m.streamer.OnOutput(sessionID, []byte(line+"\n"))
	})
	stderr := newLineWriter(func(line string) {
		if containsSecret(line) {
			return
		}
		telemetry.LogWarn("session stderr", "session", sessionID, "agent", params.AgentType, "line", line)
	})
	sess.stderr = stderr

	handle, err := m.sandbox.Start(ctx, Spec{
		SessionID: sessionID,
		Command:   m.cfg.Command,
		Args:      args,
		Dir:       path,
		Env:       env,
	}, stdout, stderr)
	if err != nil {
		m.streamer.StopStreaming(context.Background(), sessionID)
		m.releaseSlot(params.WorkspaceID)
		return nil, fmt.Errorf("failed to spawn %s session: %w", params.AgentType, err)
	}
	sess.handle = handle
	sess.PID = handle.PID()

	// The running session takes over the reservation.
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.releaseSlotLocked(params.WorkspaceID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	m.emit(events.CLISessionStarted, sess, map[string]any{"pid": sess.PID})

	sess.timer = time.AfterFunc(timeout, func() { m.onHardTimeout(sessionID) })

	go func() {
		err := handle.Wait()
		stdout.flush()
		stderr.flush()
		m.onExit(sessionID, err)
	}()

	return sess, nil
}

func (m *Manager) releaseSlot(workspaceID string) {
	m.mu.Lock()
	m.releaseSlotLocked(workspaceID)
	m.mu.Unlock()
}

func (m *Manager) releaseSlotLocked(workspaceID string) {
	if m.reserved[workspaceID] > 1 {
		m.reserved[workspaceID]--
	} else {
		delete(m.reserved, workspaceID)
	}
}

// Terminate signals the process and scrubs the workspace. Safe to call
// on a session that already ended.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("no session %s", sessionID)
	}
	if sess.Status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	sess.Status = StatusTerminated
	sess.EndedAt = m.now()
	handle := sess.handle
	timer := sess.timer
	path := sess.workspacePath
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if err := handle.Signal(); err != nil {
		telemetry.LogWarn("failed to signal session", "session", sessionID, "error", err)
	}
	m.workspaces.CleanupSensitive(path)
	m.emit(events.CLISessionTerminated, sess, nil)
	return nil
}

// Status reports the session's current state.
func (m *Manager) Status(sessionID string) (*StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("no session %s", sessionID)
	}
	report := &StatusReport{
		Status:          sess.Status,
		OutputLineCount: sess.LineCount,
	}
	if sess.Status == StatusRunning {
		pid := sess.PID
		report.PID = &pid
		report.DurationMs = m.now().Sub(sess.StartedAt).Milliseconds()
	} else {
		report.DurationMs = sess.EndedAt.Sub(sess.StartedAt).Milliseconds()
	}
	return report, nil
}

// ActiveWorkspaces keys running sessions as workspaceId/projectId for
// the dangling-workspace sweep.
func (m *Manager) ActiveWorkspaces() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]bool)
	for _, s := range m.sessions {
		if s.Status == StatusRunning {
			active[s.WorkspaceID+"/"+s.ProjectID] = true
		}
	}
	return active
}

func (m *Manager) onHardTimeout(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	stillRunning := ok && sess.Status == StatusRunning
	m.mu.Unlock()
	if !stillRunning {
		return
	}
	telemetry.LogWarn("session hit hard timeout", "session", sessionID)
	if err := m.Terminate(context.Background(), sessionID); err != nil {
		telemetry.LogError("failed to terminate timed-out session", err, "session", sessionID)
	}
}

func (m *Manager) onExit(sessionID string, waitErr error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	terminated := sess.Status == StatusTerminated
	if !terminated {
		if waitErr == nil {
			sess.Status = StatusCompleted
		} else {
			sess.Status = StatusFailed
		}
		sess.EndedAt = m.now()
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	path := sess.workspacePath
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
		outcome := sess.Status
		m.metrics.SessionDuration.WithLabelValues(sess.AgentType, outcome).
			Observe(sess.EndedAt.Sub(sess.StartedAt).Seconds())
	}

	if err := m.streamer.StopStreaming(context.Background(), sessionID); err != nil {
		telemetry.LogWarn("failed to stop session streaming", "session", sessionID, "error", err)
	}
	m.workspaces.CleanupSensitive(path)

	// A terminated session already announced itself; never follow a
	// terminated event with a failed one.
	if terminated {
		return
	}
	if waitErr == nil {
		m.emit(events.CLISessionCompleted, sess, nil)
	} else {
		m.emit(events.CLISessionFailed, sess, map[string]any{"error": waitErr.Error()})
	}
}

func (m *Manager) emit(name string, sess *Session, extra map[string]any) {
	if m.emitter == nil {
		return
	}
	payload := map[string]any{
		"sessionId":   sess.ID,
		"workspaceId": sess.WorkspaceID,
		"projectId":   sess.ProjectID,
		"agentType":   sess.AgentType,
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.emitter.Emit(name, payload)
}
