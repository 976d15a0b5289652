// Package events is the in-process event fabric. Consumers register
// handlers by event name at startup; emission is synchronous so that an
// event observed by a subscriber is always preceded by its durable commit.
package events

import (
	"sync"
	"time"

	"devos/internal/telemetry"
)

// Event names on the wire envelope.
const (
	PipelineStateChanged = "pipeline.state_changed"

	CLISessionStarted    = "cli.session.started"
	CLISessionCompleted  = "cli.session.completed"
	CLISessionFailed     = "cli.session.failed"
	CLISessionTerminated = "cli.session.terminated"
	CLIOutput            = "cli.output"

	OrchestratorHandoff        = "orchestrator.handoff"
	OrchestratorStoryProgress  = "orchestrator.story_progress"
	OrchestratorStoryBlocked   = "orchestrator.story_blocked"
	OrchestratorStoryUnblocked = "orchestrator.story_unblocked"
	OrchestratorQARejection    = "orchestrator.qa_rejection"
	OrchestratorEscalation     = "orchestrator.escalation"
	OrchestratorPipelineStatus = "orchestrator.pipeline_status"

	StoryChanged = "story.changed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Name      string
	Payload   map[string]any
	Timestamp time.Time
}

// Handler consumes one event. Handlers must not block for long; anything
// slow belongs on the job queue.
type Handler func(Event)

// Emitter is the write side of the bus.
type Emitter interface {
	Emit(name string, payload map[string]any)
}

// Bus is a synchronous fan-out event bus with named subscriptions.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit delivers the event to every subscriber of name, in registration
// order. A panicking handler is isolated so it cannot poison the emitter.
func (b *Bus) Emit(name string, payload map[string]any) {
	b.mu.RLock()
	hs := b.handlers[name]
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, Timestamp: time.Now().UTC()}
	for _, h := range hs {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.LogError("event handler panicked", nil, "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}
