package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

const (
	// Session events
	SessionStart EventType = "session_start"
	SessionEnd   EventType = "session_end"
	UserMessage  EventType = "user_message"

	// Agent events
	AgentStart  EventType = "agent_start"
	AgentEnd    EventType = "agent_end"
	AgentError  EventType = "agent_error"
	AgentOutput EventType = "agent_output"

	// LLM events
	LLMGenerationStart EventType = "llm_generation_start"
	LLMGenerationEnd   EventType = "llm_generation_end"
	LLMGenerationError EventType = "llm_generation_error"
	TokenUsage         EventType = "token_usage"

	// Workflow events
	LoopIteration EventType = "loop_iteration"
	Escalation    EventType = "escalation"

	// Research events
	PlanProposed     EventType = "plan_proposed"
	SourcesCollected EventType = "sources_collected"
	CitationRemoved  EventType = "citation_removed"
	ReportReady      EventType = "report_ready"
)

// EventData is implemented by every typed payload.
type EventData interface {
	GetEventType() EventType
}

// AgentEvent is the envelope that travels to observers and to the database.
type AgentEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Component string    `json:"component,omitempty"`
	Data      EventData `json:"data,omitempty"`
}

// NewAgentEvent wraps data into an envelope stamped with an id and time.
func NewAgentEvent(sessionID string, data EventData) *AgentEvent {
	eventType := data.GetEventType()
	return &AgentEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Component: GetComponentFromEventType(eventType),
		Data:      data,
	}
}

// GetComponentFromEventType groups event types for filtering.
func GetComponentFromEventType(eventType EventType) string {
	switch eventType {
	case AgentStart, AgentEnd, AgentError, AgentOutput:
		return "agent"
	case LLMGenerationStart, LLMGenerationEnd, LLMGenerationError, TokenUsage:
		return "llm"
	case LoopIteration, Escalation:
		return "workflow"
	case PlanProposed, SourcesCollected, CitationRemoved, ReportReady:
		return "research"
	default:
		return "system"
	}
}

// Emitter receives events.
type Emitter interface {
	Emit(ctx context.Context, event *AgentEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event *AgentEvent)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event *AgentEvent) {
	f(ctx, event)
}

// MultiEmitter fans an event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards the event to every non-nil emitter.
func (m MultiEmitter) Emit(ctx context.Context, event *AgentEvent) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// Recorder keeps every event in memory. Handy for the CLI summary and tests.
type Recorder struct {
	mu     sync.Mutex
	events []*AgentEvent
}

// Emit records the event.
func (r *Recorder) Emit(_ context.Context, event *AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentEvent, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType EventType) []*AgentEvent {
	var out []*AgentEvent
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type emitterKey struct{}

type sessionKey struct{}

// WithEmitter stores the emitter and session id on the context so that layers
// below the agent runtime (the LLM wrapper) report into the same stream.
func WithEmitter(ctx context.Context, sessionID string, emitter Emitter) context.Context {
	ctx = context.WithValue(ctx, emitterKey{}, emitter)
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// EmitFromContext emits data on the context's emitter, if any.
func EmitFromContext(ctx context.Context, data EventData) {
	emitter, ok := ctx.Value(emitterKey{}).(Emitter)
	if !ok || emitter == nil {
		return
	}
	sessionID, _ := ctx.Value(sessionKey{}).(string)
	emitter.Emit(ctx, NewAgentEvent(sessionID, data))
}
