// Package agents is a small runtime for composing LLM agents into pipelines:
// LLM-backed agents, sequential and loop workflows, and agents used as tools.
// Agents communicate through session state and an append-only event history.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
	"luxmap/pkg/events"
)

// Event authors and roles
const (
	AuthorUser = "user"
	RoleUser   = "user"
	RoleModel  = "model"
)

// ErrMissingStateKey is returned when an instruction references a state key
// that has not been set.
var ErrMissingStateKey = errors.New("missing state key")

// Agent is a unit of work.
type Agent interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}

// EventActions are side effects carried by an event.
type EventActions struct {
	Escalate   bool           `json:"escalate,omitempty"`
	StateDelta map[string]any `json:"state_delta,omitempty"`
}

// Event is one entry of the session history.
type Event struct {
	ID           string                      `json:"id"`
	InvocationID string                      `json:"invocation_id"`
	Author       string                      `json:"author"`
	Role         string                      `json:"role"`
	Content      string                      `json:"content,omitempty"`
	Thoughts     string                      `json:"thoughts,omitempty"`
	Grounding    *llmtypes.GroundingMetadata `json:"grounding,omitempty"`
	Actions      EventActions                `json:"actions"`
	Timestamp    time.Time                   `json:"timestamp"`
}

// NewEvent creates an event authored by author.
func NewEvent(author string) *Event {
	role := RoleModel
	if author == AuthorUser {
		role = RoleUser
	}
	return &Event{
		ID:        uuid.NewString(),
		Author:    author,
		Role:      role,
		Timestamp: time.Now(),
	}
}

// Invocation carries one run through the agent tree.
type Invocation struct {
	ID          string
	Session     *Session
	UserContent string

	emitter   events.Emitter
	logger    utils.ExtendedLogger
	escalated atomic.Bool
}

// NewInvocation creates an invocation over session.
func NewInvocation(session *Session, userContent string, emitter events.Emitter, logger utils.ExtendedLogger) *Invocation {
	return &Invocation{
		ID:          "inv-" + uuid.NewString(),
		Session:     session,
		UserContent: userContent,
		emitter:     emitter,
		logger:      logger,
	}
}

// Child returns an invocation over another session that reports to the
// same emitter.
func (inv *Invocation) Child(session *Session, userContent string) *Invocation {
	return NewInvocation(session, userContent, inv.emitter, inv.logger)
}

// Logger returns the invocation logger.
func (inv *Invocation) Logger() utils.ExtendedLogger {
	return inv.logger
}

// State returns the session state.
func (inv *Invocation) State() *State {
	return inv.Session.State
}

// Emit appends the event to the session, applies its state delta and
// latches escalation.
func (inv *Invocation) Emit(ctx context.Context, e *Event) {
	e.InvocationID = inv.ID
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	inv.Session.AppendEvent(e)
	inv.Session.State.Apply(e.Actions.StateDelta)

	if e.Content != "" && e.Author != AuthorUser {
		inv.Publish(ctx, &events.AgentOutputEvent{
			AgentName: e.Author,
			Content:   e.Content,
			Thoughts:  e.Thoughts,
			Grounded:  e.Grounding.HasChunks(),
		})
	}
	if e.Actions.Escalate {
		inv.escalated.Store(true)
		inv.Publish(ctx, &events.EscalationEvent{AgentName: e.Author, Reason: "escalate action"})
	}
}

// Escalated reports whether an event asked the enclosing loop to stop.
func (inv *Invocation) Escalated() bool {
	return inv.escalated.Load()
}

// ResetEscalation clears the escalation latch.
func (inv *Invocation) ResetEscalation() {
	inv.escalated.Store(false)
}

// Publish sends data to the observer stream of the session.
func (inv *Invocation) Publish(ctx context.Context, data events.EventData) {
	if inv.emitter == nil {
		return
	}
	inv.emitter.Emit(ctx, events.NewAgentEvent(inv.Session.ID, data))
}

// RunAgent runs agent under inv, reporting start, end and failure.
func RunAgent(ctx context.Context, agent Agent, inv *Invocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inv.logger.Infof("🤖 [%s] starting", agent.Name())
	inv.Publish(ctx, &events.AgentStartEvent{AgentName: agent.Name(), Description: agent.Description()})

	start := time.Now()
	if err := agent.Run(ctx, inv); err != nil {
		inv.logger.Errorf("❌ [%s] failed after %v: %v", agent.Name(), time.Since(start), err)
		inv.Publish(ctx, &events.AgentErrorEvent{AgentName: agent.Name(), Error: err.Error(), Duration: time.Since(start)})
		return fmt.Errorf("%s: %w", agent.Name(), err)
	}

	inv.logger.Infof("✅ [%s] finished in %v", agent.Name(), time.Since(start))
	inv.Publish(ctx, &events.AgentEndEvent{AgentName: agent.Name(), Duration: time.Since(start)})
	return nil
}

// Runner runs a root agent for user messages on a session.
type Runner struct {
	agent   Agent
	emitter events.Emitter
	logger  utils.ExtendedLogger
}

// NewRunner creates a runner. emitter may be nil.
func NewRunner(agent Agent, emitter events.Emitter, logger utils.ExtendedLogger) *Runner {
	return &Runner{agent: agent, emitter: emitter, logger: logger}
}

// Run records the user message on the session and runs the root agent.
func (r *Runner) Run(ctx context.Context, session *Session, userMessage string) (*Invocation, error) {
	if r.emitter != nil {
		ctx = events.WithEmitter(ctx, session.ID, r.emitter)
	}
	inv := NewInvocation(session, userMessage, r.emitter, r.logger)

	if userMessage != "" {
		user := NewEvent(AuthorUser)
		user.Content = userMessage
		inv.Emit(ctx, user)
		inv.Publish(ctx, &events.UserMessageEvent{Content: userMessage})
	}

	return inv, RunAgent(ctx, r.agent, inv)
}

// FinalResponse returns the content of the last event authored by author
// in the session, or "".
func FinalResponse(session *Session, author string) string {
	history := session.Events()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Author == author && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

// LastResponse returns the content of the last non-user event, or "".
func LastResponse(session *Session) string {
	history := session.Events()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Author != AuthorUser && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}
