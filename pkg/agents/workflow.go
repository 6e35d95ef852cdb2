package agents

import (
	"context"
	"errors"
	"fmt"

	"luxmap/pkg/events"
)

// SequentialAgent runs its sub-agents in order.
type SequentialAgent struct {
	name        string
	description string
	subAgents   []Agent
}

// NewSequentialAgent creates a sequential workflow.
func NewSequentialAgent(name, description string, subAgents ...Agent) *SequentialAgent {
	return &SequentialAgent{name: name, description: description, subAgents: subAgents}
}

// Name implements Agent.
func (s *SequentialAgent) Name() string { return s.name }

// Description implements Agent.
func (s *SequentialAgent) Description() string { return s.description }

// SubAgents returns the children in run order.
func (s *SequentialAgent) SubAgents() []Agent { return s.subAgents }

// Run stops at the first error, or early when a sub-agent escalates. The
// escalation stays latched for an enclosing loop to see.
func (s *SequentialAgent) Run(ctx context.Context, inv *Invocation) error {
	for _, sub := range s.subAgents {
		if err := RunAgent(ctx, sub, inv); err != nil {
			return err
		}
		if inv.Escalated() {
			inv.Logger().Infof("⏹️ [%s] %s escalated, stopping sequence", s.name, sub.Name())
			return nil
		}
	}
	return nil
}

// LoopAgent runs its sub-agents repeatedly until one escalates or the
// iteration limit is reached.
type LoopAgent struct {
	name          string
	description   string
	maxIterations int
	subAgents     []Agent
}

// NewLoopAgent creates a loop workflow. maxIterations must be at least 1.
func NewLoopAgent(name, description string, maxIterations int, subAgents ...Agent) (*LoopAgent, error) {
	if maxIterations < 1 {
		return nil, fmt.Errorf("loop agent %s: max iterations must be at least 1, got %d", name, maxIterations)
	}
	return &LoopAgent{name: name, description: description, maxIterations: maxIterations, subAgents: subAgents}, nil
}

// Name implements Agent.
func (l *LoopAgent) Name() string { return l.name }

// Description implements Agent.
func (l *LoopAgent) Description() string { return l.description }

// MaxIterations returns the iteration limit.
func (l *LoopAgent) MaxIterations() int { return l.maxIterations }

// Run implements Agent. An escalation ends the loop at once, skipping the
// remaining sub-agents of that iteration, and is not propagated further.
func (l *LoopAgent) Run(ctx context.Context, inv *Invocation) error {
	inv.ResetEscalation()

	for i := 1; i <= l.maxIterations; i++ {
		inv.Logger().Infof("🔁 [%s] iteration %d/%d", l.name, i, l.maxIterations)
		inv.Publish(ctx, &events.LoopIterationEvent{LoopName: l.name, Iteration: i, MaxIterations: l.maxIterations})

		for _, sub := range l.subAgents {
			if err := RunAgent(ctx, sub, inv); err != nil {
				return err
			}
			if inv.Escalated() {
				inv.Logger().Infof("⏹️ [%s] %s escalated on iteration %d, leaving loop", l.name, sub.Name(), i)
				inv.ResetEscalation()
				return nil
			}
		}
	}

	inv.Logger().Infof("⏹️ [%s] reached max iterations (%d)", l.name, l.maxIterations)
	return nil
}

// AgentTool runs an agent as a tool: in a child session that shares the
// caller's state but starts with only the request in its history.
type AgentTool struct {
	agent Agent
}

// NewAgentTool wraps agent.
func NewAgentTool(agent Agent) *AgentTool {
	return &AgentTool{agent: agent}
}

// Name returns the wrapped agent's name.
func (t *AgentTool) Name() string { return t.agent.Name() }

// Description returns the wrapped agent's description.
func (t *AgentTool) Description() string { return t.agent.Description() }

// Call runs the agent for request and returns its final response.
func (t *AgentTool) Call(ctx context.Context, inv *Invocation, request string) (string, error) {
	child := NewSessionWithState(inv.Session.ID, inv.Session.State)
	childInv := inv.Child(child, request)

	user := NewEvent(AuthorUser)
	user.Content = request
	childInv.Emit(ctx, user)

	if err := RunAgent(ctx, t.agent, childInv); err != nil {
		return "", err
	}

	out := LastResponse(child)
	if out == "" {
		return "", errors.New(t.agent.Name() + " returned no response")
	}
	return out, nil
}
