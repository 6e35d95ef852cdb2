package research

import (
	"context"

	"luxmap/pkg/agents"
)

// StateResearchEvaluation holds the evaluator's latest Feedback.
const StateResearchEvaluation = "research_evaluation"

// EscalationChecker ends the refinement loop once the research passed.
type EscalationChecker struct {
	name string
}

// NewEscalationChecker creates a checker.
func NewEscalationChecker(name string) *EscalationChecker {
	return &EscalationChecker{name: name}
}

// Name implements agents.Agent.
func (c *EscalationChecker) Name() string { return c.name }

// Description implements agents.Agent.
func (c *EscalationChecker) Description() string {
	return "Stops the refinement loop when the research evaluation passed."
}

// Run implements agents.Agent. A missing or undecodable evaluation counts as
// a failing one.
func (c *EscalationChecker) Run(ctx context.Context, inv *agents.Invocation) error {
	var feedback Feedback
	found, err := inv.State().Decode(StateResearchEvaluation, &feedback)
	if err != nil {
		inv.Logger().Warnf("⚠️ [%s] could not decode %s: %v", c.name, StateResearchEvaluation, err)
	}

	event := agents.NewEvent(c.name)
	if found && err == nil && feedback.Passed() {
		inv.Logger().Infof("✅ [%s] research evaluation passed, escalating to stop loop", c.name)
		event.Actions.Escalate = true
	} else {
		inv.Logger().Infof("🔄 [%s] research evaluation failed or not found, loop will continue", c.name)
	}
	inv.Emit(ctx, event)
	return nil
}
