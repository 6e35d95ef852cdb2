package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"luxmap/internal/utils"
	"luxmap/pkg/agents"
	"luxmap/pkg/events"
)

// ErrNoPlan is returned when research is requested before a plan exists.
var ErrNoPlan = errors.New("no research plan to execute")

// StateLastAction records what the planner did on the latest turn.
const StateLastAction = "planner_last_action"

// Planner actions
const (
	ActionPlan    = "plan"
	ActionExecute = "execute"
)

const routerName = "planner_router"

// PlannerDecision is the router's classification of a user message.
type PlannerDecision struct {
	Action  string `json:"action" jsonschema:"enum=plan,enum=execute" jsonschema_description:"'execute' only when the user explicitly approves the current plan, 'plan' otherwise."`
	Request string `json:"request,omitempty" jsonschema_description:"What the plan generator should work on, including the user's feedback."`
}

func plannerDecisionSchema() *agents.OutputSchema {
	return &agents.OutputSchema{
		Name:   "PlannerDecision",
		Schema: schemaFor(&PlannerDecision{}),
		Validate: func(raw []byte) error {
			var d PlannerDecision
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			if d.Action != ActionPlan && d.Action != ActionExecute {
				return fmt.Errorf("action must be %q or %q, got %q", ActionPlan, ActionExecute, d.Action)
			}
			return nil
		},
	}
}

// InteractivePlanner is the root agent. Each user message either refines
// the travel plan or, on explicit approval, runs the research pipeline.
type InteractivePlanner struct {
	pipeline *Pipeline
	planTool *agents.AgentTool
	router   *agents.AgentTool
	logger   utils.ExtendedLogger
}

// NewInteractivePlanner builds the planner together with its pipeline.
func NewInteractivePlanner(cfg PipelineConfig) (*InteractivePlanner, error) {
	pipeline, err := NewResearchPipeline(cfg)
	if err != nil {
		return nil, err
	}

	router, err := agents.NewLLMAgent(agents.LLMAgentConfig{
		Name:            routerName,
		Description:     "Decides whether a message refines the plan or approves it.",
		Model:           cfg.Model,
		ModelID:         cfg.Research.WorkerModel,
		Instruction:     plannerRouterPrompt,
		OutputSchema:    plannerDecisionSchema(),
		IncludeContents: agents.IncludeContentsNone,
		Logger:          cfg.Logger,
		Now:             cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	return &InteractivePlanner{
		pipeline: pipeline,
		planTool: agents.NewAgentTool(pipeline.PlanGenerator),
		router:   agents.NewAgentTool(router),
		logger:   cfg.Logger,
	}, nil
}

// Name implements agents.Agent.
func (p *InteractivePlanner) Name() string { return PlannerName }

// Description implements agents.Agent.
func (p *InteractivePlanner) Description() string {
	return "The primary travel assistant. Plans with the user and runs the research once the plan is approved."
}

// Pipeline returns the research agents.
func (p *InteractivePlanner) Pipeline() *Pipeline { return p.pipeline }

// Run implements agents.Agent.
func (p *InteractivePlanner) Run(ctx context.Context, inv *agents.Invocation) error {
	decision, err := p.Decide(ctx, inv, inv.UserContent)
	if err != nil {
		return err
	}

	if decision.Action == ActionExecute {
		inv.State().Set(StateLastAction, ActionExecute)
		return p.Execute(ctx, inv)
	}

	request := decision.Request
	if strings.TrimSpace(request) == "" {
		request = inv.UserContent
	}
	_, err = p.ProposePlan(ctx, inv, request)
	return err
}

// Decide classifies message. Without a plan it always plans.
func (p *InteractivePlanner) Decide(ctx context.Context, inv *agents.Invocation, message string) (PlannerDecision, error) {
	if inv.State().GetString(StateResearchPlan) == "" {
		return PlannerDecision{Action: ActionPlan, Request: message}, nil
	}

	out, err := p.router.Call(ctx, inv, message)
	if err != nil {
		if errors.Is(err, agents.ErrInvalidStructuredOutput) {
			p.logger.Warnf("⚠️ Planner router gave no usable decision, refining the plan instead: %v", err)
			return PlannerDecision{Action: ActionPlan, Request: message}, nil
		}
		return PlannerDecision{}, fmt.Errorf("route message: %w", err)
	}

	var decision PlannerDecision
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		return PlannerDecision{}, fmt.Errorf("decode planner decision: %w", err)
	}
	p.logger.Infof("🧭 Planner decision: %s", decision.Action)
	return decision, nil
}

// ProposePlan asks the plan generator for a new or refined plan and stores
// it as the session's research plan.
func (p *InteractivePlanner) ProposePlan(ctx context.Context, inv *agents.Invocation, request string) (string, error) {
	plan, err := p.planTool.Call(ctx, inv, request)
	if err != nil {
		return "", fmt.Errorf("generate plan: %w", err)
	}

	event := agents.NewEvent(PlannerName)
	event.Content = plan
	event.Actions.StateDelta = map[string]any{
		StateResearchPlan: plan,
		StateLastAction:   ActionPlan,
	}
	inv.Emit(ctx, event)
	inv.Publish(ctx, &events.PlanProposedEvent{Plan: plan})
	return plan, nil
}

// Execute runs the research pipeline on the session's approved plan.
func (p *InteractivePlanner) Execute(ctx context.Context, inv *agents.Invocation) error {
	if strings.TrimSpace(inv.State().GetString(StateResearchPlan)) == "" {
		return ErrNoPlan
	}
	return agents.RunAgent(ctx, p.pipeline.Root, inv)
}

// ExecutePlan stores plan as the approved plan and runs the pipeline.
func (p *InteractivePlanner) ExecutePlan(ctx context.Context, inv *agents.Invocation, plan string) error {
	if strings.TrimSpace(plan) == "" {
		return ErrNoPlan
	}
	inv.State().Set(StateResearchPlan, plan)
	inv.State().Set(StateLastAction, ActionExecute)
	return p.Execute(ctx, inv)
}

// TurnResult describes what a planner turn produced.
type TurnResult struct {
	Action string
	Plan   string
	Report string
}

// LastTurn reads the outcome of the latest planner turn from state.
func LastTurn(state *agents.State) TurnResult {
	return TurnResult{
		Action: state.GetString(StateLastAction),
		Plan:   state.GetString(StateResearchPlan),
		Report: FinalReport(state),
	}
}
