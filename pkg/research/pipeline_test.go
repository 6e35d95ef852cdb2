package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxmap/internal/llmtest"
	"luxmap/internal/llmtypes"
	"luxmap/pkg/agents"
	"luxmap/pkg/config"
	"luxmap/pkg/events"
	"luxmap/pkg/logger"
)

const (
	markerPlanGenerator  = "TRAVEL PLAN (SO FAR)"
	markerRouter         = "Classify the user's latest message"
	markerSectionPlanner = "travel report architect"
	markerResearcher     = "Phase 1: Information gathering"
	markerEvaluator      = "quality assurance analyst"
	markerEnhanced       = "refinement pass"
	markerComposer       = "meticulously cited travel report"
)

// travelScript answers each research agent by the marker in its instruction.
type travelScript struct {
	mu          sync.Mutex
	routerReply string
	grades      []string
	counts      map[string]int
}

func newTravelScript(grades ...string) *travelScript {
	return &travelScript{routerReply: `{"action":"execute"}`, grades: grades, counts: make(map[string]int)}
}

func (s *travelScript) count(marker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[marker]
}

func (s *travelScript) respond(call llmtest.Call) (*llmtypes.ContentChoice, error) {
	system := call.System()
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := func(marker, content string) (*llmtypes.ContentChoice, error) {
		s.counts[marker]++
		return &llmtypes.ContentChoice{Content: content}, nil
	}

	switch {
	case strings.Contains(system, markerPlanGenerator):
		return reply(markerPlanGenerator, "* [RESEARCH] Find luxury hotels in Paris\n* [DELIVERABLE][IMPLIED] Create a 3-day itinerary")
	case strings.Contains(system, markerRouter):
		return reply(markerRouter, s.routerReply)
	case strings.Contains(system, markerSectionPlanner):
		return reply(markerSectionPlanner, "# Hotels\n# Cafes")
	case strings.Contains(system, markerResearcher):
		s.counts[markerResearcher]++
		return &llmtypes.ContentChoice{
			Content:  "Le Bristol is a palace hotel.",
			Thoughts: "search hotels first",
			Grounding: &llmtypes.GroundingMetadata{
				Chunks: []llmtypes.GroundingChunk{web("https://lebristol.example", "Le Bristol Paris", "lebristol.example")},
				Supports: []llmtypes.GroundingSupport{
					{Segment: &llmtypes.Segment{Text: "palace hotel"}, ChunkIndices: []int{0}, ConfidenceScores: []float64{0.9}},
				},
			},
		}, nil
	case strings.Contains(system, markerEvaluator):
		n := s.counts[markerEvaluator]
		grade := GradePass
		if n < len(s.grades) {
			grade = s.grades[n]
		}
		if grade == GradeFail {
			return reply(markerEvaluator, `{"grade":"fail","comment":"no cafes","follow_up_queries":[{"search_query":"best cafes Marais"}]}`)
		}
		return reply(markerEvaluator, "```json\n{\"grade\":\"pass\",\"comment\":\"complete\"}\n```")
	case strings.Contains(system, markerEnhanced):
		s.counts[markerEnhanced]++
		return &llmtypes.ContentChoice{
			Content: "Le Bristol is a palace hotel. Cafe Charlot is a Marais classic.",
			Grounding: &llmtypes.GroundingMetadata{
				Chunks: []llmtypes.GroundingChunk{
					web("https://lebristol.example", "Le Bristol Paris", "lebristol.example"),
					web("https://charlot.example", "charlot.example", "charlot.example"),
				},
			},
		}, nil
	case strings.Contains(system, markerComposer):
		return reply(markerComposer, `# Hotels
Le Bristol<cite source="src-1" />.
# Cafes
Cafe Charlot<cite source="src-2" /> and a ghost<cite source="src-7" />.`)
	}
	return nil, errors.New("unexpected prompt")
}

func newPlanner(t *testing.T, model llmtypes.Model, iterations int) *InteractivePlanner {
	t.Helper()
	research := config.Default().Research
	research.MaxSearchIterations = iterations

	p, err := NewInteractivePlanner(PipelineConfig{
		Research: research,
		Model:    model,
		Logger:   logger.CreateDiscardLogger(),
		Now:      func() time.Time { return time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return p
}

func TestNewResearchPipelineValidation(t *testing.T) {
	research := config.Default().Research
	log := logger.CreateDiscardLogger()

	_, err := NewResearchPipeline(PipelineConfig{Research: research, Logger: log})
	assert.ErrorContains(t, err, "model is required")

	research.MaxSearchIterations = 0
	_, err = NewResearchPipeline(PipelineConfig{Research: research, Model: llmtest.NewScriptedModel(), Logger: log})
	assert.ErrorContains(t, err, "max_search_iterations")
}

func TestPipelineStructure(t *testing.T) {
	p := newPlanner(t, llmtest.NewScriptedModel(), 3).Pipeline()

	var names []string
	for _, sub := range p.Root.SubAgents() {
		names = append(names, sub.Name())
	}
	assert.Equal(t, []string{SectionPlannerName, SectionResearcherName, RefinementLoopName, ReportComposerName}, names)
	assert.Equal(t, 3, p.RefinementLoop.MaxIterations())
	assert.Equal(t, StateResearchEvaluation, p.Evaluator.OutputKey())
	assert.Equal(t, StateResearchFindings, p.EnhancedSearch.OutputKey())
}

func TestPlannerPlansThenExecutesOnApproval(t *testing.T) {
	script := newTravelScript(GradeFail, GradePass)
	model := llmtest.NewScriptedModel().On(script.respond)
	planner := newPlanner(t, model, 5)

	rec := &events.Recorder{}
	runner := agents.NewRunner(planner, rec, logger.CreateDiscardLogger())
	session := agents.NewSession("trip-1")
	ctx := context.Background()

	_, err := runner.Run(ctx, session, "Plan a luxury weekend in Paris")
	require.NoError(t, err)

	turn := LastTurn(session.State)
	assert.Equal(t, ActionPlan, turn.Action)
	assert.Contains(t, turn.Plan, "[RESEARCH] Find luxury hotels in Paris")
	assert.Empty(t, turn.Report)
	assert.Equal(t, 0, script.count(markerRouter), "the first message always plans")
	assert.Len(t, rec.OfType(events.PlanProposed), 1)
	assert.Equal(t, turn.Plan, agents.FinalResponse(session, PlannerName))

	_, err = runner.Run(ctx, session, "Looks good, run it")
	require.NoError(t, err)

	turn = LastTurn(session.State)
	assert.Equal(t, ActionExecute, turn.Action)
	assert.Equal(t, "# Hotels\nLe Bristol [Le Bristol Paris](https://lebristol.example).\n# Cafes\nCafe Charlot [charlot.example](https://charlot.example) and a ghost.", turn.Report)
	assert.Equal(t, turn.Report, agents.FinalResponse(session, ReportComposerName))

	assert.Equal(t, 1, script.count(markerRouter))
	assert.Equal(t, 1, script.count(markerResearcher))
	assert.Equal(t, 2, script.count(markerEvaluator))
	assert.Equal(t, 1, script.count(markerEnhanced), "the passing evaluation skips the second search pass")
	assert.Equal(t, 1, script.count(markerComposer))

	sources, err := SourcesFromState(session.State)
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	assert.Len(t, rec.OfType(events.LoopIteration), 2)
	assert.Len(t, rec.OfType(events.Escalation), 1)
	assert.Len(t, rec.OfType(events.SourcesCollected), 2)
	assert.Len(t, rec.OfType(events.CitationRemoved), 1)
	assert.Len(t, rec.OfType(events.ReportReady), 1)
	assert.Empty(t, rec.OfType(events.AgentError))

	for _, call := range model.Calls() {
		system := call.System()
		switch {
		case strings.Contains(system, markerEvaluator):
			assert.Equal(t, "gemini-2.5-pro", call.Options.Model)
			assert.NotNil(t, call.Options.ResponseSchema)
		case strings.Contains(system, markerComposer):
			assert.Equal(t, "gemini-2.5-pro", call.Options.Model)
			assert.Contains(t, system, `"src-1"`)
			assert.Len(t, call.Messages, 2, "the composer sees no conversation history")
		case strings.Contains(system, markerResearcher):
			assert.Equal(t, "gemini-2.5-flash", call.Options.Model)
			assert.True(t, call.Options.GoogleSearch)
			assert.True(t, call.Options.IncludeThoughts)
		}
	}
}

func TestPipelineStopsAtMaxIterations(t *testing.T) {
	script := newTravelScript(GradeFail, GradeFail, GradeFail)
	model := llmtest.NewScriptedModel().On(script.respond)
	planner := newPlanner(t, model, 2)

	session := agents.NewSession("trip-2")
	inv := agents.NewInvocation(session, "", nil, logger.CreateDiscardLogger())
	require.NoError(t, planner.ExecutePlan(context.Background(), inv, "* [RESEARCH] Find hotels in Paris"))

	assert.Equal(t, 2, script.count(markerEvaluator))
	assert.Equal(t, 2, script.count(markerEnhanced))
	assert.NotEmpty(t, FinalReport(session.State))
}

func TestPlannerRefinesWhenNotApproved(t *testing.T) {
	script := newTravelScript()
	script.routerReply = `{"action":"plan","request":"Add budget cafes"}`
	model := llmtest.NewScriptedModel().On(script.respond)
	planner := newPlanner(t, model, 5)

	session := agents.NewSession("trip-3")
	session.State.Set(StateResearchPlan, "* [RESEARCH] Find hotels in Paris")
	runner := agents.NewRunner(planner, nil, logger.CreateDiscardLogger())

	_, err := runner.Run(context.Background(), session, "Can you add budget cafes?")
	require.NoError(t, err)

	assert.Equal(t, ActionPlan, LastTurn(session.State).Action)
	assert.Equal(t, 0, script.count(markerResearcher))

	var planCall *llmtest.Call
	for _, call := range model.Calls() {
		if strings.Contains(call.System(), markerPlanGenerator) {
			c := call
			planCall = &c
		}
	}
	require.NotNil(t, planCall)
	assert.Contains(t, planCall.System(), "* [RESEARCH] Find hotels in Paris", "the current plan is shown to the generator")
	assert.Equal(t, "Add budget cafes", planCall.Messages[len(planCall.Messages)-1].Text())
}

func TestPlannerRouterFallsBackToPlanning(t *testing.T) {
	script := newTravelScript()
	script.routerReply = "Sure, I'll start right away!"
	model := llmtest.NewScriptedModel().On(script.respond)
	planner := newPlanner(t, model, 5)

	session := agents.NewSession("trip-4")
	session.State.Set(StateResearchPlan, "* [RESEARCH] Find hotels in Paris")
	inv := agents.NewInvocation(session, "", nil, logger.CreateDiscardLogger())

	decision, err := planner.Decide(context.Background(), inv, "go")
	require.NoError(t, err)
	assert.Equal(t, PlannerDecision{Action: ActionPlan, Request: "go"}, decision)
	assert.Equal(t, 3, script.count(markerRouter))
}

func TestExecuteWithoutPlan(t *testing.T) {
	planner := newPlanner(t, llmtest.NewScriptedModel(), 5)
	inv := agents.NewInvocation(agents.NewSession("trip-5"), "", nil, logger.CreateDiscardLogger())

	assert.ErrorIs(t, planner.Execute(context.Background(), inv), ErrNoPlan)
	assert.ErrorIs(t, planner.ExecutePlan(context.Background(), inv, "  "), ErrNoPlan)
}

func TestEvaluatorFailurePropagates(t *testing.T) {
	script := newTravelScript()
	model := llmtest.NewScriptedModel().On(func(call llmtest.Call) (*llmtypes.ContentChoice, error) {
		if strings.Contains(call.System(), markerEvaluator) {
			return &llmtypes.ContentChoice{Content: "looks fine to me"}, nil
		}
		return script.respond(call)
	})
	planner := newPlanner(t, model, 5)

	inv := agents.NewInvocation(agents.NewSession("trip-6"), "", nil, logger.CreateDiscardLogger())
	err := planner.ExecutePlan(context.Background(), inv, "* [RESEARCH] Find hotels")
	require.Error(t, err)
	assert.ErrorIs(t, err, agents.ErrInvalidStructuredOutput)
	assert.Equal(t, 0, script.count(markerComposer))
}
