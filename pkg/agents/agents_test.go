package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxmap/internal/llmtest"
	"luxmap/internal/llmtypes"
	"luxmap/pkg/events"
	"luxmap/pkg/logger"
)

var fixedNow = func() time.Time { return time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC) }

func newAgent(t *testing.T, model llmtypes.Model, cfg LLMAgentConfig) *LLMAgent {
	t.Helper()
	cfg.Model = model
	cfg.Logger = logger.CreateDiscardLogger()
	cfg.Now = fixedNow
	a, err := NewLLMAgent(cfg)
	require.NoError(t, err)
	return a
}

func newInv(session *Session, rec *events.Recorder) *Invocation {
	var emitter events.Emitter
	if rec != nil {
		emitter = rec
	}
	return NewInvocation(session, "", emitter, logger.CreateDiscardLogger())
}

// scriptedAgent emits a fixed event on every run.
type scriptedAgent struct {
	name     string
	escalate func(run int) bool
	runs     int
	err      error
}

func (s *scriptedAgent) Name() string        { return s.name }
func (s *scriptedAgent) Description() string { return "scripted" }
func (s *scriptedAgent) Run(ctx context.Context, inv *Invocation) error {
	s.runs++
	if s.err != nil {
		return s.err
	}
	e := NewEvent(s.name)
	e.Content = s.name
	e.Actions.Escalate = s.escalate != nil && s.escalate(s.runs)
	inv.Emit(ctx, e)
	return nil
}

func TestRenderInstruction(t *testing.T) {
	a := newAgent(t, llmtest.NewScriptedModel(), LLMAgentConfig{
		Name:        "composer",
		Instruction: `Plan: {{optional "research_plan"}} Sources: {{json .sources}} Date: {{.current_date}}`,
	})

	state := NewState()
	state.Set("sources", map[string]any{"src-1": map[string]any{"url": "https://a.example"}})

	out, err := a.RenderInstruction(state)
	require.NoError(t, err)
	assert.Contains(t, out, "Plan:  Sources:")
	assert.Contains(t, out, `"url": "https://a.example"`)
	assert.Contains(t, out, "Date: 2025-07-14")

	state.Set("research_plan", "[RESEARCH] Find rooftop bars")
	out, err = a.RenderInstruction(state)
	require.NoError(t, err)
	assert.Contains(t, out, "Plan: [RESEARCH] Find rooftop bars")
}

func TestRenderInstructionMissingKey(t *testing.T) {
	a := newAgent(t, llmtest.NewScriptedModel(), LLMAgentConfig{
		Name:        "section_planner",
		Instruction: `Outline {{.research_plan}}`,
	})

	_, err := a.RenderInstruction(NewState())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingStateKey)
}

func TestNewLLMAgentValidation(t *testing.T) {
	_, err := NewLLMAgent(LLMAgentConfig{Name: "x", Logger: logger.CreateDiscardLogger()})
	assert.ErrorContains(t, err, "model is required")

	_, err = NewLLMAgent(LLMAgentConfig{Name: "x", Model: llmtest.NewScriptedModel(), Logger: logger.CreateDiscardLogger(), Instruction: "{{.broken"})
	assert.ErrorContains(t, err, "parse instruction")
}

func TestLLMAgentStoresOutputAndPassesOptions(t *testing.T) {
	grounding := &llmtypes.GroundingMetadata{Chunks: []llmtypes.GroundingChunk{{Web: &llmtypes.WebChunk{URI: "https://x.example"}}}}
	model := llmtest.NewScriptedModel().ReplyChoice(&llmtypes.ContentChoice{Content: "findings", Thoughts: "hmm", Grounding: grounding})

	a := newAgent(t, model, LLMAgentConfig{
		Name:            "section_researcher",
		ModelID:         "gemini-2.5-flash",
		Instruction:     "Research {{.research_plan}}",
		GoogleSearch:    true,
		IncludeThoughts: true,
		OutputKey:       "section_research_findings",
	})

	session := NewSession("s1")
	session.State.Set("research_plan", "Lisbon")
	user := NewEvent(AuthorUser)
	user.Content = "go"
	session.AppendEvent(user)
	other := NewEvent("section_planner")
	other.Content = "# Outline"
	session.AppendEvent(other)

	rec := &events.Recorder{}
	require.NoError(t, RunAgent(context.Background(), a, newInv(session, rec)))

	assert.Equal(t, "findings", session.State.GetString("section_research_findings"))

	calls := model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Research Lisbon", calls[0].System())
	assert.Equal(t, "gemini-2.5-flash", calls[0].Options.Model)
	assert.True(t, calls[0].Options.GoogleSearch)
	assert.True(t, calls[0].Options.IncludeThoughts)
	require.Len(t, calls[0].Messages, 3)
	assert.Equal(t, llmtypes.ChatMessageTypeHuman, calls[0].Messages[1].Role)
	assert.Contains(t, calls[0].Messages[2].Text(), "[section_planner] said: # Outline")

	last := session.Events()[len(session.Events())-1]
	assert.Equal(t, "section_researcher", last.Author)
	assert.True(t, last.Grounding.HasChunks())
	assert.Equal(t, "hmm", last.Thoughts)

	assert.Len(t, rec.OfType(events.AgentStart), 1)
	assert.Len(t, rec.OfType(events.AgentOutput), 1)
	assert.Len(t, rec.OfType(events.AgentEnd), 1)
}

func TestLLMAgentIncludeContentsNone(t *testing.T) {
	model := llmtest.NewScriptedModel().Reply("report")
	a := newAgent(t, model, LLMAgentConfig{
		Name:            "report_composer_with_citations",
		Instruction:     "Compose",
		IncludeContents: IncludeContentsNone,
	})

	session := NewSession("s1")
	earlier := NewEvent("section_researcher")
	earlier.Content = "lots of findings"
	session.AppendEvent(earlier)

	require.NoError(t, a.Run(context.Background(), newInv(session, nil)))
	msgs := model.Calls()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Continue.", msgs[1].Text())
}

func TestLLMAgentStructuredOutputRetries(t *testing.T) {
	model := llmtest.NewScriptedModel().
		Reply("I think it passes").
		Reply("```json\n{\"grade\": \"pass\", \"comment\": \"good\"}\n```")

	schema := &OutputSchema{
		Name:   "Feedback",
		Schema: map[string]any{"type": "object"},
		Validate: func(raw []byte) error {
			var v struct{ Grade string }
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if v.Grade == "" {
				return errors.New("grade missing")
			}
			return nil
		},
	}
	a := newAgent(t, model, LLMAgentConfig{
		Name:         "research_evaluator",
		Instruction:  "Evaluate",
		OutputKey:    "research_evaluation",
		OutputSchema: schema,
	})

	session := NewSession("s1")
	require.NoError(t, a.Run(context.Background(), newInv(session, nil)))

	v, ok := session.State.Get("research_evaluation")
	require.True(t, ok)
	assert.Equal(t, "pass", v.(map[string]any)["grade"])

	calls := model.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Options.JSONMode)
	assert.NotNil(t, calls[0].Options.ResponseSchema)
	correction := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, llmtypes.ChatMessageTypeHuman, correction.Role)
	require.Len(t, correction.Parts, 2)
	assert.Contains(t, correction.Parts[0].(llmtypes.TextContent).Text, "not a valid Feedback JSON object")
	assert.Equal(t, retryInstruction, correction.Parts[1].(llmtypes.TextContent).Text)
}

func TestLLMAgentStructuredOutputGivesUp(t *testing.T) {
	model := llmtest.NewScriptedModel().Reply("nope").Reply("still nope")
	a := newAgent(t, model, LLMAgentConfig{
		Name:             "research_evaluator",
		Instruction:      "Evaluate",
		OutputSchema:     &OutputSchema{Name: "Feedback", Schema: map[string]any{"type": "object"}},
		MaxSchemaRetries: 1,
	})

	err := a.Run(context.Background(), newInv(NewSession("s1"), nil))
	assert.ErrorIs(t, err, ErrInvalidStructuredOutput)
}

func TestLLMAgentAfterCallbackReplacesResponse(t *testing.T) {
	model := llmtest.NewScriptedModel().Reply(`Tagged <cite source="src-1" />`)
	a := newAgent(t, model, LLMAgentConfig{
		Name:        "composer",
		Instruction: "Compose",
		OutputKey:   "final_cited_report",
		AfterAgent: func(ctx context.Context, cc *CallbackContext) (string, error) {
			assert.Equal(t, "composer", cc.AgentName)
			report := cc.State().GetString("final_cited_report")
			cc.State().Set("final_report_with_citations", report+"!")
			return report + "!", nil
		},
	})

	session := NewSession("s1")
	require.NoError(t, a.Run(context.Background(), newInv(session, nil)))
	assert.Equal(t, `Tagged <cite source="src-1" />!`, FinalResponse(session, "composer"))
	assert.Len(t, session.Events(), 2)
}

func TestSequentialStopsOnErrorAndEscalation(t *testing.T) {
	boom := errors.New("boom")
	a := &scriptedAgent{name: "a"}
	b := &scriptedAgent{name: "b", err: boom}
	c := &scriptedAgent{name: "c"}

	err := RunAgent(context.Background(), NewSequentialAgent("seq", "", a, b, c), newInv(NewSession("s"), nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.runs)

	esc := &scriptedAgent{name: "esc", escalate: func(int) bool { return true }}
	after := &scriptedAgent{name: "after"}
	inv := newInv(NewSession("s"), nil)
	require.NoError(t, RunAgent(context.Background(), NewSequentialAgent("seq", "", esc, after), inv))
	assert.Equal(t, 0, after.runs)
	assert.True(t, inv.Escalated())
}

func TestLoopAgentEscalationEndsLoopImmediately(t *testing.T) {
	evaluator := &scriptedAgent{name: "evaluator"}
	checker := &scriptedAgent{name: "checker", escalate: func(run int) bool { return run == 2 }}
	executor := &scriptedAgent{name: "executor"}

	loop, err := NewLoopAgent("loop", "", 5, evaluator, checker, executor)
	require.NoError(t, err)

	rec := &events.Recorder{}
	inv := newInv(NewSession("s"), rec)
	require.NoError(t, RunAgent(context.Background(), loop, inv))

	assert.Equal(t, 2, evaluator.runs)
	assert.Equal(t, 2, checker.runs)
	assert.Equal(t, 1, executor.runs)
	assert.False(t, inv.Escalated(), "escalation must not leak past the loop")
	assert.Len(t, rec.OfType(events.LoopIteration), 2)
	assert.Len(t, rec.OfType(events.Escalation), 1)
}

func TestLoopAgentStopsAtMaxIterations(t *testing.T) {
	body := &scriptedAgent{name: "body"}
	loop, err := NewLoopAgent("loop", "", 3, body)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background(), newInv(NewSession("s"), nil)))
	assert.Equal(t, 3, body.runs)

	_, err = NewLoopAgent("loop", "", 0, body)
	assert.Error(t, err)
}

func TestLoopInsideSequenceContinuesAfterEscalation(t *testing.T) {
	checker := &scriptedAgent{name: "checker", escalate: func(int) bool { return true }}
	loop, err := NewLoopAgent("loop", "", 5, checker)
	require.NoError(t, err)
	composer := &scriptedAgent{name: "composer"}

	require.NoError(t, RunAgent(context.Background(), NewSequentialAgent("pipeline", "", loop, composer), newInv(NewSession("s"), nil)))
	assert.Equal(t, 1, checker.runs)
	assert.Equal(t, 1, composer.runs)
}

func TestAgentToolSharesStateNotHistory(t *testing.T) {
	model := llmtest.NewScriptedModel().Reply("* [RESEARCH] Find hotels")
	planner := newAgent(t, model, LLMAgentConfig{
		Name:        "plan_generator",
		Instruction: `Current plan: {{optional "research_plan"}}`,
	})

	session := NewSession("s1")
	session.State.Set("research_plan", "old plan")
	noise := NewEvent("someone")
	noise.Content = "unrelated history"
	session.AppendEvent(noise)

	tool := NewAgentTool(planner)
	out, err := tool.Call(context.Background(), newInv(session, nil), "Plan a trip to Oslo")
	require.NoError(t, err)
	assert.Equal(t, "* [RESEARCH] Find hotels", out)

	call := model.Calls()[0]
	assert.Equal(t, "Current plan: old plan", call.System())
	require.Len(t, call.Messages, 2)
	assert.Equal(t, "Plan a trip to Oslo", call.Messages[1].Text())
	assert.Len(t, session.Events(), 1, "tool run must not write into the caller's history")
}

func TestRunnerRecordsUserMessage(t *testing.T) {
	model := llmtest.NewScriptedModel().Reply("hello back")
	a := newAgent(t, model, LLMAgentConfig{Name: "greeter", Instruction: "Greet"})

	rec := &events.Recorder{}
	session := NewSession("s1")
	_, err := NewRunner(a, rec, logger.CreateDiscardLogger()).Run(context.Background(), session, "hello")
	require.NoError(t, err)

	require.Len(t, session.Events(), 2)
	assert.Equal(t, AuthorUser, session.Events()[0].Author)
	assert.Equal(t, "hello back", FinalResponse(session, "greeter"))
	assert.Len(t, rec.OfType(events.UserMessage), 1)
	for _, e := range rec.Events() {
		assert.Equal(t, "s1", e.SessionID)
	}
}

func TestRunAgentHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := &scriptedAgent{name: "body"}
	err := RunAgent(ctx, body, newInv(NewSession("s"), nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, body.runs)
}

func TestStateDecodeAndJSON(t *testing.T) {
	state := NewState()
	state.Set("evaluation", map[string]any{"grade": "fail", "comment": "thin"})
	state.Set("raw", `{"grade":"pass"}`)

	var fb struct {
		Grade   string `json:"grade"`
		Comment string `json:"comment"`
	}
	ok, err := state.Decode("evaluation", &fb)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fail", fb.Grade)

	ok, err = state.Decode("raw", &fb)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pass", fb.Grade)

	ok, err = state.Decode("missing", &fb)
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := json.Marshal(state)
	require.NoError(t, err)
	restored := NewState()
	require.NoError(t, json.Unmarshal(raw, restored))
	assert.Equal(t, []string{"evaluation", "raw"}, restored.Keys())
}
