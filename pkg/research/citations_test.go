package research

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxmap/pkg/agents"
	"luxmap/pkg/events"
	"luxmap/pkg/logger"
)

func testSources() map[string]Source {
	return map[string]Source{
		"src-1": {ShortID: "src-1", Title: "Le Bristol Paris", URL: "https://lebristol.example", Domain: "lebristol.example"},
		"src-2": {ShortID: "src-2", URL: "https://cafes.example", Domain: "cafes.example"},
		"src-3": {ShortID: "src-3", URL: "https://bare.example"},
	}
}

func TestReplaceCitations(t *testing.T) {
	tests := []struct {
		name      string
		report    string
		want      string
		citations int
		removed   int
	}{
		{
			name:      "double quotes",
			report:    `Stay at Le Bristol<cite source="src-1" />.`,
			want:      `Stay at Le Bristol [Le Bristol Paris](https://lebristol.example).`,
			citations: 1,
		},
		{
			name:      "single quotes and loose spacing",
			report:    `Great coffee<cite  source = 'src-2'  /> and more`,
			want:      `Great coffee [cafes.example](https://cafes.example) and more`,
			citations: 1,
		},
		{
			name:      "unquoted id falls back to short id",
			report:    `Somewhere<cite source=src-3/>, somehow`,
			want:      `Somewhere [src-3](https://bare.example), somehow`,
			citations: 1,
		},
		{
			name:    "unknown source removed",
			report:  `A claim <cite source="src-42" /> ; next`,
			want:    `A claim; next`,
			removed: 1,
		},
		{
			name:   "whitespace before punctuation collapsed",
			report: "Done . Really :",
			want:   "Done. Really:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReplaceCitations(tt.report, testSources())
			assert.Equal(t, tt.want, got.Report)
			assert.Equal(t, tt.citations, got.Citations)
			assert.Len(t, got.Removed, tt.removed)
		})
	}
}

func TestCitationCallbackStoresReport(t *testing.T) {
	session := agents.NewSession("s1")
	session.State.Set(StateSources, testSources())
	session.State.Set(StateFinalCitedReport, `Stay here<cite source="src-1" />. Not here<cite source="src-9" />.`)

	rec := &events.Recorder{}
	inv := agents.NewInvocation(session, "", rec, logger.CreateDiscardLogger())

	out, err := CitationCallback(context.Background(), &agents.CallbackContext{AgentName: ReportComposerName, Invocation: inv})
	require.NoError(t, err)

	want := "Stay here [Le Bristol Paris](https://lebristol.example). Not here."
	assert.Equal(t, want, out)
	assert.Equal(t, want, session.State.GetString(StateReportWithCitations))
	assert.Equal(t, want, FinalReport(session.State))

	require.Len(t, rec.OfType(events.CitationRemoved), 1)
	ready := rec.OfType(events.ReportReady)
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].Data.(*events.ReportReadyEvent).Citations)
}

func TestFinalReportFallsBackToRawReport(t *testing.T) {
	state := agents.NewState()
	assert.Empty(t, FinalReport(state))
	state.Set(StateFinalCitedReport, "raw")
	assert.Equal(t, "raw", FinalReport(state))
}

func TestFeedbackValidate(t *testing.T) {
	fb, err := ParseFeedback([]byte(`{"grade":"fail","comment":"no budget options","follow_up_queries":[{"search_query":"cheap hostels Paris"}]}`))
	require.NoError(t, err)
	assert.False(t, fb.Passed())
	assert.Equal(t, "cheap hostels Paris", fb.FollowUpQueries[0].SearchQuery)

	for name, raw := range map[string]string{
		"bad grade":     `{"grade":"maybe","comment":"x"}`,
		"no comment":    `{"grade":"pass"}`,
		"empty query":   `{"grade":"fail","comment":"x","follow_up_queries":[{"search_query":""}]}`,
		"not an object": `["pass"]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFeedback([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidFeedback)
		})
	}
}

func TestFeedbackAllowsEmptyComment(t *testing.T) {
	fb, err := ParseFeedback([]byte(`{"grade":"pass","comment":""}`))
	require.NoError(t, err)
	assert.True(t, fb.Passed())
	assert.Empty(t, fb.Comment)
}

func TestFeedbackSchema(t *testing.T) {
	schema := FeedbackSchema()
	assert.Equal(t, "Feedback", schema.Name)
	assert.Equal(t, "object", schema.Schema["type"])
	assert.NotContains(t, schema.Schema, "$schema")

	props, ok := schema.Schema["properties"].(map[string]any)
	require.True(t, ok)
	grade, ok := props["grade"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"pass", "fail"}, grade["enum"])
	assert.ElementsMatch(t, []any{"grade", "comment"}, schema.Schema["required"])

	assert.NoError(t, schema.Validate([]byte(`{"grade":"pass","comment":"thorough"}`)))
	assert.Error(t, schema.Validate([]byte(`{"grade":"meh","comment":"x"}`)))
}

func TestEscalationChecker(t *testing.T) {
	tests := []struct {
		name       string
		evaluation any
		escalate   bool
	}{
		{name: "missing evaluation", evaluation: nil},
		{name: "failing evaluation", evaluation: map[string]any{"grade": "fail", "comment": "thin"}},
		{name: "passing evaluation", evaluation: map[string]any{"grade": "pass", "comment": "great"}, escalate: true},
		{name: "passing evaluation as json text", evaluation: `{"grade":"pass","comment":"great"}`, escalate: true},
		{name: "undecodable evaluation", evaluation: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := agents.NewSession("s1")
			if tt.evaluation != nil {
				session.State.Set(StateResearchEvaluation, tt.evaluation)
			}
			inv := agents.NewInvocation(session, "", nil, logger.CreateDiscardLogger())

			require.NoError(t, NewEscalationChecker(EscalationCheckerName).Run(context.Background(), inv))
			assert.Equal(t, tt.escalate, inv.Escalated())
			require.Len(t, session.Events(), 1)
			assert.Equal(t, EscalationCheckerName, session.Events()[0].Author)
		})
	}
}
