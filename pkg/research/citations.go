package research

import (
	"context"
	"regexp"

	"luxmap/pkg/agents"
	"luxmap/pkg/events"
)

// State keys of the composer output.
const (
	StateFinalCitedReport    = "final_cited_report"
	StateReportWithCitations = "final_report_with_citations"
)

var (
	citationTag      = regexp.MustCompile(`<cite\s+source\s*=\s*["']?\s*(src-\d+)\s*["']?\s*/>`)
	spaceBeforePunct = regexp.MustCompile(`\s+([.,;:])`)
)

// CitationResult is the outcome of ReplaceCitations.
type CitationResult struct {
	Report    string
	Citations int
	// Removed holds tags that referenced unknown sources.
	Removed []string
}

// ReplaceCitations turns <cite source="src-N" /> tags into markdown links.
// Tags pointing at unknown sources are dropped.
func ReplaceCitations(report string, sources map[string]Source) CitationResult {
	var result CitationResult

	replaced := citationTag.ReplaceAllStringFunc(report, func(tag string) string {
		shortID := citationTag.FindStringSubmatch(tag)[1]
		src, ok := sources[shortID]
		if !ok {
			result.Removed = append(result.Removed, tag)
			return ""
		}
		result.Citations++
		return " [" + src.DisplayText() + "](" + src.URL + ")"
	})

	result.Report = spaceBeforePunct.ReplaceAllString(replaced, "$1")
	return result
}

// CitationCallback is the after-agent hook of the report composer. It
// stores the linked report and returns it as the composer's final answer.
func CitationCallback(ctx context.Context, cc *agents.CallbackContext) (string, error) {
	sources, err := SourcesFromState(cc.State())
	if err != nil {
		return "", err
	}

	result := ReplaceCitations(cc.State().GetString(StateFinalCitedReport), sources)
	log := cc.Invocation.Logger()
	for _, tag := range result.Removed {
		log.Warnf("⚠️ Invalid citation tag found and removed: %s", tag)
		cc.Invocation.Publish(ctx, &events.CitationRemovedEvent{Tag: tag})
	}

	cc.State().Set(StateReportWithCitations, result.Report)
	log.Infof("📄 [%s] report ready: %d chars, %d citations", cc.AgentName, len(result.Report), result.Citations)
	cc.Invocation.Publish(ctx, &events.ReportReadyEvent{Length: len(result.Report), Citations: result.Citations})
	return result.Report, nil
}

// FinalReport returns the linked report, or the raw composer output when
// citations were never processed.
func FinalReport(state *agents.State) string {
	if report := state.GetString(StateReportWithCitations); report != "" {
		return report
	}
	return state.GetString(StateFinalCitedReport)
}
