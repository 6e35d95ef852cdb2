package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"luxmap/pkg/agents"
)

// ErrInvalidFeedback is returned when an evaluation does not satisfy the
// Feedback contract.
var ErrInvalidFeedback = errors.New("invalid feedback")

// Grades
const (
	GradePass = "pass"
	GradeFail = "fail"
)

// SearchQuery is a targeted follow-up web search.
type SearchQuery struct {
	SearchQuery string `json:"search_query" jsonschema_description:"A highly specific and targeted query for web search."`
}

// Feedback is the evaluator's verdict on the current findings.
type Feedback struct {
	Grade           string        `json:"grade" jsonschema:"enum=pass,enum=fail" jsonschema_description:"Evaluation result. 'pass' if the research is sufficient, 'fail' if it needs revision."`
	Comment         string        `json:"comment" jsonschema_description:"Detailed explanation of the evaluation, highlighting strengths and weaknesses of the research."`
	FollowUpQueries []SearchQuery `json:"follow_up_queries,omitempty" jsonschema_description:"Specific follow-up search queries needed to fix research gaps. Empty when the grade is 'pass'."`
}

// Validate checks the grade and the follow-up queries. An empty comment is
// allowed.
func (f *Feedback) Validate() error {
	switch f.Grade {
	case GradePass, GradeFail:
	default:
		return fmt.Errorf("%w: grade must be %q or %q, got %q", ErrInvalidFeedback, GradePass, GradeFail, f.Grade)
	}
	for i, q := range f.FollowUpQueries {
		if strings.TrimSpace(q.SearchQuery) == "" {
			return fmt.Errorf("%w: follow_up_queries[%d] is empty", ErrInvalidFeedback, i)
		}
	}
	return nil
}

// Passed reports whether the research was graded sufficient.
func (f *Feedback) Passed() bool {
	return f != nil && f.Grade == GradePass
}

// ParseFeedback decodes and validates raw evaluator JSON. The grade and
// comment keys must be present.
func ParseFeedback(raw []byte) (*Feedback, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	for _, key := range []string{"grade", "comment"} {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidFeedback, key)
		}
	}

	var f Feedback
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// FeedbackSchema is the structured output contract of the evaluator.
func FeedbackSchema() *agents.OutputSchema {
	return &agents.OutputSchema{
		Name:   "Feedback",
		Schema: schemaFor(&Feedback{}),
		Validate: func(raw []byte) error {
			_, err := ParseFeedback(raw)
			return err
		},
	}
}

// schemaFor reflects v into an inline JSON schema object.
func schemaFor(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("decode schema for %T: %v", v, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
