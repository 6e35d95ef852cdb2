// Package research assembles the LuxMap travel research agents: the plan
// generator, the research pipeline with its refinement loop, and the
// interactive planner that sits in front of both.
package research

import (
	"fmt"
	"time"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
	"luxmap/pkg/agents"
	"luxmap/pkg/config"
)

// State keys written by the pipeline agents.
const (
	StateResearchPlan     = "research_plan"
	StateReportSections   = "report_sections"
	StateResearchFindings = "section_research_findings"
)

// Agent names
const (
	PlanGeneratorName     = "plan_generator"
	SectionPlannerName    = "section_planner"
	SectionResearcherName = "section_researcher"
	EvaluatorName         = "research_evaluator"
	EscalationCheckerName = "escalation_checker"
	EnhancedSearchName    = "enhanced_search_executor"
	ReportComposerName    = "report_composer_with_citations"
	RefinementLoopName    = "iterative_refinement_loop"
	PipelineName          = "research_pipeline"
	PlannerName           = "interactive_planner_agent"
)

// PipelineConfig wires the research agents to a model.
type PipelineConfig struct {
	Research config.ResearchConfiguration
	Model    llmtypes.Model
	Logger   utils.ExtendedLogger
	// Now drives {{.current_date}}; defaults to time.Now.
	Now func() time.Time
}

// Pipeline holds the research agents.
type Pipeline struct {
	PlanGenerator     *agents.LLMAgent
	SectionPlanner    *agents.LLMAgent
	SectionResearcher *agents.LLMAgent
	Evaluator         *agents.LLMAgent
	EscalationChecker *EscalationChecker
	EnhancedSearch    *agents.LLMAgent
	ReportComposer    *agents.LLMAgent
	RefinementLoop    *agents.LoopAgent
	// Root runs the approved plan end to end.
	Root *agents.SequentialAgent
}

// NewResearchPipeline builds the agents and the sequential research pipeline:
// section planner, section researcher, refinement loop, report composer.
func NewResearchPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("research pipeline: model is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("research pipeline: logger is required")
	}
	if cfg.Research.MaxSearchIterations < 1 {
		return nil, fmt.Errorf("research pipeline: max_search_iterations must be at least 1, got %d", cfg.Research.MaxSearchIterations)
	}

	build := func(c agents.LLMAgentConfig) (*agents.LLMAgent, error) {
		c.Model = cfg.Model
		c.Logger = cfg.Logger
		c.Now = cfg.Now
		return agents.NewLLMAgent(c)
	}

	p := &Pipeline{}
	var err error

	if p.PlanGenerator, err = build(agents.LLMAgentConfig{
		Name:         PlanGeneratorName,
		Description:  "Generates a 5-line action-oriented travel plan based on the user's request.",
		ModelID:      cfg.Research.WorkerModel,
		Instruction:  planGeneratorPrompt,
		GoogleSearch: true,
	}); err != nil {
		return nil, err
	}

	if p.SectionPlanner, err = build(agents.LLMAgentConfig{
		Name:        SectionPlannerName,
		Description: "Breaks down the travel plan into a structured markdown outline of report sections.",
		ModelID:     cfg.Research.WorkerModel,
		Instruction: sectionPlannerPrompt,
		OutputKey:   StateReportSections,
	}); err != nil {
		return nil, err
	}

	if p.SectionResearcher, err = build(agents.LLMAgentConfig{
		Name:            SectionResearcherName,
		Description:     "Performs the first pass of web research for the travel destination.",
		ModelID:         cfg.Research.WorkerModel,
		Instruction:     sectionResearcherPrompt,
		GoogleSearch:    true,
		IncludeThoughts: true,
		OutputKey:       StateResearchFindings,
		AfterAgent:      CollectSourcesCallback,
	}); err != nil {
		return nil, err
	}

	if p.Evaluator, err = build(agents.LLMAgentConfig{
		Name:         EvaluatorName,
		Description:  "Critically evaluates travel research and generates follow-up queries.",
		ModelID:      cfg.Research.CriticModel,
		Instruction:  researchEvaluatorPrompt,
		OutputKey:    StateResearchEvaluation,
		OutputSchema: FeedbackSchema(),
	}); err != nil {
		return nil, err
	}

	p.EscalationChecker = NewEscalationChecker(EscalationCheckerName)

	if p.EnhancedSearch, err = build(agents.LLMAgentConfig{
		Name:            EnhancedSearchName,
		Description:     "Executes follow-up searches and integrates new findings.",
		ModelID:         cfg.Research.WorkerModel,
		Instruction:     enhancedSearchPrompt,
		GoogleSearch:    true,
		IncludeThoughts: true,
		OutputKey:       StateResearchFindings,
		AfterAgent:      CollectSourcesCallback,
	}); err != nil {
		return nil, err
	}

	if p.ReportComposer, err = build(agents.LLMAgentConfig{
		Name:            ReportComposerName,
		Description:     "Turns research findings and the outline into a final, cited travel report.",
		ModelID:         cfg.Research.CriticModel,
		Instruction:     reportComposerPrompt,
		IncludeContents: agents.IncludeContentsNone,
		OutputKey:       StateFinalCitedReport,
		AfterAgent:      CitationCallback,
	}); err != nil {
		return nil, err
	}

	if p.RefinementLoop, err = agents.NewLoopAgent(RefinementLoopName,
		"Evaluates the findings and runs follow-up searches until they pass.",
		cfg.Research.MaxSearchIterations,
		p.Evaluator, p.EscalationChecker, p.EnhancedSearch,
	); err != nil {
		return nil, err
	}

	p.Root = agents.NewSequentialAgent(PipelineName,
		"Executes a pre-approved travel plan: iterative research, evaluation and a final cited report.",
		p.SectionPlanner, p.SectionResearcher, p.RefinementLoop, p.ReportComposer,
	)
	return p, nil
}
