package events

import "time"

// SessionStartEvent marks a new user-facing research session.
type SessionStartEvent struct {
	Title string `json:"title"`
}

func (e *SessionStartEvent) GetEventType() EventType { return SessionStart }

// SessionEndEvent closes a session.
type SessionEndEvent struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (e *SessionEndEvent) GetEventType() EventType { return SessionEnd }

// UserMessageEvent carries a message typed by the user.
type UserMessageEvent struct {
	Content string `json:"content"`
}

func (e *UserMessageEvent) GetEventType() EventType { return UserMessage }

// AgentStartEvent is emitted when an agent begins running.
type AgentStartEvent struct {
	AgentName   string `json:"agent_name"`
	Description string `json:"description,omitempty"`
}

func (e *AgentStartEvent) GetEventType() EventType { return AgentStart }

// AgentEndEvent is emitted when an agent finishes without error.
type AgentEndEvent struct {
	AgentName string        `json:"agent_name"`
	Duration  time.Duration `json:"duration"`
}

func (e *AgentEndEvent) GetEventType() EventType { return AgentEnd }

// AgentErrorEvent is emitted when an agent fails.
type AgentErrorEvent struct {
	AgentName string        `json:"agent_name"`
	Error     string        `json:"error"`
	Duration  time.Duration `json:"duration"`
}

func (e *AgentErrorEvent) GetEventType() EventType { return AgentError }

// AgentOutputEvent carries the text an agent produced.
type AgentOutputEvent struct {
	AgentName string `json:"agent_name"`
	OutputKey string `json:"output_key,omitempty"`
	Content   string `json:"content"`
	Thoughts  string `json:"thoughts,omitempty"`
	Grounded  bool   `json:"grounded"`
}

func (e *AgentOutputEvent) GetEventType() EventType { return AgentOutput }

// LLMGenerationStartEvent is emitted before a model call.
type LLMGenerationStartEvent struct {
	Provider        string `json:"provider"`
	ModelID         string `json:"model_id"`
	Messages        int    `json:"messages"`
	EstimatedTokens int    `json:"estimated_tokens"`
	GoogleSearch    bool   `json:"google_search"`
	Attempt         int    `json:"attempt"`
}

func (e *LLMGenerationStartEvent) GetEventType() EventType { return LLMGenerationStart }

// LLMGenerationEndEvent is emitted after a successful model call.
type LLMGenerationEndEvent struct {
	Provider string        `json:"provider"`
	ModelID  string        `json:"model_id"`
	Duration time.Duration `json:"duration"`
	Content  int           `json:"content_length"`
}

func (e *LLMGenerationEndEvent) GetEventType() EventType { return LLMGenerationEnd }

// LLMGenerationErrorEvent is emitted when a model call fails.
type LLMGenerationErrorEvent struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}

func (e *LLMGenerationErrorEvent) GetEventType() EventType { return LLMGenerationError }

// TokenUsageEvent reports token counts for one model call.
type TokenUsageEvent struct {
	ModelID      string `json:"model_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	Estimated    bool   `json:"estimated"`
}

func (e *TokenUsageEvent) GetEventType() EventType { return TokenUsage }

// LoopIterationEvent is emitted at the start of each loop round.
type LoopIterationEvent struct {
	LoopName      string `json:"loop_name"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
}

func (e *LoopIterationEvent) GetEventType() EventType { return LoopIteration }

// EscalationEvent is emitted when an agent asks its enclosing loop to stop.
type EscalationEvent struct {
	AgentName string `json:"agent_name"`
	Reason    string `json:"reason"`
}

func (e *EscalationEvent) GetEventType() EventType { return Escalation }

// PlanProposedEvent carries a new or refined research plan.
type PlanProposedEvent struct {
	Plan string `json:"plan"`
}

func (e *PlanProposedEvent) GetEventType() EventType { return PlanProposed }

// SourcesCollectedEvent summarises a source collection pass.
type SourcesCollectedEvent struct {
	NewSources   int `json:"new_sources"`
	TotalSources int `json:"total_sources"`
	Claims       int `json:"claims"`
}

func (e *SourcesCollectedEvent) GetEventType() EventType { return SourcesCollected }

// CitationRemovedEvent reports a citation tag that pointed at no known source.
type CitationRemovedEvent struct {
	Tag string `json:"tag"`
}

func (e *CitationRemovedEvent) GetEventType() EventType { return CitationRemoved }

// ReportReadyEvent is emitted once the cited report is final.
type ReportReadyEvent struct {
	Length    int `json:"length"`
	Citations int `json:"citations"`
}

func (e *ReportReadyEvent) GetEventType() EventType { return ReportReady }
