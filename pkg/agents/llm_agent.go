package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
)

// IncludeContents selects how much session history an LLMAgent sends.
type IncludeContents string

const (
	// IncludeContentsDefault sends the session conversation.
	IncludeContentsDefault IncludeContents = "default"
	// IncludeContentsNone sends only the instruction and the current user turn.
	IncludeContentsNone IncludeContents = "none"
)

// CurrentDateKey is available to every instruction template.
const CurrentDateKey = "current_date"

// CallbackContext is handed to after-agent callbacks.
type CallbackContext struct {
	AgentName  string
	Invocation *Invocation
}

// State returns the session state.
func (c *CallbackContext) State() *State {
	return c.Invocation.Session.State
}

// Events returns the session history.
func (c *CallbackContext) Events() []*Event {
	return c.Invocation.Session.Events()
}

// AfterAgentCallback runs after the agent produced its reply. A non-empty
// return value is emitted as an additional event from the agent and becomes
// its final response.
type AfterAgentCallback func(ctx context.Context, cc *CallbackContext) (string, error)

// LLMAgentConfig configures an LLMAgent.
type LLMAgentConfig struct {
	Name        string
	Description string
	Model       llmtypes.Model
	ModelID     string
	// Instruction is a text/template rendered against the session state.
	// {{.key}} requires the key; {{optional "key"}} renders "" when unset;
	// {{json .key}} renders a value as JSON.
	Instruction     string
	GoogleSearch    bool
	IncludeThoughts bool
	OutputKey       string
	OutputSchema    *OutputSchema
	IncludeContents IncludeContents
	AfterAgent      AfterAgentCallback
	// MaxSchemaRetries bounds re-asks when OutputSchema is not satisfied.
	MaxSchemaRetries int
	Logger           utils.ExtendedLogger
	// Now is used for {{.current_date}}; defaults to time.Now.
	Now func() time.Time
}

// LLMAgent renders its instruction, calls the model and records the reply.
type LLMAgent struct {
	cfg         LLMAgentConfig
	instruction *template.Template
}

// NewLLMAgent parses the instruction template and validates the config.
func NewLLMAgent(cfg LLMAgentConfig) (*LLMAgent, error) {
	if cfg.Name == "" {
		return nil, errors.New("llm agent: name is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("llm agent %s: model is required", cfg.Name)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("llm agent %s: logger is required", cfg.Name)
	}
	if cfg.IncludeContents == "" {
		cfg.IncludeContents = IncludeContentsDefault
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OutputSchema != nil && cfg.MaxSchemaRetries == 0 {
		cfg.MaxSchemaRetries = 2
	}

	tmpl, err := template.New(cfg.Name).
		Option("missingkey=error").
		Funcs(instructionFuncs(nil)).
		Parse(cfg.Instruction)
	if err != nil {
		return nil, fmt.Errorf("llm agent %s: parse instruction: %w", cfg.Name, err)
	}

	return &LLMAgent{cfg: cfg, instruction: tmpl}, nil
}

// Name implements Agent.
func (a *LLMAgent) Name() string { return a.cfg.Name }

// Description implements Agent.
func (a *LLMAgent) Description() string { return a.cfg.Description }

// OutputKey returns the state key the reply is stored under.
func (a *LLMAgent) OutputKey() string { return a.cfg.OutputKey }

func instructionFuncs(values map[string]any) template.FuncMap {
	return template.FuncMap{
		"optional": func(key string) any {
			if v, ok := values[key]; ok && v != nil {
				return v
			}
			return ""
		},
		"json": func(v any) (string, error) {
			if s, ok := v.(string); ok {
				return s, nil
			}
			raw, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return "", err
			}
			return string(raw), nil
		},
	}
}

// RenderInstruction renders the instruction against the session state.
func (a *LLMAgent) RenderInstruction(state *State) (string, error) {
	values := state.Snapshot()
	values[CurrentDateKey] = a.cfg.Now().Format("2006-01-02")

	tmpl, err := a.instruction.Clone()
	if err != nil {
		return "", err
	}
	tmpl.Funcs(instructionFuncs(values))

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", fmt.Errorf("%w: %v", ErrMissingStateKey, err)
		}
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Run implements Agent.
func (a *LLMAgent) Run(ctx context.Context, inv *Invocation) error {
	instruction, err := a.RenderInstruction(inv.State())
	if err != nil {
		return err
	}

	messages := []llmtypes.MessageContent{llmtypes.TextPart(llmtypes.ChatMessageTypeSystem, instruction)}
	messages = append(messages, a.contents(inv)...)

	options := []llmtypes.CallOption{}
	if a.cfg.ModelID != "" {
		options = append(options, llmtypes.WithModel(a.cfg.ModelID))
	}
	if a.cfg.GoogleSearch {
		options = append(options, llmtypes.WithGoogleSearch())
	}
	if a.cfg.IncludeThoughts {
		options = append(options, llmtypes.WithThoughts())
	}

	event := NewEvent(a.cfg.Name)
	var stored any

	if a.cfg.OutputSchema != nil {
		generator := NewStructuredOutputGenerator(a.cfg.Model, StructuredOutputConfig{MaxRetries: a.cfg.MaxSchemaRetries}, a.cfg.Logger)
		cleaned, decoded, choice, err := generator.Generate(ctx, messages, a.cfg.OutputSchema, options...)
		if err != nil {
			return err
		}
		event.Content = cleaned
		event.Thoughts = choice.Thoughts
		stored = decoded
	} else {
		resp, err := a.cfg.Model.GenerateContent(ctx, messages, options...)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 || resp.Choices[0] == nil {
			return errors.New("model returned no choices")
		}
		choice := resp.Choices[0]
		event.Content = choice.Content
		event.Thoughts = choice.Thoughts
		event.Grounding = choice.Grounding
		stored = choice.Content
	}

	if a.cfg.OutputKey != "" {
		event.Actions.StateDelta = map[string]any{a.cfg.OutputKey: stored}
	}

	a.cfg.Logger.Infof("📝 [%s] produced %d chars (grounded: %t)", a.cfg.Name, len(event.Content), event.Grounding.HasChunks())
	inv.Emit(ctx, event)

	if a.cfg.AfterAgent != nil {
		replacement, err := a.cfg.AfterAgent(ctx, &CallbackContext{AgentName: a.cfg.Name, Invocation: inv})
		if err != nil {
			return fmt.Errorf("after agent callback: %w", err)
		}
		if replacement != "" {
			follow := NewEvent(a.cfg.Name)
			follow.Content = replacement
			inv.Emit(ctx, follow)
		}
	}
	return nil
}

// contents builds the conversation part of the prompt.
func (a *LLMAgent) contents(inv *Invocation) []llmtypes.MessageContent {
	var out []llmtypes.MessageContent

	if a.cfg.IncludeContents == IncludeContentsDefault {
		for _, e := range inv.Session.Events() {
			if e.Content == "" {
				continue
			}
			switch e.Author {
			case AuthorUser:
				out = append(out, llmtypes.TextPart(llmtypes.ChatMessageTypeHuman, e.Content))
			case a.cfg.Name:
				out = append(out, llmtypes.TextPart(llmtypes.ChatMessageTypeAI, e.Content))
			default:
				out = append(out, llmtypes.TextPart(llmtypes.ChatMessageTypeHuman,
					fmt.Sprintf("For context:\n[%s] said: %s", e.Author, e.Content)))
			}
		}
	}

	if len(out) == 0 {
		turn := inv.UserContent
		if turn == "" {
			turn = "Continue."
		}
		out = append(out, llmtypes.TextPart(llmtypes.ChatMessageTypeHuman, turn))
	}
	return out
}
