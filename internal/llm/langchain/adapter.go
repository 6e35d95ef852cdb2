package langchain

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
)

// Adapter exposes a langchaingo model through llmtypes.Model. It backs the
// openai, anthropic and ollama providers.
type Adapter struct {
	llm      llms.Model
	provider string
	logger   utils.ExtendedLogger
}

// NewAdapter wraps a langchaingo model.
func NewAdapter(llm llms.Model, provider string, logger utils.ExtendedLogger) *Adapter {
	return &Adapter{llm: llm, provider: provider, logger: logger}
}

// GenerateContent implements llmtypes.Model.
func (a *Adapter) GenerateContent(ctx context.Context, messages []llmtypes.MessageContent, options ...llmtypes.CallOption) (*llmtypes.ContentResponse, error) {
	opts := llmtypes.ApplyOptions(options...)

	if opts.GoogleSearch {
		a.logger.Warnf("⚠️ [%s] search grounding is not supported by this provider, answering from model knowledge", a.provider)
	}

	var callOpts []llms.CallOption
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.JSONMode && !opts.GoogleSearch {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := a.llm.GenerateContent(ctx, convertMessages(messages), callOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s generate content: %w", a.provider, err)
	}

	return convertResponse(resp), nil
}

func convertMessages(messages []llmtypes.MessageContent) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		role := llms.ChatMessageTypeHuman
		switch msg.Role {
		case llmtypes.ChatMessageTypeSystem:
			role = llms.ChatMessageTypeSystem
		case llmtypes.ChatMessageTypeAI:
			role = llms.ChatMessageTypeAI
		}

		parts := make([]llms.ContentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			if tc, ok := part.(llmtypes.TextContent); ok {
				parts = append(parts, llms.TextContent{Text: tc.Text})
			}
		}
		out = append(out, llms.MessageContent{Role: role, Parts: parts})
	}
	return out
}

func convertResponse(resp *llms.ContentResponse) *llmtypes.ContentResponse {
	out := &llmtypes.ContentResponse{}
	if resp == nil {
		return out
	}
	for _, choice := range resp.Choices {
		if choice == nil {
			continue
		}
		out.Choices = append(out.Choices, &llmtypes.ContentChoice{
			Content:    choice.Content,
			StopReason: choice.StopReason,
			Usage:      usageFromGenerationInfo(choice.GenerationInfo),
		})
	}
	return out
}

// usageFromGenerationInfo reads the token counters providers put into
// GenerationInfo. OpenAI reports Prompt/Completion tokens, Anthropic reports
// Input/Output tokens.
func usageFromGenerationInfo(info map[string]any) *llmtypes.Usage {
	if len(info) == 0 {
		return nil
	}

	input := firstInt(info, "PromptTokens", "InputTokens", "prompt_tokens", "input_tokens")
	output := firstInt(info, "CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens")
	total := firstInt(info, "TotalTokens", "total_tokens")
	if input == 0 && output == 0 && total == 0 {
		return nil
	}
	if total == 0 {
		total = input + output
	}
	return &llmtypes.Usage{InputTokens: input, OutputTokens: output, TotalTokens: total}
}

func firstInt(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
