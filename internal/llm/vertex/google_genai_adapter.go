package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
)

// ContentGenerator is the subset of *genai.Models the adapter needs.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GoogleGenAIAdapter implements llmtypes.Model using the Google GenAI SDK
// directly. It serves both the Vertex AI and the Gemini API backends and is
// the only adapter able to ground answers with Google Search.
type GoogleGenAIAdapter struct {
	models  ContentGenerator
	modelID string
	logger  utils.ExtendedLogger
}

// NewGoogleGenAIAdapter creates a new adapter instance
func NewGoogleGenAIAdapter(models ContentGenerator, modelID string, logger utils.ExtendedLogger) *GoogleGenAIAdapter {
	return &GoogleGenAIAdapter{
		models:  models,
		modelID: modelID,
		logger:  logger,
	}
}

// GenerateContent implements the llmtypes.Model interface
func (g *GoogleGenAIAdapter) GenerateContent(ctx context.Context, messages []llmtypes.MessageContent, options ...llmtypes.CallOption) (*llmtypes.ContentResponse, error) {
	opts := llmtypes.ApplyOptions(options...)

	modelID := g.modelID
	if opts.Model != "" {
		modelID = opts.Model
	}

	contents, systemInstruction := convertMessages(messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("genai generate content: no user or model messages to send")
	}

	config := buildConfig(opts)
	config.SystemInstruction = systemInstruction

	g.logger.Debugf("🔍 [GENAI] model=%s messages=%d search=%t thoughts=%t json=%t",
		modelID, len(contents), opts.GoogleSearch, opts.IncludeThoughts, opts.JSONMode)

	result, err := g.models.GenerateContent(ctx, modelID, contents, config)
	if err != nil {
		g.logger.Errorf("❌ [GENAI] GenerateContent failed - model: %s, error: %v", modelID, err)
		return nil, fmt.Errorf("genai generate content: %w", err)
	}

	resp := convertResponse(result)
	for i, choice := range resp.Choices {
		if choice.Content == "" {
			g.logger.Warnf("⚠️ [GENAI] Candidate %d has empty content (finish reason: %q)", i, choice.StopReason)
		}
	}
	return resp, nil
}

// convertMessages splits system messages into a system instruction and maps
// the rest onto genai user/model contents.
func convertMessages(messages []llmtypes.MessageContent) ([]*genai.Content, *genai.Content) {
	var systemParts []*genai.Part
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		parts := make([]*genai.Part, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			if tc, ok := part.(llmtypes.TextContent); ok && tc.Text != "" {
				parts = append(parts, genai.NewPartFromText(tc.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}

		if msg.Role == llmtypes.ChatMessageTypeSystem {
			systemParts = append(systemParts, parts...)
			continue
		}

		contents = append(contents, &genai.Content{
			Role:  convertRole(msg.Role),
			Parts: parts,
		})
	}

	var systemInstruction *genai.Content
	if len(systemParts) > 0 {
		systemInstruction = &genai.Content{Parts: systemParts}
	}
	return contents, systemInstruction
}

// convertRole converts llmtypes message role to genai role
func convertRole(role llmtypes.ChatMessageType) string {
	if role == llmtypes.ChatMessageTypeAI {
		return "model"
	}
	return "user"
}

func buildConfig(opts *llmtypes.CallOptions) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if opts.Temperature > 0 {
		temp := float32(opts.Temperature)
		config.Temperature = &temp
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}

	// Gemini rejects search grounding combined with a JSON response type, so
	// search wins and the caller is left to parse JSON out of the text.
	if opts.GoogleSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	} else if opts.JSONMode {
		config.ResponseMIMEType = "application/json"
		if opts.ResponseSchema != nil {
			config.ResponseSchema = convertJSONSchemaToSchema(opts.ResponseSchema)
		}
	}

	if opts.IncludeThoughts {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	return config
}

// convertJSONSchemaToSchema converts a JSON Schema map to genai.Schema.
// genai expects upper-case type names, so "type" values are normalised first.
func convertJSONSchemaToSchema(jsonSchema map[string]any) *genai.Schema {
	normalised := normaliseSchemaTypes(jsonSchema)

	jsonBytes, err := json.Marshal(normalised)
	if err != nil {
		return nil
	}

	var schema genai.Schema
	if err := json.Unmarshal(jsonBytes, &schema); err != nil {
		return nil
	}
	return &schema
}

func normaliseSchemaTypes(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if strings.HasPrefix(key, "$") || key == "additionalProperties" {
				continue
			}
			if key == "type" {
				if s, ok := inner.(string); ok {
					out[key] = strings.ToUpper(s)
					continue
				}
			}
			out[key] = normaliseSchemaTypes(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = normaliseSchemaTypes(inner)
		}
		return out
	default:
		return value
	}
}

// convertResponse converts genai response to llmtypes ContentResponse
func convertResponse(result *genai.GenerateContentResponse) *llmtypes.ContentResponse {
	if result == nil {
		return &llmtypes.ContentResponse{Choices: []*llmtypes.ContentChoice{}}
	}

	var usage *llmtypes.Usage
	if result.UsageMetadata != nil {
		total := int(result.UsageMetadata.TotalTokenCount)
		if total == 0 {
			total = int(result.UsageMetadata.PromptTokenCount + result.UsageMetadata.CandidatesTokenCount)
		}
		usage = &llmtypes.Usage{
			InputTokens:    int(result.UsageMetadata.PromptTokenCount),
			OutputTokens:   int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:    total,
			ThoughtsTokens: int(result.UsageMetadata.ThoughtsTokenCount),
		}
	}

	choices := make([]*llmtypes.ContentChoice, 0, len(result.Candidates))
	for _, candidate := range result.Candidates {
		choice := &llmtypes.ContentChoice{
			StopReason: string(candidate.FinishReason),
			Usage:      usage,
			Grounding:  convertGrounding(candidate.GroundingMetadata),
		}

		if candidate.Content != nil {
			var text, thoughts []string
			for _, part := range candidate.Content.Parts {
				if part == nil || part.Text == "" {
					continue
				}
				if part.Thought {
					thoughts = append(thoughts, part.Text)
				} else {
					text = append(text, part.Text)
				}
			}
			choice.Content = strings.Join(text, "")
			choice.Thoughts = strings.Join(thoughts, "\n")
		}

		choices = append(choices, choice)
	}

	return &llmtypes.ContentResponse{Choices: choices}
}

func convertGrounding(md *genai.GroundingMetadata) *llmtypes.GroundingMetadata {
	if md == nil {
		return nil
	}

	out := &llmtypes.GroundingMetadata{
		WebSearchQueries: md.WebSearchQueries,
	}

	for _, chunk := range md.GroundingChunks {
		converted := llmtypes.GroundingChunk{}
		if chunk != nil && chunk.Web != nil {
			converted.Web = &llmtypes.WebChunk{
				URI:    chunk.Web.URI,
				Title:  chunk.Web.Title,
				Domain: chunk.Web.Domain,
			}
		}
		// Keep non-web chunks as empty placeholders so support indices stay aligned.
		out.Chunks = append(out.Chunks, converted)
	}

	for _, support := range md.GroundingSupports {
		if support == nil {
			continue
		}
		converted := llmtypes.GroundingSupport{}
		if support.Segment != nil {
			converted.Segment = &llmtypes.Segment{Text: support.Segment.Text}
		}
		for _, idx := range support.GroundingChunkIndices {
			converted.ChunkIndices = append(converted.ChunkIndices, int(idx))
		}
		for _, score := range support.ConfidenceScores {
			converted.ConfidenceScores = append(converted.ConfidenceScores, float64(score))
		}
		out.Supports = append(out.Supports, converted)
	}

	return out
}
