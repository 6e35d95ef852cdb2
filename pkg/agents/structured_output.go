package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
)

// ErrInvalidStructuredOutput is returned when the model keeps answering with
// something that does not satisfy the output schema.
var ErrInvalidStructuredOutput = errors.New("invalid structured output")

// OutputSchema constrains an agent's reply to a JSON object.
type OutputSchema struct {
	// Name is used in prompts and logs, e.g. "Feedback".
	Name string
	// Schema is the JSON schema sent to the provider.
	Schema map[string]any
	// Validate checks the cleaned JSON beyond syntax. Optional.
	Validate func(raw []byte) error
}

// StructuredOutputConfig configures the generator.
type StructuredOutputConfig struct {
	MaxRetries int
}

// StructuredOutputGenerator asks a model for JSON matching a schema, cleans
// the reply and retries with the validation error when it does not parse.
type StructuredOutputGenerator struct {
	config StructuredOutputConfig
	llm    llmtypes.Model
	logger utils.ExtendedLogger
}

// NewStructuredOutputGenerator creates a generator.
func NewStructuredOutputGenerator(llm llmtypes.Model, config StructuredOutputConfig, logger utils.ExtendedLogger) *StructuredOutputGenerator {
	return &StructuredOutputGenerator{config: config, llm: llm, logger: logger}
}

// Generate returns the cleaned JSON text, its decoded object and the last
// model choice.
func (sog *StructuredOutputGenerator) Generate(ctx context.Context, messages []llmtypes.MessageContent, schema *OutputSchema, options ...llmtypes.CallOption) (string, map[string]any, *llmtypes.ContentChoice, error) {
	options = append(options, llmtypes.WithResponseSchema(schema.Schema))
	conversation := append([]llmtypes.MessageContent(nil), messages...)

	var lastErr error
	for attempt := 0; attempt <= sog.config.MaxRetries; attempt++ {
		resp, err := sog.llm.GenerateContent(ctx, conversation, options...)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to generate structured output: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0] == nil {
			lastErr = errors.New("no choices in response")
			continue
		}

		choice := resp.Choices[0]
		cleaned := CleanJSON(choice.Content)
		decoded, verr := sog.validate(cleaned, schema)
		if verr == nil {
			return cleaned, decoded, choice, nil
		}

		lastErr = verr
		sog.logger.Warnf("⚠️ %s output rejected (attempt %d/%d): %v", schema.Name, attempt+1, sog.config.MaxRetries+1, verr)
		conversation = append(conversation,
			llmtypes.TextPart(llmtypes.ChatMessageTypeAI, choice.Content),
			llmtypes.TextParts(llmtypes.ChatMessageTypeHuman,
				fmt.Sprintf("Your previous response was not a valid %s JSON object: %v", schema.Name, verr),
				retryInstruction,
			),
		)
	}

	return "", nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidStructuredOutput, schema.Name, lastErr)
}

const retryInstruction = "CRITICAL: Return ONLY the JSON object that matches the schema exactly. No text, no explanations, no markdown."

func (sog *StructuredOutputGenerator) validate(cleaned string, schema *OutputSchema) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if schema.Validate != nil {
		if err := schema.Validate([]byte(cleaned)); err != nil {
			return nil, err
		}
	}
	return decoded, nil
}

// CleanJSON strips markdown code fences and any prose around the outermost
// JSON object.
func CleanJSON(content string) string {
	cleaned := strings.TrimSpace(content)

	if strings.Contains(cleaned, "```") {
		startIdx := strings.Index(cleaned, "```")
		contentStart := startIdx + 3
		if newlineIdx := strings.Index(cleaned[contentStart:], "\n"); newlineIdx != -1 {
			contentStart += newlineIdx + 1
		}
		if endIdx := strings.LastIndex(cleaned, "```"); endIdx > contentStart {
			cleaned = cleaned[contentStart:endIdx]
		}
	}

	if first, last := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); first != -1 && last > first {
		cleaned = cleaned[first : last+1]
	}
	return strings.TrimSpace(cleaned)
}
