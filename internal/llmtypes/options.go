package llmtypes

// WithModel sets the model ID
func WithModel(model string) CallOption {
	return func(opts *CallOptions) {
		opts.Model = model
	}
}

// WithTemperature sets the temperature
func WithTemperature(temperature float64) CallOption {
	return func(opts *CallOptions) {
		opts.Temperature = temperature
	}
}

// WithMaxTokens sets the maximum tokens
func WithMaxTokens(maxTokens int) CallOption {
	return func(opts *CallOptions) {
		opts.MaxTokens = maxTokens
	}
}

// WithJSONMode enables JSON mode
func WithJSONMode() CallOption {
	return func(opts *CallOptions) {
		opts.JSONMode = true
	}
}

// WithResponseSchema constrains the output to a JSON schema. Implies JSON mode.
func WithResponseSchema(schema map[string]any) CallOption {
	return func(opts *CallOptions) {
		opts.ResponseSchema = schema
		opts.JSONMode = true
	}
}

// WithGoogleSearch enables search grounding on providers that support it.
func WithGoogleSearch() CallOption {
	return func(opts *CallOptions) {
		opts.GoogleSearch = true
	}
}

// WithThoughts asks the provider to return its reasoning parts.
func WithThoughts() CallOption {
	return func(opts *CallOptions) {
		opts.IncludeThoughts = true
	}
}

// TextPart creates a single text part message content
func TextPart(role ChatMessageType, text string) MessageContent {
	return MessageContent{
		Role:  role,
		Parts: []ContentPart{TextContent{Text: text}},
	}
}

// TextParts creates a message content with multiple text parts
func TextParts(role ChatMessageType, texts ...string) MessageContent {
	parts := make([]ContentPart, len(texts))
	for i, text := range texts {
		parts[i] = TextContent{Text: text}
	}
	return MessageContent{
		Role:  role,
		Parts: parts,
	}
}
