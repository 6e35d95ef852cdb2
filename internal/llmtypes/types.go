package llmtypes

import "context"

// Model is the core interface for LLM implementations
type Model interface {
	GenerateContent(ctx context.Context, messages []MessageContent, options ...CallOption) (*ContentResponse, error)
}

// ChatMessageType represents the role of a chat message
type ChatMessageType string

const (
	ChatMessageTypeSystem ChatMessageType = "system"
	ChatMessageTypeHuman  ChatMessageType = "human"
	ChatMessageTypeAI     ChatMessageType = "ai"
)

// ContentPart is an interface for different types of message parts
type ContentPart interface{}

// TextContent represents a text content part
type TextContent struct {
	Text string
}

// MessageContent represents a message in the conversation
type MessageContent struct {
	Role  ChatMessageType
	Parts []ContentPart
}

// Text concatenates the text parts of the message.
func (m MessageContent) Text() string {
	var out string
	for _, part := range m.Parts {
		if tc, ok := part.(TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// ContentResponse represents the response from an LLM
type ContentResponse struct {
	Choices []*ContentChoice
}

// ContentChoice represents a single choice in the response
type ContentChoice struct {
	Content    string
	Thoughts   string
	StopReason string
	Grounding  *GroundingMetadata
	Usage      *Usage
}

// Usage represents token usage information
type Usage struct {
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ThoughtsTokens int
}

// GroundingMetadata carries the web sources a search-grounded answer relied on.
type GroundingMetadata struct {
	Chunks           []GroundingChunk   `json:"grounding_chunks,omitempty"`
	Supports         []GroundingSupport `json:"grounding_supports,omitempty"`
	WebSearchQueries []string           `json:"web_search_queries,omitempty"`
}

// HasChunks reports whether any grounding chunk is present.
func (g *GroundingMetadata) HasChunks() bool {
	return g != nil && len(g.Chunks) > 0
}

// GroundingChunk is one retrieved source. Only web chunks are produced today.
type GroundingChunk struct {
	Web *WebChunk `json:"web,omitempty"`
}

// WebChunk describes a web page used for grounding.
type WebChunk struct {
	URI    string `json:"uri"`
	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// GroundingSupport ties a segment of the answer to the chunks supporting it.
type GroundingSupport struct {
	Segment          *Segment  `json:"segment,omitempty"`
	ChunkIndices     []int     `json:"grounding_chunk_indices,omitempty"`
	ConfidenceScores []float64 `json:"confidence_scores,omitempty"`
}

// Segment is a span of the generated answer.
type Segment struct {
	Text string `json:"text"`
}

// CallOptions holds all call options for LLM generation
type CallOptions struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	JSONMode        bool
	ResponseSchema  map[string]any
	GoogleSearch    bool
	IncludeThoughts bool
	Metadata        map[string]interface{}
}

// CallOption is a function type for setting call options
type CallOption func(*CallOptions)

// ApplyOptions folds options into a CallOptions value.
func ApplyOptions(options ...CallOption) *CallOptions {
	opts := &CallOptions{}
	for _, opt := range options {
		opt(opts)
	}
	return opts
}
