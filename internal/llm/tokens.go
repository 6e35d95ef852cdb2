package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"luxmap/internal/llmtypes"
)

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TiktokenCounter counts tokens with the cl100k_base encoding. Gemini uses a
// different tokenizer, so the result is an estimate. When the encoding cannot
// be loaded it falls back to four characters per token.
func TiktokenCounter(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return ApproximateTokens(text)
	}
	return len(encoding.Encode(text, nil, nil))
}

// ApproximateTokens is the len/4 heuristic.
func ApproximateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateMessageTokens sums the token counts of every text part.
func EstimateMessageTokens(counter TokenCounter, messages []llmtypes.MessageContent) int {
	total := 0
	for _, msg := range messages {
		total += counter(msg.Text())
	}
	return total
}
