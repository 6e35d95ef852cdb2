package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"google.golang.org/genai"

	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
	"luxmap/pkg/events"
)

// ProviderAwareLLM wraps an LLM with provider information, retries and event emission
type ProviderAwareLLM struct {
	llmtypes.Model
	provider    Provider
	modelID     string
	temperature float64
	maxRetries  int
	baseDelay   time.Duration
	countTokens TokenCounter
	logger      utils.ExtendedLogger
}

// ProviderOption customises a ProviderAwareLLM.
type ProviderOption func(*ProviderAwareLLM)

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) ProviderOption {
	return func(p *ProviderAwareLLM) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBaseDelay sets the first backoff delay. It doubles on each retry.
func WithRetryBaseDelay(d time.Duration) ProviderOption {
	return func(p *ProviderAwareLLM) {
		if d > 0 {
			p.baseDelay = d
		}
	}
}

// WithTokenCounter replaces the tiktoken based estimator.
func WithTokenCounter(counter TokenCounter) ProviderOption {
	return func(p *ProviderAwareLLM) {
		if counter != nil {
			p.countTokens = counter
		}
	}
}

// WithDefaultTemperature applies a temperature unless the caller sets one.
func WithDefaultTemperature(t float64) ProviderOption {
	return func(p *ProviderAwareLLM) {
		p.temperature = t
	}
}

// NewProviderAwareLLM creates a new provider-aware LLM wrapper
func NewProviderAwareLLM(llm llmtypes.Model, provider Provider, modelID string, logger utils.ExtendedLogger, opts ...ProviderOption) *ProviderAwareLLM {
	p := &ProviderAwareLLM{
		Model:       llm,
		provider:    provider,
		modelID:     modelID,
		maxRetries:  2,
		baseDelay:   time.Second,
		countTokens: TiktokenCounter,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetProvider returns the provider of this LLM
func (p *ProviderAwareLLM) GetProvider() Provider {
	return p.provider
}

// GetModelID returns the default model ID of this LLM
func (p *ProviderAwareLLM) GetModelID() string {
	return p.modelID
}

// GenerateContent calls the underlying model, retrying transient failures with
// exponential backoff and reporting every attempt on the context's event stream.
func (p *ProviderAwareLLM) GenerateContent(ctx context.Context, messages []llmtypes.MessageContent, options ...llmtypes.CallOption) (*llmtypes.ContentResponse, error) {
	if p.temperature > 0 {
		options = append([]llmtypes.CallOption{llmtypes.WithTemperature(p.temperature)}, options...)
	}
	opts := llmtypes.ApplyOptions(options...)
	modelID := p.modelID
	if opts.Model != "" {
		modelID = opts.Model
	}

	estimated := EstimateMessageTokens(p.countTokens, messages)
	p.logger.Infof("🚀 GenerateContent START - Provider: %s, Model: %s, Messages: %d, Estimated tokens: %d, Search: %t",
		p.provider, modelID, len(messages), estimated, opts.GoogleSearch)

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries+1; attempt++ {
		events.EmitFromContext(ctx, &events.LLMGenerationStartEvent{
			Provider:        string(p.provider),
			ModelID:         modelID,
			Messages:        len(messages),
			EstimatedTokens: estimated,
			GoogleSearch:    opts.GoogleSearch,
			Attempt:         attempt,
		})

		start := time.Now()
		resp, err := p.Model.GenerateContent(ctx, messages, options...)
		if err == nil {
			err = validateResponse(resp)
		}
		if err == nil {
			p.reportSuccess(ctx, modelID, resp, estimated, time.Since(start))
			return resp, nil
		}

		lastErr = err
		p.logger.Errorf("❌ LLM generation failed - provider: %s, model: %s, attempt: %d, error: %v", p.provider, modelID, attempt, err)
		events.EmitFromContext(ctx, &events.LLMGenerationErrorEvent{
			Provider: string(p.provider),
			ModelID:  modelID,
			Attempt:  attempt,
			Error:    err.Error(),
		})

		if attempt > p.maxRetries || !IsRetryableError(err) {
			break
		}

		delay := p.baseDelay * time.Duration(1<<(attempt-1))
		p.logger.Warnf("🔄 Retrying LLM call in %v (attempt %d/%d)", delay, attempt+1, p.maxRetries+1)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llm retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (p *ProviderAwareLLM) reportSuccess(ctx context.Context, modelID string, resp *llmtypes.ContentResponse, estimated int, duration time.Duration) {
	choice := resp.Choices[0]
	p.logger.Infof("✅ LLM generation succeeded - provider: %s, model: %s, duration: %v, content length: %d",
		p.provider, modelID, duration, len(choice.Content))

	events.EmitFromContext(ctx, &events.LLMGenerationEndEvent{
		Provider: string(p.provider),
		ModelID:  modelID,
		Duration: duration,
		Content:  len(choice.Content),
	})

	usage := &events.TokenUsageEvent{ModelID: modelID}
	if choice.Usage != nil && choice.Usage.TotalTokens > 0 {
		usage.InputTokens = choice.Usage.InputTokens
		usage.OutputTokens = choice.Usage.OutputTokens
		usage.TotalTokens = choice.Usage.TotalTokens
	} else {
		usage.InputTokens = estimated
		usage.OutputTokens = p.countTokens(choice.Content)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		usage.Estimated = true
	}
	events.EmitFromContext(ctx, usage)
}

// ErrEmptyResponse is returned when a provider answers without any choice.
var ErrEmptyResponse = errors.New("llm returned no choices")

func validateResponse(resp *llmtypes.ContentResponse) error {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return ErrEmptyResponse
	}
	return nil
}

// retryableStatus matches an HTTP status code the way provider SDKs print it,
// e.g. "googleapi: Error 429", "status code: 503" or "HTTP 502".
var retryableStatus = regexp.MustCompile(`(?i)\b(?:error|code|status|http)[\s:=]*(?:429|500|502|503|504)\b`)

func isRetryableCode(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsRetryableError reports whether err looks like a rate limit or a transient
// server failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return isRetryableCode(apiErr.Code)
	}

	if retryableStatus.MatchString(err.Error()) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"resource_exhausted", "unavailable", "rate limit", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
