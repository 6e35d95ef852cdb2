package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"google.golang.org/genai"

	"luxmap/internal/llm/langchain"
	"luxmap/internal/llm/vertex"
	"luxmap/internal/llmtypes"
	"luxmap/internal/utils"
)

// Provider represents the available LLM providers
type Provider string

const (
	ProviderVertex    Provider = "vertex"
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// Config holds configuration for LLM initialization
type Config struct {
	Provider    Provider
	ModelID     string
	Temperature float64
	// Fallback configuration for initialization failures
	FallbackModels []string
	// Retries for transient generation failures (429/5xx)
	MaxRetries     int
	RetryBaseDelay time.Duration
	// Vertex AI settings
	ProjectID string
	Location  string
	// APIKey overrides the provider's environment variable
	APIKey string
	// BaseURL is used by ollama
	BaseURL string
	// Logger for structured logging
	Logger utils.ExtendedLogger
	// Context for LLM initialization (optional)
	Context context.Context
}

// InitializeLLM creates and initializes an LLM based on the provider configuration
func InitializeLLM(config Config) (llmtypes.Model, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("llm config: logger is required")
	}
	if config.ModelID == "" {
		config.ModelID = GetDefaultModel(config.Provider)
	}

	initFn, err := initializerFor(config.Provider)
	if err != nil {
		return nil, err
	}

	llm, err := initializeWithFallback(config, initFn)
	if err != nil {
		return nil, err
	}

	return NewProviderAwareLLM(llm, config.Provider, config.ModelID, config.Logger,
		WithMaxRetries(config.MaxRetries), WithRetryBaseDelay(config.RetryBaseDelay), WithDefaultTemperature(config.Temperature)), nil
}

type initializer func(config Config) (llmtypes.Model, error)

func initializerFor(provider Provider) (initializer, error) {
	switch provider {
	case ProviderVertex:
		return initializeVertex, nil
	case ProviderGemini:
		return initializeGemini, nil
	case ProviderOpenAI:
		return initializeOpenAI, nil
	case ProviderAnthropic:
		return initializeAnthropic, nil
	case ProviderOllama:
		return initializeOllama, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}

// initializeWithFallback tries the primary model first, then each fallback in order.
func initializeWithFallback(config Config, initFn initializer) (llmtypes.Model, error) {
	llm, err := initFn(config)
	if err == nil {
		return llm, nil
	}

	logger := config.Logger
	if len(config.FallbackModels) > 0 {
		logger.Infof("Primary %s model failed, trying fallback models - primary_model: %s, fallback_models: %v, error: %s",
			config.Provider, config.ModelID, config.FallbackModels, err.Error())

		for _, fallbackModel := range config.FallbackModels {
			fallbackConfig := config
			fallbackConfig.ModelID = fallbackModel

			fallback, fallbackErr := initFn(fallbackConfig)
			if fallbackErr == nil {
				logger.Infof("Successfully initialized fallback %s model - fallback_model: %s", config.Provider, fallbackModel)
				return fallback, nil
			}
			logger.Infof("Fallback %s model failed - fallback_model: %s, error: %s", config.Provider, fallbackModel, fallbackErr.Error())
		}
	}

	return nil, fmt.Errorf("all %s models failed: %w", config.Provider, err)
}

func initContext(config Config) context.Context {
	if config.Context != nil {
		return config.Context
	}
	return context.Background()
}

// initializeVertex uses the Vertex AI backend authenticated with application
// default credentials.
func initializeVertex(config Config) (llmtypes.Model, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("vertex: GOOGLE_CLOUD_PROJECT is not set and no default credentials project was found")
	}
	location := config.Location
	if location == "" {
		location = "us-central1"
	}

	config.Logger.Infof("Initializing Vertex AI LLM - model_id: %s, project: %s, location: %s", config.ModelID, config.ProjectID, location)

	client, err := genai.NewClient(initContext(config), &genai.ClientConfig{
		Project:  config.ProjectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		config.Logger.Errorf("Failed to create GenAI client: %v", err)
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	config.Logger.Infof("Initialized Vertex AI LLM - model_id: %s", config.ModelID)
	return vertex.NewGoogleGenAIAdapter(client.Models, config.ModelID, config.Logger), nil
}

// initializeGemini uses the Gemini Developer API with an API key.
func initializeGemini(config Config) (llmtypes.Model, error) {
	apiKey := firstNonEmpty(config.APIKey, os.Getenv("GOOGLE_API_KEY"), os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY or GEMINI_API_KEY environment variable is required")
	}

	config.Logger.Infof("Initializing Gemini API LLM with API key - model_id: %s", config.ModelID)

	client, err := genai.NewClient(initContext(config), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		config.Logger.Errorf("Failed to create GenAI client: %v", err)
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return vertex.NewGoogleGenAIAdapter(client.Models, config.ModelID, config.Logger), nil
}

func initializeOpenAI(config Config) (llmtypes.Model, error) {
	apiKey := firstNonEmpty(config.APIKey, os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}

	config.Logger.Infof("Initializing OpenAI LLM - model_id: %s", config.ModelID)
	llm, err := openai.New(openai.WithToken(apiKey), openai.WithModel(config.ModelID))
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return langchain.NewAdapter(llm, string(ProviderOpenAI), config.Logger), nil
}

func initializeAnthropic(config Config) (llmtypes.Model, error) {
	apiKey := firstNonEmpty(config.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is required")
	}

	config.Logger.Infof("Initializing Anthropic LLM - model_id: %s", config.ModelID)
	llm, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(config.ModelID))
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return langchain.NewAdapter(llm, string(ProviderAnthropic), config.Logger), nil
}

func initializeOllama(config Config) (llmtypes.Model, error) {
	opts := []ollama.Option{ollama.WithModel(config.ModelID)}
	if baseURL := firstNonEmpty(config.BaseURL, os.Getenv("OLLAMA_HOST")); baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}

	config.Logger.Infof("Initializing Ollama LLM - model_id: %s", config.ModelID)
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return langchain.NewAdapter(llm, string(ProviderOllama), config.Logger), nil
}

// GetDefaultModel returns the default model for a provider
func GetDefaultModel(provider Provider) string {
	switch provider {
	case ProviderVertex, ProviderGemini:
		return "gemini-2.5-flash"
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderOllama:
		return "llama3.1"
	default:
		return ""
	}
}

// GetDefaultFallbackModels returns fallback models tried when the primary fails to initialize
func GetDefaultFallbackModels(provider Provider) []string {
	switch provider {
	case ProviderVertex, ProviderGemini:
		return []string{"gemini-2.5-flash-lite", "gemini-2.0-flash"}
	case ProviderOpenAI:
		return []string{"gpt-4o-mini"}
	case ProviderAnthropic:
		return []string{"claude-3-5-haiku-latest"}
	default:
		return nil
	}
}

// SupportsGrounding reports whether a provider can ground answers with Google Search.
func SupportsGrounding(provider Provider) bool {
	return provider == ProviderVertex || provider == ProviderGemini
}

// ValidateProvider validates if the provider is supported
func ValidateProvider(provider string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(provider))) {
	case ProviderVertex:
		return ProviderVertex, nil
	case ProviderGemini:
		return ProviderGemini, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	case ProviderOllama:
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("unsupported provider: %s. Supported providers: vertex, gemini, openai, anthropic, ollama", provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
