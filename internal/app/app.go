// Package app wires configuration, logging, the model provider and the
// research agents for the CLI commands.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"luxmap/internal/llm"
	"luxmap/internal/llmtypes"
	"luxmap/pkg/config"
	"luxmap/pkg/database"
	"luxmap/pkg/logger"
	"luxmap/pkg/research"
)

// App holds the components shared by the commands.
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Model   llmtypes.Model
	Planner *research.InteractivePlanner
}

// Options tune New.
type Options struct {
	// Stdout mirrors logs to stdout. Must stay off for stdio transports.
	Stdout bool
	// ResolveProject finds the Google Cloud project when none is configured.
	ResolveProject config.ProjectResolver
}

// New loads the configuration from v and builds the logger, model and planner.
func New(ctx context.Context, v *viper.Viper, opts Options) (*App, error) {
	cfg, err := config.Load(ctx, v, opts.ResolveProject)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.CreateLogger(cfg.Log.File, cfg.Log.Level, cfg.Log.Format, opts.Stdout)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	provider, err := llm.ValidateProvider(cfg.LLM.Provider)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	fallbacks := cfg.LLM.FallbackModels
	if len(fallbacks) == 0 {
		fallbacks = llm.GetDefaultFallbackModels(provider)
	}
	if !llm.SupportsGrounding(provider) {
		log.Warnf("⚠️ Provider %s has no search grounding; reports will carry no citations", provider)
	}

	model, err := llm.InitializeLLM(llm.Config{
		Provider:       provider,
		ModelID:        modelFor(provider, cfg),
		Temperature:    cfg.LLM.Temperature,
		FallbackModels: fallbacks,
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBaseDelay: cfg.LLM.RetryBaseDelay,
		ProjectID:      cfg.Agent.ProjectID,
		Location:       cfg.Agent.Location,
		BaseURL:        cfg.LLM.OllamaURL,
		Logger:         log,
		Context:        ctx,
	})
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("initialize %s model: %w", provider, err)
	}

	planner, err := research.NewInteractivePlanner(research.PipelineConfig{
		Research: researchFor(provider, cfg),
		Model:    model,
		Logger:   log,
	})
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	log.Infof("🚀 %s ready (provider=%s model=%s critic=%s worker=%s iterations=%d)",
		cfg.Agent.InternalAgentName(), provider, cfg.Agent.Model,
		cfg.Research.CriticModel, cfg.Research.WorkerModel, cfg.Research.MaxSearchIterations)

	return &App{Config: cfg, Logger: log, Model: model, Planner: planner}, nil
}

// OpenDatabase opens the sqlite database at the configured path.
func (a *App) OpenDatabase() (*database.SQLiteDB, error) {
	return database.NewSQLiteDB(a.Config.DatabasePath, a.Logger)
}

// Close releases the logger.
func (a *App) Close() error {
	return a.Logger.Close()
}

// modelFor keeps the Gemini model ids on Google backends and lets other
// providers fall back to their own default.
func modelFor(provider llm.Provider, cfg *config.Config) string {
	if llm.SupportsGrounding(provider) || cfg.Agent.Model != config.DefaultModel {
		return cfg.Agent.Model
	}
	return llm.GetDefaultModel(provider)
}

// researchFor swaps untouched Gemini defaults for the provider's default
// model so per-agent model overrides stay valid.
func researchFor(provider llm.Provider, cfg *config.Config) config.ResearchConfiguration {
	rc := cfg.Research
	if llm.SupportsGrounding(provider) {
		return rc
	}
	if rc.CriticModel == config.DefaultCriticModel {
		rc.CriticModel = llm.GetDefaultModel(provider)
	}
	if rc.WorkerModel == config.DefaultWorkerModel {
		rc.WorkerModel = llm.GetDefaultModel(provider)
	}
	return rc
}
