package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/google"
)

// Defaults
const (
	DefaultModel               = "gemini-2.5-flash"
	DefaultAgentName           = "luxmap"
	DefaultLocation            = "us-central1"
	DefaultCriticModel         = "gemini-2.5-pro"
	DefaultWorkerModel         = "gemini-2.5-flash"
	DefaultMaxSearchIterations = 5
	DefaultProvider            = "vertex"
	DefaultDatabasePath        = "luxmap.db"
	DefaultPort                = "8000"
)

// AgentConfiguration describes the deployed agent and the Google Cloud
// project it runs in.
type AgentConfiguration struct {
	Model          string `mapstructure:"model" validate:"required"`
	DeploymentName string `mapstructure:"agent_name" validate:"required"`
	ProjectID      string `mapstructure:"google_cloud_project"`
	Location       string `mapstructure:"google_cloud_location" validate:"required"`
	StagingBucket  string `mapstructure:"google_cloud_staging_bucket"`
}

// InternalAgentName is the deployment name made safe for use as an
// identifier: dashes become underscores and a leading character that is not a
// letter or underscore gets an "agent_" prefix.
func (a AgentConfiguration) InternalAgentName() string {
	name := strings.ReplaceAll(a.DeploymentName, "-", "_")
	if name == "" {
		return "agent_"
	}
	first := []rune(name)[0]
	if !unicode.IsLetter(first) && first != '_' {
		name = "agent_" + name
	}
	return name
}

// ResearchConfiguration holds the models and limits of the research pipeline.
type ResearchConfiguration struct {
	CriticModel         string `mapstructure:"critic_model" validate:"required"`
	WorkerModel         string `mapstructure:"worker_model" validate:"required"`
	MaxSearchIterations int    `mapstructure:"max_search_iterations" validate:"min=1"`
}

// LLMConfiguration selects and tunes the model provider.
type LLMConfiguration struct {
	Provider       string        `mapstructure:"provider" validate:"oneof=vertex gemini openai anthropic ollama"`
	Temperature    float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	FallbackModels []string      `mapstructure:"fallback_models"`
	OllamaURL      string        `mapstructure:"ollama_host"`
}

// ServerConfiguration configures the HTTP API.
type ServerConfiguration struct {
	Port        string   `mapstructure:"port" validate:"required"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	MaxEvents   int      `mapstructure:"max_events" validate:"min=1"`
}

// LogConfiguration configures the logrus logger.
type LogConfiguration struct {
	File   string `mapstructure:"log_file"`
	Level  string `mapstructure:"log_level" validate:"oneof=debug info warn error fatal"`
	Format string `mapstructure:"log_format" validate:"oneof=text json"`
}

// Config is the full application configuration.
type Config struct {
	Agent        AgentConfiguration    `validate:"required"`
	Research     ResearchConfiguration `validate:"required"`
	LLM          LLMConfiguration      `validate:"required"`
	Server       ServerConfiguration   `validate:"required"`
	Log          LogConfiguration      `validate:"required"`
	DatabasePath string                `mapstructure:"db_path" validate:"required"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Agent: AgentConfiguration{
			Model:          DefaultModel,
			DeploymentName: DefaultAgentName,
			Location:       DefaultLocation,
		},
		Research: ResearchConfiguration{
			CriticModel:         DefaultCriticModel,
			WorkerModel:         DefaultWorkerModel,
			MaxSearchIterations: DefaultMaxSearchIterations,
		},
		LLM: LLMConfiguration{
			Provider:       DefaultProvider,
			Temperature:    0.2,
			MaxRetries:     2,
			RetryBaseDelay: 2 * time.Second,
		},
		Server: ServerConfiguration{
			Port:        DefaultPort,
			CORSOrigins: []string{"*"},
			MaxEvents:   1000,
		},
		Log: LogConfiguration{
			Level:  "info",
			Format: "text",
		},
		DatabasePath: DefaultDatabasePath,
	}
}

// SetDefaults registers the defaults on v so that env vars, config file
// values and bound flags all resolve through the same keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("model", d.Agent.Model)
	v.SetDefault("agent_name", d.Agent.DeploymentName)
	v.SetDefault("google_cloud_location", d.Agent.Location)
	v.SetDefault("critic_model", d.Research.CriticModel)
	v.SetDefault("worker_model", d.Research.WorkerModel)
	v.SetDefault("max_search_iterations", d.Research.MaxSearchIterations)
	v.SetDefault("provider", d.LLM.Provider)
	v.SetDefault("temperature", d.LLM.Temperature)
	v.SetDefault("max_retries", d.LLM.MaxRetries)
	v.SetDefault("retry_base_delay", d.LLM.RetryBaseDelay)
	v.SetDefault("port", d.Server.Port)
	v.SetDefault("cors_origins", d.Server.CORSOrigins)
	v.SetDefault("max_events", d.Server.MaxEvents)
	v.SetDefault("log_level", d.Log.Level)
	v.SetDefault("log_format", d.Log.Format)
	v.SetDefault("db_path", d.DatabasePath)
}

// ProjectResolver finds a Google Cloud project id when none is configured.
type ProjectResolver func(ctx context.Context) string

// DefaultCredentialsProject returns the project of the application default
// credentials, or "" when there are none.
func DefaultCredentialsProject(ctx context.Context) string {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil || creds == nil {
		return ""
	}
	return creds.ProjectID
}

// Load reads the configuration from v. When google_cloud_project is unset the
// resolver is asked; a nil resolver leaves the project empty.
func Load(ctx context.Context, v *viper.Viper, resolveProject ProjectResolver) (*Config, error) {
	cfg := &Config{
		Agent: AgentConfiguration{
			Model:          v.GetString("model"),
			DeploymentName: v.GetString("agent_name"),
			ProjectID:      v.GetString("google_cloud_project"),
			Location:       v.GetString("google_cloud_location"),
			StagingBucket:  v.GetString("google_cloud_staging_bucket"),
		},
		Research: ResearchConfiguration{
			CriticModel:         v.GetString("critic_model"),
			WorkerModel:         v.GetString("worker_model"),
			MaxSearchIterations: v.GetInt("max_search_iterations"),
		},
		LLM: LLMConfiguration{
			Provider:       strings.ToLower(v.GetString("provider")),
			Temperature:    v.GetFloat64("temperature"),
			MaxRetries:     v.GetInt("max_retries"),
			RetryBaseDelay: v.GetDuration("retry_base_delay"),
			FallbackModels: v.GetStringSlice("fallback_models"),
			OllamaURL:      v.GetString("ollama_host"),
		},
		Server: ServerConfiguration{
			Port:        v.GetString("port"),
			CORSOrigins: v.GetStringSlice("cors_origins"),
			MaxEvents:   v.GetInt("max_events"),
		},
		Log: LogConfiguration{
			File:   v.GetString("log_file"),
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		DatabasePath: v.GetString("db_path"),
	}

	if cfg.Agent.ProjectID == "" && resolveProject != nil {
		cfg.Agent.ProjectID = resolveProject(ctx)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("mapstructure"); name != "" {
			return name
		}
		return strings.ToLower(field.Name)
	})
	return v
}

// Validate validates the configuration. The first failing field is returned
// as a *ConfigError.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigError{Field: fe.Field(), Message: describe(fe)}
	}
	return &ConfigError{Field: "config", Message: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
