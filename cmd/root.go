package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"luxmap/cmd/mcp"
	"luxmap/cmd/research"
	"luxmap/cmd/server"
	"luxmap/pkg/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "luxmap",
	Short: "LuxMap AI travel research assistant",
	Long: `LuxMap plans a trip with you, researches it on the web once you approve
the plan, and writes a cited travel report.

This tool provides:
- An interactive terminal session (research)
- An HTTP API with polling observers (server)
- An MCP stdio server exposing planning and research tools (mcp)`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./.luxmap.yaml or $HOME/.luxmap.yaml)")

	// Model flags
	flags.String("provider", config.DefaultProvider, "LLM provider (vertex, gemini, openai, anthropic, ollama)")
	flags.String("model", config.DefaultModel, "default model id")
	flags.String("critic-model", config.DefaultCriticModel, "model used to evaluate research and compose the report")
	flags.String("worker-model", config.DefaultWorkerModel, "model used to plan and search")
	flags.Int("max-search-iterations", config.DefaultMaxSearchIterations, "maximum refinement rounds of the research loop")
	flags.Float64("temperature", 0.2, "LLM temperature")
	flags.String("project", "", "Google Cloud project (default from GOOGLE_CLOUD_PROJECT or application default credentials)")
	flags.String("location", config.DefaultLocation, "Google Cloud location")

	// Logging flags
	flags.String("log-file", "", "log file path (default logs/luxmap-<date>.log)")
	flags.String("log-level", "info", "log level (debug, info, warn, error, fatal)")
	flags.String("log-format", "text", "log format (text, json)")

	bindings := map[string]string{
		"provider":              "provider",
		"model":                 "model",
		"critic_model":          "critic-model",
		"worker_model":          "worker-model",
		"max_search_iterations": "max-search-iterations",
		"temperature":           "temperature",
		"google_cloud_project":  "project",
		"google_cloud_location": "location",
		"log_file":              "log-file",
		"log_level":             "log-level",
		"log_format":            "log-format",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(research.ResearchCmd)
	rootCmd.AddCommand(server.ServerCmd)
	rootCmd.AddCommand(mcp.MCPCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// .env does not override variables that are already set
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("../.env")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".luxmap")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
