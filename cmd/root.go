package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/critique/internal/logging"
	"github.com/joescharf/critique/internal/output"
	"github.com/joescharf/critique/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "critique",
	Short: "AI code review for GitHub repositories",
	Long: `critique reviews GitHub repositories with an LLM.

Reviews are submitted against a monthly quota, processed in the background
by a worker pool, and end either completed with feedback and scores or
failed with a reason.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/critique/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "critique")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CRITIQUE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "critique"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "critique.db"))
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origin", "*")
	viper.SetDefault("server.submit_rate", 1.0)
	viper.SetDefault("server.submit_burst", 5)

	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.issuer", "critique")
	viper.SetDefault("auth.token_ttl", "720h")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("github.api_url", "https://api.github.com")
	viper.SetDefault("github.timeout", "20s")
	viper.SetDefault("github.max_files", 70)
	viper.SetDefault("github.requests_per_second", 10)

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("anthropic.timeout", "90s")
	viper.SetDefault("anthropic.max_concurrency", 4)

	viper.SetDefault("review.workers", 4)
	viper.SetDefault("review.queue_size", 256)
	viper.SetDefault("review.max_attempts", 3)
	viper.SetDefault("review.max_duration", "10m")
	viper.SetDefault("review.queue_timeout", "2m")
	viper.SetDefault("review.sweep_interval", "1m")

	viper.SetDefault("quota.free", 2)
	viper.SetDefault("quota.pro", 50)
	viper.SetDefault("quota.team", 200)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	logger = logging.Init(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		Output: os.Stderr,
	})
	if verbose {
		logging.SetLevel(slog.LevelDebug)
	}

	// The store opens lazily so config and version run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// closeStore closes the shared store if it was opened.
func closeStore() {
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
}
