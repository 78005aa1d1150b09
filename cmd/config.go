package cmd

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "critique"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage critique configuration.

Running bare 'critique config' is the same as 'critique config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# critique configuration
# See: critique config show (for effective values and sources)

# State/data directory (default: ~/.config/critique)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/critique/critique.db)
# db_path: {{ .DBPath }}

server:
  port: {{ .Port }}

auth:
  # HS256 signing secret for API tokens, at least 16 bytes
  jwt_secret: "{{ .JWTSecret }}"
  token_ttl: {{ .TokenTTL }}

log:
  # debug, info, warn, error
  level: {{ .LogLevel }}
  # text or json
  format: {{ .LogFormat }}

anthropic:
  # Falls back to $ANTHROPIC_API_KEY when empty
  api_key: ""
  model: "{{ .Model }}"

review:
  workers: {{ .Workers }}
  max_attempts: {{ .MaxAttempts }}
  # Reviews still open after this long are failed with "Timeout"
  max_duration: {{ .MaxDuration }}

# Reviews per billing period by tier
quota:
  free: {{ .QuotaFree }}
  pro: {{ .QuotaPro }}
  team: {{ .QuotaTeam }}
`

type configTemplateData struct {
	StateDir    string
	DBPath      string
	Port        int
	JWTSecret   string
	TokenTTL    string
	LogLevel    string
	LogFormat   string
	Model       string
	Workers     int
	MaxAttempts int
	MaxDuration string
	QuotaFree   int
	QuotaPro    int
	QuotaTeam   int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:    viper.GetString("state_dir"),
		DBPath:      viper.GetString("db_path"),
		Port:        viper.GetInt("server.port"),
		JWTSecret:   viper.GetString("auth.jwt_secret"),
		TokenTTL:    viper.GetDuration("auth.token_ttl").String(),
		LogLevel:    viper.GetString("log.level"),
		LogFormat:   viper.GetString("log.format"),
		Model:       viper.GetString("anthropic.model"),
		Workers:     viper.GetInt("review.workers"),
		MaxAttempts: viper.GetInt("review.max_attempts"),
		MaxDuration: viper.GetDuration("review.max_duration").String(),
		QuotaFree:   viper.GetInt("quota.free"),
		QuotaPro:    viper.GetInt("quota.pro"),
		QuotaTeam:   viper.GetInt("quota.team"),
	}
	if data.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		data.JWTSecret = secret
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "CRITIQUE_STATE_DIR"},
	{Key: "db_path", EnvVar: "CRITIQUE_DB_PATH"},
	{Key: "server.port", EnvVar: "CRITIQUE_SERVER_PORT"},
	{Key: "auth.jwt_secret", EnvVar: "CRITIQUE_AUTH_JWT_SECRET"},
	{Key: "auth.issuer", EnvVar: "CRITIQUE_AUTH_ISSUER"},
	{Key: "auth.token_ttl", EnvVar: "CRITIQUE_AUTH_TOKEN_TTL"},
	{Key: "log.level", EnvVar: "CRITIQUE_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "CRITIQUE_LOG_FORMAT"},
	{Key: "github.api_url", EnvVar: "CRITIQUE_GITHUB_API_URL"},
	{Key: "github.timeout", EnvVar: "CRITIQUE_GITHUB_TIMEOUT"},
	{Key: "anthropic.api_key", EnvVar: "CRITIQUE_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "CRITIQUE_ANTHROPIC_MODEL"},
	{Key: "anthropic.timeout", EnvVar: "CRITIQUE_ANTHROPIC_TIMEOUT"},
	{Key: "anthropic.max_concurrency", EnvVar: "CRITIQUE_ANTHROPIC_MAX_CONCURRENCY"},
	{Key: "review.workers", EnvVar: "CRITIQUE_REVIEW_WORKERS"},
	{Key: "review.queue_size", EnvVar: "CRITIQUE_REVIEW_QUEUE_SIZE"},
	{Key: "review.max_attempts", EnvVar: "CRITIQUE_REVIEW_MAX_ATTEMPTS"},
	{Key: "review.max_duration", EnvVar: "CRITIQUE_REVIEW_MAX_DURATION"},
	{Key: "review.queue_timeout", EnvVar: "CRITIQUE_REVIEW_QUEUE_TIMEOUT"},
	{Key: "review.sweep_interval", EnvVar: "CRITIQUE_REVIEW_SWEEP_INTERVAL"},
	{Key: "quota.free", EnvVar: "CRITIQUE_QUOTA_FREE"},
	{Key: "quota.pro", EnvVar: "CRITIQUE_QUOTA_PRO"},
	{Key: "quota.team", EnvVar: "CRITIQUE_QUOTA_TEAM"},
}

// secretKeys are masked by config show.
var secretKeys = map[string]bool{"auth.jwt_secret": true, "anthropic.api_key": true}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if secretKeys[k.Key] && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'critique config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}

// randomSecret returns a 32-byte hex secret for a fresh config file.
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
