package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.lexchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	LogLevel       string `toml:"log_level"`
	RequestTimeout string `toml:"request_timeout"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
}

// requestTimeout parses Default.RequestTimeout, falling back to def.
func (c *Config) requestTimeout(def time.Duration) time.Duration {
	if c.Default.RequestTimeout == "" {
		return def
	}
	d, err := time.ParseDuration(c.Default.RequestTimeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.lexchat, creating it if needed.
// LEXCHAT_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("LEXCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".lexchat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies LEXCHAT_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Default.BaseURL = getEnv("LEXCHAT_BASE_URL", cfg.Default.BaseURL)
	cfg.Default.LogLevel = getEnv("LEXCHAT_LOG_LEVEL", cfg.Default.LogLevel)
	cfg.Default.RequestTimeout = getEnv("LEXCHAT_REQUEST_TIMEOUT", cfg.Default.RequestTimeout)
	cfg.Auth.Token = getEnv("LEXCHAT_TOKEN", cfg.Auth.Token)
	cfg.Auth.UserID = getEnv("LEXCHAT_USER_ID", cfg.Auth.UserID)
	cfg.Auth.Role = getEnv("LEXCHAT_ROLE", cfg.Auth.Role)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "lexchat",
	Short:        "LexChat messaging CLI",
	Long:         "Command-line client for LexChat conversations between clients and lawyers.\nRead and send messages, manage blocks and notifications, and watch live updates.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides default.log_level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
