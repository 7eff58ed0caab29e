package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Config keys
// ============================================================================

// configKey is one settable field of config.toml, addressed as section.field.
type configKey struct {
	name   string
	help   string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configKeys = []configKey{
	{
		name: "default.base_url",
		help: "API base URL",
		get:  func(c *Config) string { return c.Default.BaseURL },
		set:  func(c *Config, v string) error { c.Default.BaseURL = v; return nil },
	},
	{
		name: "default.log_level",
		help: "debug, info, warn or error",
		get:  func(c *Config) string { return c.Default.LogLevel },
		set: func(c *Config, v string) error {
			switch strings.ToLower(v) {
			case "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("log_level must be debug, info, warn or error, got %q", v)
			}
			c.Default.LogLevel = v
			return nil
		},
	},
	{
		name: "default.request_timeout",
		help: "per-request timeout, e.g. 15s",
		get:  func(c *Config) string { return c.Default.RequestTimeout },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("request_timeout: %w", err)
			}
			c.Default.RequestTimeout = v
			return nil
		},
	},
	{
		name:   "auth.token",
		help:   "session bearer token",
		secret: true,
		get:    func(c *Config) string { return c.Auth.Token },
		set:    func(c *Config, v string) error { c.Auth.Token = v; return nil },
	},
	{
		name: "auth.user_id",
		help: "id of the logged-in participant",
		get:  func(c *Config) string { return c.Auth.UserID },
		set:  func(c *Config, v string) error { c.Auth.UserID = v; return nil },
	},
	{
		name: "auth.role",
		help: "client, lawyer or admin",
		get:  func(c *Config) string { return c.Auth.Role },
		set: func(c *Config, v string) error {
			switch v {
			case "client", "lawyer", "admin":
			default:
				return fmt.Errorf("role must be client, lawyer or admin, got %q", v)
			}
			c.Auth.Role = v
			return nil
		},
	},
}

func lookupConfigKey(key string) (*configKey, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return nil, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	known := false
	for i := range configKeys {
		k := &configKeys[i]
		if k.name == key {
			return k, nil
		}
		known = known || strings.HasPrefix(k.name, section+".")
	}
	if !known {
		return nil, fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil, fmt.Errorf("unknown field %q in section [%s]; see 'lexchat config keys'", field, section)
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

func (k *configKey) display(cfg *Config, reveal bool) string {
	v := k.get(cfg)
	switch {
	case v == "":
		return "(unset)"
	case k.secret && !reveal:
		return maskKey(v)
	}
	return v
}

// writeConfig prints every key with its value, secrets masked unless reveal.
func writeConfig(w io.Writer, cfg *Config, reveal bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i := range configKeys {
		k := &configKeys[i]
		fmt.Fprintf(tw, "%s\t= %s\n", k.name, k.display(cfg, reveal))
	}
	return tw.Flush()
}

func writeConfigKeys(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range configKeys {
		help := k.help
		if k.secret {
			help += " (masked by show)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", k.name, help)
	}
	return tw.Flush()
}

// ============================================================================
// Commands
// ============================================================================

var (
	configReveal    bool
	configEffective bool
)

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "print the token in full")
	configShowCmd.Flags().BoolVar(&configEffective, "effective", false, "apply LEXCHAT_* environment overrides")
	configCmd.AddCommand(configShowCmd, configSetCmd, configGetCmd, configKeysCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage LexChat configuration",
	Long:  "View or modify the LexChat CLI configuration stored in ~/.lexchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) && !configEffective {
			fmt.Println("No configuration file found. Run 'lexchat init <token> --user-id <id>' to create one.")
			return nil
		}
		load := readConfigFile
		if configEffective {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		if jsonOutput {
			out := make(map[string]string, len(configKeys))
			for i := range configKeys {
				out[configKeys[i].name] = configKeys[i].display(cfg, configReveal)
			}
			return printJSON(out)
		}
		fmt.Printf("# %s\n", path)
		return writeConfig(os.Stdout, cfg, configReveal)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value, environment overrides applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(k.get(cfg))
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeConfigKeys(os.Stdout)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: lexchat config set default.base_url https://api.lexchat.example",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}

		// environment overrides are not persisted
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := k.set(cfg, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", k.name, k.display(cfg, false))
		return nil
	},
}
