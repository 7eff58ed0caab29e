package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initRole    string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "id of the user the token belongs to (required)")
	initCmd.Flags().StringVar(&initRole, "role", "client", "marketplace role: client, lawyer or admin")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL")
	_ = initCmd.MarkFlagRequired("user-id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session credential in ~/.lexchat/config.toml",
	Long:  "Initialize the LexChat CLI by storing your bearer token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		for key, value := range map[string]string{
			"auth.token":   args[0],
			"auth.user_id": initUserID,
			"auth.role":    initRole,
		} {
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credential for %s saved to %s\n", initUserID, path)
		return nil
	},
}
