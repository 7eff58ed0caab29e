package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token has expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		cfg := e.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Printf("  Timeout:     %s\n", cfg.requestTimeout(defaultCommandTimeout))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Auth.Role, "(not set)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token))

		client, sess, err := e.client()
		if err != nil {
			fmt.Printf("\n  %v\n", err)
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := commandContext()
		defer cancel()

		var (
			conversations map[string]int
			notifications int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			history, err := client.Chat.History(gctx, sess.UserID)
			if err != nil {
				return err
			}
			conversations = make(map[string]int)
			for _, m := range history {
				if m.ReceiverID == sess.UserID && !m.Read {
					conversations[m.SenderID]++
				}
			}
			return nil
		})
		g.Go(func() error {
			var err error
			notifications, err = client.Notifications.UnreadCount(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			fmt.Printf("  Error fetching account status: %v\n", err)
			return nil
		}

		total := 0
		for _, n := range conversations {
			total += n
		}
		fmt.Printf("  Unread messages:      %d in %d conversations\n", total, len(conversations))
		fmt.Printf("  Unread notifications: %d\n", notifications)
		return nil
	},
}

// tokenStatus checks the expiry of a JWT without verifying its signature.
func tokenStatus(token string) string {
	if token == "" {
		return "none"
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Sprintf("present (%s, opaque)", maskKey(token))
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Sprintf("present (%s, no expiry set)", maskKey(token))
	}
	if time.Now().Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
}

// maskKey shows the first 6 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
