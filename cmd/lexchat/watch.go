package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	lexchat "github.com/lexbridge/lexchat/sdk/golang"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve /metrics and /snapshot on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live updates",
	Long:  "Log in, keep the push connection open and print new messages, unread counts and connection changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		loginCtx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
		m, done, err := e.login(loginCtx)
		cancel()
		if err != nil {
			return err
		}
		defer done()
		self := m.Session().UserID

		m.Conn().OnFunc(lexchat.EventNewMessage, func(ev lexchat.Event) {
			var msg lexchat.Message
			if err := ev.Decode(&msg); err != nil {
				return
			}
			if jsonOutput {
				_ = printJSON(msg)
				return
			}
			fmt.Println(formatMessage(self, msg))
		})

		var last lexchat.Snapshot
		cancelSub := m.Subscribe(func(s lexchat.Snapshot) {
			if jsonOutput {
				return
			}
			if s.ConnectionStatus != last.ConnectionStatus {
				fmt.Printf("-- connection %s\n", s.ConnectionStatus)
			}
			if s.GlobalUnread != last.GlobalUnread || s.NotificationUnread != last.NotificationUnread {
				fmt.Printf("-- unread: %d messages, %d notifications\n", s.GlobalUnread, s.NotificationUnread)
			}
			last = s
		})
		defer cancelSub()

		if watchMetricsAddr != "" {
			srv := newMetricsServer(watchMetricsAddr, m)
			go func() {
				e.log.Info("metrics listening", zap.String("addr", watchMetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.log.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func newMetricsServer(addr string, m *lexchat.Messenger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// local dashboards poll /snapshot from the browser
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         300,
	}))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
