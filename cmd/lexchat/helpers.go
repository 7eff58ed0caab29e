package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	lexchat "github.com/lexbridge/lexchat/sdk/golang"
)

const defaultCommandTimeout = 15 * time.Second

// newLogger builds a console logger on stderr at the given level.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(parseLevel(level)),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// env is what every networked command needs.
type env struct {
	cfg *Config
	log *zap.Logger
}

func loadEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Default.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	log, err := newLogger(level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) session() (lexchat.Session, error) {
	if e.cfg.Auth.Token == "" || e.cfg.Auth.UserID == "" {
		return lexchat.Session{}, fmt.Errorf("no credential. Run 'lexchat init <token> --user-id <id>' first")
	}
	s := lexchat.Session{
		UserID: e.cfg.Auth.UserID,
		Role:   lexchat.Role(e.cfg.Auth.Role),
		Token:  e.cfg.Auth.Token,
	}
	return s, s.Validate()
}

func (e *env) clientOptions() []lexchat.ClientOption {
	opts := []lexchat.ClientOption{
		lexchat.WithLogger(e.log),
		lexchat.WithTimeout(e.cfg.requestTimeout(lexchat.DefaultRequestTimeout)),
	}
	if e.cfg.Default.BaseURL != "" {
		opts = append(opts, lexchat.WithBaseURL(e.cfg.Default.BaseURL))
	}
	return opts
}

// client returns a REST client for commands that need no push connection.
func (e *env) client() (*lexchat.Client, lexchat.Session, error) {
	sess, err := e.session()
	if err != nil {
		return nil, sess, err
	}
	return lexchat.NewClient(sess.Token, e.clientOptions()...), sess, nil
}

// login opens a full session backed by the on-disk journal. The caller must
// call the returned close function.
func (e *env) login(ctx context.Context) (*lexchat.Messenger, func(), error) {
	sess, err := e.session()
	if err != nil {
		return nil, nil, err
	}
	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	journal, err := lexchat.OpenSQLiteJournal(filepath.Join(dir, "journal.db"))
	if err != nil {
		return nil, nil, err
	}
	m, err := lexchat.Login(ctx, sess,
		lexchat.WithClientOptions(e.clientOptions()...),
		lexchat.WithRealtimeConfig(lexchat.RealtimeConfig{Logger: e.log}),
		lexchat.WithJournal(journal),
		lexchat.WithMessengerLogger(e.log),
		lexchat.WithRequestTimeout(e.cfg.requestTimeout(lexchat.DefaultRequestTimeout)),
	)
	if err != nil {
		journal.Close()
		return nil, nil, err
	}
	return m, func() {
		m.Logout()
		journal.Close()
		_ = e.log.Sync()
	}, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultCommandTimeout)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMessage(self string, m lexchat.Message) string {
	dir := "<-"
	if m.SenderID == self {
		dir = "->"
	}
	flags := ""
	if m.SenderID == self && m.Status != "" {
		flags = " [" + string(m.Status) + "]"
	} else if m.ReceiverID == self && !m.Read {
		flags = " [unread]"
	}
	return fmt.Sprintf("%s %s %s %s%s", m.CreatedAt.Local().Format("2006-01-02 15:04"), dir, m.ID, m.Preview(), flags)
}
