package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	chatspace "github.com/chatspace-app/chatspace/sdk/golang"
	"github.com/chatspace-app/chatspace/sdk/golang/internal/logger"
)

const commandTimeout = 30 * time.Second

// app bundles what a command needs to talk to the service as the logged-in user.
type app struct {
	cfg     *Config
	logger  *zap.Logger
	client  *chatspace.Client
	storage *chatspace.SQLiteStorage
	engine  *chatspace.Engine
}

// newLogger builds a JSON logger, or a console one when log_format is "console".
func newLogger(cfg *Config) *zap.Logger {
	build := logger.New
	if cfg.Default.LogFormat == "console" {
		build = logger.NewDevelopment
	}
	log, err := build(cfg.Default.LogLevel)
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func newClient(cfg *Config, log *zap.Logger, metrics *chatspace.Metrics) *chatspace.Client {
	opts := []chatspace.ClientOption{chatspace.WithLogger(log), chatspace.WithMetrics(metrics)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatspace.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatspace.NewClient(opts...)
}

// cachePath returns the SQLite cache location, defaulting to ~/.chatspace/cache.db.
func cachePath(cfg *Config) (string, error) {
	if cfg.Default.CachePath != "" {
		return cfg.Default.CachePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

func engineOptions(cfg *Config, log *zap.Logger, metrics *chatspace.Metrics) (*chatspace.EngineOptions, error) {
	opts := &chatspace.EngineOptions{
		MaxPollAttempts: cfg.Default.MaxPollAttempts,
		Logger:          log,
		Metrics:         metrics,
	}
	if cfg.Default.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Default.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval %q: %w", cfg.Default.PollInterval, err)
		}
		opts.PollInterval = d
	}
	return opts, nil
}

// openApp builds an engine for the stored session. metrics may be nil.
func openApp(metrics *chatspace.Metrics) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("not logged in; run 'chatspace login <username>' first")
	}

	log := newLogger(cfg)
	path, err := cachePath(cfg)
	if err != nil {
		return nil, err
	}
	storage, err := chatspace.OpenSQLiteStorage(path)
	if err != nil {
		return nil, err
	}
	opts, err := engineOptions(cfg, log, metrics)
	if err != nil {
		storage.Close()
		return nil, err
	}

	client := newClient(cfg, log, metrics)
	session := chatspace.Session{Token: cfg.Auth.Token, UserName: cfg.Auth.UserName}
	cache := chatspace.NewCache(storage, chatspace.WithCacheLogger(log))

	return &app{
		cfg:     cfg,
		logger:  log,
		client:  client,
		storage: storage,
		engine:  chatspace.NewEngine(client, cache, session, opts),
	}, nil
}

// bootApp opens the app and loads the conversation list.
func bootApp(ctx context.Context) (*app, error) {
	a, err := openApp(nil)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Bootstrap(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	a.engine.Stop()
	a.storage.Close()
	a.logger.Sync()
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

// ============================================================================
// Output
// ============================================================================

func printConversations(w io.Writer, convs []chatspace.Conversation, selected string) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.ID == selected {
			marker = "*"
		}
		status := ""
		if c.Archived {
			status = " (archived)"
		}
		fmt.Fprintf(w, "%s %-36s  %s%s\n", marker, c.ID, c.Name, status)
	}
}

func printThread(w io.Writer, conv *chatspace.Conversation, self chatspace.Session) {
	fmt.Fprintf(w, "# %s\n", conv.Name)
	if len(conv.Messages) == 0 {
		fmt.Fprintln(w, "(no messages yet)")
		return
	}
	for _, m := range conv.Messages {
		label := m.Author
		switch {
		case m.FromResponder():
			label = "AI"
		case m.Author == self.UserName && self.Initials() != "":
			label = self.Initials()
		}
		fmt.Fprintf(w, "[%s] %s\n", label, m.Text)
	}
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
