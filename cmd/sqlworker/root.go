package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/sqlworker/config"
	"github.com/tomyedwab/sqlworker/snapshot"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	LogLevel  string
	LogFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sqlworker",
		Short: "Serve a SQLite database over stdio, NATS and HTTP",
		Long: `sqlworker runs one SQLite database inside a WebAssembly engine and
answers open/exec/each/export/close requests for it.

Configuration is read from SQLWORKER_* environment variables; flags
override the matching variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))

	return cmd
}

// loadConfig reads the environment and applies the shared flags.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	return cfg, nil
}

// setupLogger creates a logger based on configuration.
func setupLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// openStore opens the configured snapshot backend. It returns nil for the
// "none" backend.
func openStore(ctx context.Context, cfg config.SnapshotConfig, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Backend {
	case config.BackendSQL:
		store, err := snapshot.OpenSQLStore(cfg.SQL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendS3:
		store, err := snapshot.NewS3Store(ctx, cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}
