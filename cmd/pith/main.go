// Package main is the pith CLI: a single-user, self-extending
// conversational agent runtime.
//
// Start the runtime:
//
//	pith run --config ~/.config/pith/config.yaml
//
// Check a running instance:
//
//	pith status
//
// Verify the environment before first run:
//
//	pith doctor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pith-sh/pith/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pith",
		Short:        "pith - a personal agent that builds its own tools",
		Long:         "pith is a single-user conversational agent runtime.\nIt keeps persistent memory in SQLite, extends itself with hot-loaded\ntools, and bridges Telegram alongside a local HTTP API.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: "+config.DefaultPath()+")")

	root.AddCommand(
		buildRunCmd(),
		buildStatusCmd(),
		buildDoctorCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func applyLogLevel(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
