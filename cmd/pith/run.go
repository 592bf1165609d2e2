package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pith-sh/pith/internal/agent"
	"github.com/pith-sh/pith/internal/assemble"
	"github.com/pith-sh/pith/internal/audit"
	"github.com/pith-sh/pith/internal/channels"
	"github.com/pith-sh/pith/internal/channels/telegram"
	"github.com/pith-sh/pith/internal/config"
	"github.com/pith-sh/pith/internal/events"
	"github.com/pith-sh/pith/internal/extensions"
	"github.com/pith-sh/pith/internal/mcp"
	"github.com/pith-sh/pith/internal/model"
	"github.com/pith-sh/pith/internal/store"
	"github.com/pith-sh/pith/internal/tools"
	"github.com/pith-sh/pith/internal/web"
)

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyLogLevel(cfg)
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := slog.Default().With("component", "main")

	if err := os.MkdirAll(cfg.Runtime.WorkspacePath, 0o755); err != nil {
		return err
	}

	st, err := store.Open(cfg.Runtime.MemoryDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	auditLog, err := audit.NewLogger(cfg.Runtime.LogDir, st)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	registry := tools.NewRegistry(tools.Limits{
		Timeout:   cfg.ToolTimeout(),
		MaxOutput: cfg.Runtime.Tools.MaxOutputChars,
	})
	if err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Store:         st,
		WorkspacePath: cfg.Runtime.WorkspacePath,
		FileTimeout:   cfg.FileToolTimeout(),
		PythonTimeout: cfg.PythonTimeout(),
		RecencyWeight: cfg.Memory.RecencyWeight,
	}); err != nil {
		return err
	}

	bus := events.NewBus()

	extDir := filepath.Join(cfg.Runtime.WorkspacePath, "extensions", "tools")
	extManager := extensions.NewManager(extDir, registry, bus, auditLog)
	if err := extManager.Start(ctx); err != nil {
		return err
	}
	defer extManager.Close()

	if n := mcp.Discover(ctx, cfg.MCP.Servers, registry); n > 0 {
		logger.Info("discovered remote tools", "count", n)
	}

	provider, err := model.FromConfig(cfg)
	if err != nil {
		return err
	}

	assembler := assemble.New(st, cfg.Runtime.WorkspacePath, assemble.Options{
		WindowMessages: cfg.Runtime.Context.WindowMessages,
		MemoryTopK:     cfg.Runtime.Context.MemoryTopK,
		TokenBudget:    cfg.Runtime.Context.TokenBudget,
		RecencyWeight:  cfg.Memory.RecencyWeight,
	})
	runtime := agent.NewRuntime(cfg, st, registry, assembler, bus, auditLog, provider)

	server := web.NewServer(cfg, runtime)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Memory.PromotionSchedule, func() {
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
		defer sweepCancel()
		minAge := time.Duration(cfg.Memory.PromotionAgeDays) * 24 * time.Hour
		n, err := st.PromoteEpisodic(sweepCtx, minAge, cfg.Memory.PromotionMinRetrievals)
		if err != nil {
			logger.Error("memory promotion sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("promoted episodic memories", "count", n)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Channels.Telegram.Enabled {
		adapter := telegram.New(telegram.Config{
			Token:         os.Getenv(cfg.Channels.Telegram.BotTokenEnv),
			AllowedChatID: cfg.Channels.Telegram.AllowedChatID,
		}, runtime)
		g.Go(func() error {
			channels.NewSupervisor().Run(gctx, adapter)
			return nil
		})
	}

	g.Go(func() error {
		healthSentinel(gctx, cfg, runtime)
		return nil
	})

	logger.Info("pith is running", "addr", cfg.Addr(), "workspace", cfg.Runtime.WorkspacePath)
	<-gctx.Done()
	logger.Info("shutting down")
	return g.Wait()
}

// healthSentinel touches .pith/healthy while the runtime passes its checks,
// giving process supervisors a file-level liveness signal.
func healthSentinel(ctx context.Context, cfg *config.Config, rt *agent.Runtime) {
	path := filepath.Join(cfg.Runtime.WorkspacePath, ".pith", "healthy")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			os.Remove(path)
			return
		case <-ticker.C:
			if rt.Healthy(ctx) {
				now := time.Now()
				if err := os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err == nil {
					_ = os.Chtimes(path, now, now)
				}
			} else {
				os.Remove(path)
			}
		}
	}
}
