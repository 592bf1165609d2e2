package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pith-sh/pith/internal/config"
	"github.com/pith-sh/pith/internal/store"
)

type check struct {
	name string
	run  func(cfg *config.Config) error
}

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Verify the environment before first run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ config: %v\n", err)
				return fmt.Errorf("doctor found problems")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ config: loaded and valid")

			failed := false
			for _, c := range doctorChecks() {
				if err := c.run(cfg); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %v\n", c.name, err)
					failed = true
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", c.name)
			}
			if failed {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}

func doctorChecks() []check {
	return []check{
		{"workspace writable", func(cfg *config.Config) error {
			if err := os.MkdirAll(cfg.Runtime.WorkspacePath, 0o755); err != nil {
				return err
			}
			probe := filepath.Join(cfg.Runtime.WorkspacePath, ".pith-doctor")
			if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
				return err
			}
			return os.Remove(probe)
		}},
		{"sqlite database", func(cfg *config.Config) error {
			st, err := store.Open(cfg.Runtime.MemoryDBPath)
			if err != nil {
				return err
			}
			return st.Close()
		}},
		{"python3 on PATH (extension tools)", func(cfg *config.Config) error {
			_, err := exec.LookPath("python3")
			return err
		}},
		{"model API key", func(cfg *config.Config) error {
			if os.Getenv(cfg.Model.APIKeyEnv) == "" {
				return fmt.Errorf("environment variable %s is not set", cfg.Model.APIKeyEnv)
			}
			return nil
		}},
		{"telegram bot token", func(cfg *config.Config) error {
			if !cfg.Channels.Telegram.Enabled {
				return nil
			}
			if os.Getenv(cfg.Channels.Telegram.BotTokenEnv) == "" {
				return fmt.Errorf("environment variable %s is not set", cfg.Channels.Telegram.BotTokenEnv)
			}
			return nil
		}},
	}
}
