// Package config loads and validates the operator configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConfigError indicates a missing or invalid operator setting. It is fatal at
// startup.
type ConfigError struct {
	Key    string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %s", e.Detail)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Detail)
}

// Config is the immutable runtime configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Model    ModelConfig    `yaml:"model"`
	MCP      MCPConfig      `yaml:"mcp"`
	Channels ChannelsConfig `yaml:"channels"`
	Memory   MemoryConfig   `yaml:"memory"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RuntimeConfig struct {
	WorkspacePath string        `yaml:"workspace_path"`
	MemoryDBPath  string        `yaml:"memory_db_path"`
	LogDir        string        `yaml:"log_dir"`
	Context       ContextConfig `yaml:"context"`
	Turn          TurnConfig    `yaml:"turn"`
	Tools         ToolsConfig   `yaml:"tools"`
}

type ContextConfig struct {
	WindowMessages int `yaml:"window_messages"`
	MemoryTopK     int `yaml:"memory_top_k"`
	// TokenBudget bounds the assembled prompt, estimated at ~4 chars/token.
	TokenBudget int `yaml:"token_budget"`
}

type TurnConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	DeadlineSeconds   int `yaml:"deadline_seconds"`
	ModelCallSeconds  int `yaml:"model_call_seconds"`
	// CompactAfterMessages triggers compaction once a session grows past it.
	CompactAfterMessages int `yaml:"compact_after_messages"`
	// CompactKeepRecent is how many trailing messages compaction leaves intact.
	CompactKeepRecent int `yaml:"compact_keep_recent"`
}

type ToolsConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	FileTimeoutSeconds    int `yaml:"file_timeout_seconds"`
	PythonTimeoutSeconds  int `yaml:"python_timeout_seconds"`
	MaxOutputChars        int `yaml:"max_output_chars"`
}

type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotTokenEnv string `yaml:"bot_token_env"`
	// AllowedChatID restricts the bot to a single chat when non-zero.
	AllowedChatID int64 `yaml:"allowed_chat_id"`
}

type MemoryConfig struct {
	// RecencyWeight biases search ranking toward newer entries.
	RecencyWeight float64 `yaml:"recency_weight"`
	// PromotionSchedule is a cron expression for the episodic sweep.
	PromotionSchedule string `yaml:"promotion_schedule"`
	// PromotionAgeDays is the minimum age before an episodic entry qualifies.
	PromotionAgeDays int `yaml:"promotion_age_days"`
	// PromotionMinRetrievals is the retrieval count an entry needs to qualify.
	PromotionMinRetrievals int `yaml:"promotion_min_retrievals"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ToolTimeout converts the configured per-tool default into a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Runtime.Tools.DefaultTimeoutSeconds) * time.Second
}

// FileToolTimeout is the tighter deadline for the file built-ins.
func (c *Config) FileToolTimeout() time.Duration {
	return time.Duration(c.Runtime.Tools.FileTimeoutSeconds) * time.Second
}

// PythonTimeout is the run_python deadline.
func (c *Config) PythonTimeout() time.Duration {
	return time.Duration(c.Runtime.Tools.PythonTimeoutSeconds) * time.Second
}

// TurnDeadline is the total per-turn deadline.
func (c *Config) TurnDeadline() time.Duration {
	return time.Duration(c.Runtime.Turn.DeadlineSeconds) * time.Second
}

// ModelCallTimeout bounds one streaming model call.
func (c *Config) ModelCallTimeout() time.Duration {
	return time.Duration(c.Runtime.Turn.ModelCallSeconds) * time.Second
}

// Addr is the host:port the API listener binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Runtime.MemoryDBPath == "" && cfg.Runtime.WorkspacePath != "" {
		cfg.Runtime.MemoryDBPath = filepath.Join(cfg.Runtime.WorkspacePath, "memory.db")
	}
	if cfg.Runtime.LogDir == "" && cfg.Runtime.WorkspacePath != "" {
		cfg.Runtime.LogDir = filepath.Join(cfg.Runtime.WorkspacePath, ".pith", "logs")
	}
	if cfg.Runtime.Context.WindowMessages == 0 {
		cfg.Runtime.Context.WindowMessages = 40
	}
	if cfg.Runtime.Context.MemoryTopK == 0 {
		cfg.Runtime.Context.MemoryTopK = 5
	}
	if cfg.Runtime.Context.TokenBudget == 0 {
		cfg.Runtime.Context.TokenBudget = 100000
	}
	if cfg.Runtime.Turn.MaxToolIterations == 0 {
		cfg.Runtime.Turn.MaxToolIterations = 16
	}
	if cfg.Runtime.Turn.DeadlineSeconds == 0 {
		cfg.Runtime.Turn.DeadlineSeconds = 300
	}
	if cfg.Runtime.Turn.ModelCallSeconds == 0 {
		cfg.Runtime.Turn.ModelCallSeconds = 120
	}
	if cfg.Runtime.Turn.CompactAfterMessages == 0 {
		cfg.Runtime.Turn.CompactAfterMessages = 200
	}
	if cfg.Runtime.Turn.CompactKeepRecent == 0 {
		cfg.Runtime.Turn.CompactKeepRecent = 50
	}
	if cfg.Runtime.Tools.DefaultTimeoutSeconds == 0 {
		cfg.Runtime.Tools.DefaultTimeoutSeconds = 30
	}
	if cfg.Runtime.Tools.FileTimeoutSeconds == 0 {
		cfg.Runtime.Tools.FileTimeoutSeconds = 5
	}
	if cfg.Runtime.Tools.PythonTimeoutSeconds == 0 {
		cfg.Runtime.Tools.PythonTimeoutSeconds = 30
	}
	if cfg.Runtime.Tools.MaxOutputChars == 0 {
		cfg.Runtime.Tools.MaxOutputChars = 8000
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.APIKeyEnv == "" {
		cfg.Model.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 4096
	}
	if cfg.Channels.Telegram.BotTokenEnv == "" {
		cfg.Channels.Telegram.BotTokenEnv = "TELEGRAM_BOT_TOKEN"
	}
	if cfg.Memory.RecencyWeight == 0 {
		cfg.Memory.RecencyWeight = 0.05
	}
	if cfg.Memory.PromotionSchedule == "" {
		cfg.Memory.PromotionSchedule = "0 4 * * *"
	}
	if cfg.Memory.PromotionAgeDays == 0 {
		cfg.Memory.PromotionAgeDays = 7
	}
	if cfg.Memory.PromotionMinRetrievals == 0 {
		cfg.Memory.PromotionMinRetrievals = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the settings a running server cannot do without.
func (cfg *Config) Validate() error {
	if cfg.Version != 1 {
		return &ConfigError{Key: "version", Detail: fmt.Sprintf("unsupported schema version %d", cfg.Version)}
	}
	if cfg.Runtime.WorkspacePath == "" {
		return &ConfigError{Key: "runtime.workspace_path", Detail: "required"}
	}
	if cfg.Model.Model == "" {
		return &ConfigError{Key: "model.model", Detail: "required"}
	}
	switch cfg.Model.Provider {
	case "anthropic", "openai":
	default:
		return &ConfigError{Key: "model.provider", Detail: fmt.Sprintf("unknown provider %q", cfg.Model.Provider)}
	}
	if os.Getenv(cfg.Model.APIKeyEnv) == "" {
		return &ConfigError{Key: "model.api_key_env", Detail: fmt.Sprintf("environment variable %s is not set", cfg.Model.APIKeyEnv)}
	}
	for i, srv := range cfg.MCP.Servers {
		if srv.Name == "" {
			return &ConfigError{Key: fmt.Sprintf("mcp.servers[%d].name", i), Detail: "required"}
		}
		if srv.URL == "" {
			return &ConfigError{Key: fmt.Sprintf("mcp.servers[%d].url", i), Detail: "required"}
		}
	}
	if cfg.Channels.Telegram.Enabled && os.Getenv(cfg.Channels.Telegram.BotTokenEnv) == "" {
		return &ConfigError{Key: "channels.telegram.bot_token_env", Detail: fmt.Sprintf("environment variable %s is not set", cfg.Channels.Telegram.BotTokenEnv)}
	}
	return nil
}

// DefaultPath returns the config file location, honouring PITH_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("PITH_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "pith", "config.yaml")
}
