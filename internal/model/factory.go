package model

import (
	"fmt"
	"os"

	"github.com/pith-sh/pith/internal/config"
)

// FromConfig builds the configured provider adapter. The API key is read
// from the process environment and never stored.
func FromConfig(cfg *config.Config) (Model, error) {
	key := os.Getenv(cfg.Model.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("model: environment variable %s is not set", cfg.Model.APIKeyEnv)
	}
	switch cfg.Model.Provider {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{APIKey: key})
	case "openai":
		return NewOpenAI(OpenAIConfig{APIKey: key})
	default:
		return nil, fmt.Errorf("model: unknown provider %q", cfg.Model.Provider)
	}
}
