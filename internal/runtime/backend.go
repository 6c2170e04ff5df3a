package runtime

import (
	"fmt"
	"strings"

	"sshconsole/internal/agent"
	"sshconsole/internal/agent/anthropic"
	"sshconsole/internal/agent/openai"
)

// BackendConfig selects and configures the model backend a Conversation
// talks to. Provider is "anthropic", "openai", or "" (falls back to
// agent.EchoClient, useful for exercising the bridge without a live key).
type BackendConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// BuildClient constructs the agent.ModelClient named by cfg.Provider.
func BuildClient(cfg BackendConfig) (agent.ModelClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return anthropic.New(anthropic.Options{Token: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openai":
		return openai.New(openai.Options{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "", "echo":
		return agent.EchoClient{Prefix: "assistant: "}, nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Provider)
	}
}
