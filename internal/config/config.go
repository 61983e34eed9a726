// Package config loads the application configuration from YAML or JSON5
// files, with $include composition and environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/loom/internal/mcp"
)

// Config is the root configuration.
type Config struct {
	Anthropic        AnthropicConfig `yaml:"anthropic"`
	ConversationsDir string          `yaml:"conversations_dir"`
	SystemPrompt     string          `yaml:"system_prompt"`
	MCP              MCPConfig       `yaml:"mcp"`
	Logging          LoggingConfig   `yaml:"logging"`
	Tools            ToolsConfig     `yaml:"tools"`
}

// AnthropicConfig configures the model client.
type AnthropicConfig struct {
	APIKey               string        `yaml:"api_key"`
	BaseURL              string        `yaml:"base_url"`
	Model                string        `yaml:"model"`
	MaxTokens            int           `yaml:"max_tokens"`
	MaxTurns             int           `yaml:"max_turns"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	EnableThinking       bool          `yaml:"enable_thinking"`
	ThinkingBudgetTokens int           `yaml:"thinking_budget_tokens"`
}

// MCPConfig lists the MCP servers to connect.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ToolsConfig configures the built-in tools. All are enabled unless listed.
type ToolsConfig struct {
	Disabled []string `yaml:"disabled"`
}

// Enabled reports whether a built-in tool should be registered.
func (t ToolsConfig) Enabled(name string) bool {
	for _, d := range t.Disabled {
		if d == name {
			return false
		}
	}
	return true
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.ConversationsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.ConversationsDir = filepath.Join(home, ".loom", "conversations")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("config: anthropic.api_key is required (or set ANTHROPIC_API_KEY)")
	}
	seen := map[string]bool{}
	for _, srv := range c.MCP.Servers {
		if srv.Name == "" || srv.URL == "" {
			return fmt.Errorf("config: mcp servers need both name and url")
		}
		if seen[srv.Name] {
			return fmt.Errorf("config: duplicate mcp server name %q", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}
