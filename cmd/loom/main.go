// Package main provides the loom CLI: an agentic Claude client with tool
// execution, resumable conversations and MCP server support.
//
// # Basic Usage
//
// Start a chat:
//
//	loom chat --config loom.yaml
//
// Resume a previous conversation:
//
//	loom chat --resume <conversation-id>
//
// List and delete stored conversations:
//
//	loom list
//	loom delete <conversation-id>
//
// # Environment Variables
//
//   - LOOM_CONFIG: Path to configuration file (default: loom.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Agentic Claude client with tools and resumable sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildChatCmd(), buildListCmd(), buildDeleteCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("LOOM_CONFIG"); env != "" {
		return env
	}
	return "loom.yaml"
}
