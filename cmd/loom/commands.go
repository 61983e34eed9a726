// commands.go contains the cobra command definitions. Each builder creates
// a command and wires it to its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		resumeID   string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume an interactive conversation",
		Long: `Start an interactive conversation with tool execution enabled.

Attachments can be sent by prefixing a message with "/attach <path> ".
An in-flight turn is cancelled with Ctrl-C; the conversation survives.`,
		Example: `  # New conversation
  loom chat

  # Resume a stored conversation
  loom chat --resume 4f8b7a2e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), resolveConfigPath(configPath), resumeID, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&resumeID, "resume", "r", "", "Conversation id to resume")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
