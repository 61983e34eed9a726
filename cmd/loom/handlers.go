// handlers.go implements the command handlers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/controller"
	"github.com/haasonsaas/loom/internal/conversation"
	"github.com/haasonsaas/loom/pkg/models"
)

func runChat(ctx context.Context, configPath, resumeID string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Logging.Level, debug)

	ct := controller.New(cfg, configPath, slog.Default())
	defer ct.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := ct.WatchConfig(ctx); err != nil {
			slog.Warn("config watching disabled", "error", err)
		}
	}()

	var conv *conversation.Conversation
	if resumeID != "" {
		id, err := uuid.Parse(resumeID)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q: %w", resumeID, err)
		}
		conv, err = ct.OpenConversation(ctx, id)
		if err != nil {
			return err
		}
		printTranscript(conv, 0)
	} else {
		conv, err = ct.NewConversation(ctx)
		if err != nil {
			return err
		}
	}
	fmt.Printf("conversation %s (Ctrl-C cancels a turn, Ctrl-D exits)\n", conv.ID)

	// Ctrl-C cancels the in-flight turn instead of killing the process.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		for range interrupts {
			conv.Cancel()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		text, attachments := splitAttachments(line)
		seen := len(conv.Messages())
		if err := conv.SendMessage(ctx, text, attachments); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printTranscript(conv, seen)
	}
}

// applyLogLevel configures the default logger from config; --debug wins.
func applyLogLevel(level string, debug bool) {
	var lvl slog.Level
	if debug {
		lvl = slog.LevelDebug
	} else if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))
}

// splitAttachments peels leading "/attach <path>" directives off a message.
func splitAttachments(line string) (string, []string) {
	var attachments []string
	for strings.HasPrefix(line, "/attach ") {
		rest := strings.TrimPrefix(line, "/attach ")
		fields := strings.SplitN(rest, " ", 2)
		attachments = append(attachments, fields[0])
		if len(fields) == 1 {
			return "", attachments
		}
		line = strings.TrimSpace(fields[1])
	}
	return line, attachments
}

func printTranscript(conv *conversation.Conversation, from int) {
	msgs := conv.Messages()
	for _, msg := range msgs[from:] {
		switch msg.Kind {
		case models.KindUser:
			continue
		case models.KindError:
			for _, block := range msg.Content {
				if block.Type == models.BlockText {
					fmt.Printf("[error] %s\n", block.Text)
				}
			}
		case models.KindAssistant:
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText:
					fmt.Println(block.Text)
				case models.BlockToolUse:
					printExecution(conv, block.ToolUseID, "  ")
				}
			}
		}
	}
}

func printExecution(conv *conversation.Conversation, toolUseID, indent string) {
	exec, ok := conv.Execution(toolUseID)
	if !ok {
		return
	}
	status := "…"
	if exec.IsComplete {
		status = "ok"
		if exec.IsError {
			status = "failed"
		}
	}
	fmt.Printf("%s[%s] %s (%s)\n", indent, exec.Name, exec.InputSummary, status)
	if exec.Children != nil {
		for _, child := range exec.Children.Executions() {
			fmt.Printf("%s  - %s: %s\n", indent, child.Name, child.InputSummary)
		}
	}
}

func runList(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ct := controller.New(cfg, configPath, slog.Default())
	defer ct.Close()

	entries := ct.Conversations()
	if len(entries) == 0 {
		fmt.Println("no stored conversations")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %s\n", e.ID, e.LastMessageTimestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runDelete(configPath, rawID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", rawID, err)
	}

	ct := controller.New(cfg, configPath, slog.Default())
	defer ct.Close()
	if err := ct.DeleteConversation(id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}
