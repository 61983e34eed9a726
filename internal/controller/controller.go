// Package controller creates, reopens and deletes conversations, wiring
// each one's tool set, decoders, MCP servers and model client. It also
// watches the config file and reconciles MCP connections on change.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/client"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/conversation"
	"github.com/haasonsaas/loom/internal/decode"
	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/persist"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/internal/tools/subagent"
)

type managedConversation struct {
	conv *conversation.Conversation
	mcp  *mcp.Manager
}

// Controller is the top-level owner of conversations.
type Controller struct {
	cfgPath string
	store   *persist.Store
	logger  *slog.Logger

	mu    sync.Mutex
	cfg   *config.Config
	convs map[uuid.UUID]*managedConversation
}

// New creates a controller from a loaded configuration. cfgPath may be
// empty when no file backs the config; WatchConfig then has nothing to do.
func New(cfg *config.Config, cfgPath string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfgPath: cfgPath,
		store:   persist.NewStore(cfg.ConversationsDir, logger),
		logger:  logger.With("component", "controller"),
		cfg:     cfg,
		convs:   make(map[uuid.UUID]*managedConversation),
	}
}

// Conversations returns the persisted index, most recent first.
func (ct *Controller) Conversations() []persist.IndexEntry {
	return ct.store.LoadIndex()
}

// NewConversation creates a fresh conversation.
func (ct *Controller) NewConversation(ctx context.Context) (*conversation.Conversation, error) {
	return ct.build(ctx, uuid.New(), false)
}

// OpenConversation reopens a persisted conversation by id.
func (ct *Controller) OpenConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	return ct.build(ctx, id, true)
}

// DeleteConversation removes a conversation's index entry, then its
// directory, and disconnects any live MCP servers attached to it.
func (ct *Controller) DeleteConversation(id uuid.UUID) error {
	ct.mu.Lock()
	if managed, ok := ct.convs[id]; ok {
		managed.mcp.Close()
		delete(ct.convs, id)
	}
	ct.mu.Unlock()
	return ct.store.DeleteConversation(id)
}

// Close disconnects all MCP servers.
func (ct *Controller) Close() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for _, managed := range ct.convs {
		managed.mcp.Close()
	}
	ct.convs = make(map[uuid.UUID]*managedConversation)
}

func (ct *Controller) build(ctx context.Context, id uuid.UUID, load bool) (*conversation.Conversation, error) {
	ct.mu.Lock()
	cfg := ct.cfg
	ct.mu.Unlock()

	// Tool working directories live under the conversation directory, so
	// it must exist before the tools do.
	dir, err := ct.store.EnsureConversationDir(id)
	if err != nil {
		return nil, err
	}
	filesDir := filepath.Join(dir, persist.FilesDir)

	decoders := decode.NewRegistry()
	if err := registerBuiltinDecoders(decoders); err != nil {
		return nil, err
	}

	// Sub-agents get the same tool set minus the fan-out tool itself,
	// so a sub-task cannot spawn further sub-agents.
	reg := tools.NewRegistry()
	subReg := tools.NewRegistry()
	for _, r := range []*tools.Registry{reg, subReg} {
		if cfg.Tools.Enabled("read_file") {
			r.Register(tools.NewReadFileTool(filesDir))
		}
		if cfg.Tools.Enabled("write_file") {
			r.Register(tools.NewWriteFileTool(filesDir))
		}
		if cfg.Tools.Enabled("web_fetch") {
			r.Register(tools.NewWebFetchTool())
		}
	}

	mcpMgr := mcp.NewManager(reg, ct.logger)
	mcpMgr.Sync(ctx, cfg.MCP.Servers)

	mainClient, err := client.NewAnthropicClient(ct.clientConfig(cfg), reg, decoders, ct.logger)
	if err != nil {
		mcpMgr.Close()
		return nil, err
	}
	if cfg.Tools.Enabled(subagent.ToolName) {
		runner := ct.subagentRunner(cfg, subReg, decoders)
		reg.Register(subagent.New(runner, mainClient))
	}

	var conv *conversation.Conversation
	if load {
		conv = conversation.Load(id, mainClient, ct.store, ct.logger)
	} else {
		conv = conversation.New(id, mainClient, ct.store, ct.logger)
	}

	ct.mu.Lock()
	ct.convs[id] = &managedConversation{conv: conv, mcp: mcpMgr}
	ct.mu.Unlock()
	return conv, nil
}

func (ct *Controller) clientConfig(cfg *config.Config) client.Config {
	return client.Config{
		APIKey:               cfg.Anthropic.APIKey,
		BaseURL:              cfg.Anthropic.BaseURL,
		Model:                cfg.Anthropic.Model,
		System:               cfg.SystemPrompt,
		MaxTokens:            cfg.Anthropic.MaxTokens,
		MaxTurns:             cfg.Anthropic.MaxTurns,
		MaxRetries:           cfg.Anthropic.MaxRetries,
		RetryDelay:           cfg.Anthropic.RetryDelay,
		EnableThinking:       cfg.Anthropic.EnableThinking,
		ThinkingBudgetTokens: cfg.Anthropic.ThinkingBudgetTokens,
	}
}

// subagentRunner runs one sub-task on its own model client against the
// reduced tool registry, reporting each nested tool call as it completes.
func (ct *Controller) subagentRunner(cfg *config.Config, reg *tools.Registry, decoders *decode.Registry) subagent.Runner {
	return func(ctx context.Context, task subagent.Task, report func(subagent.ToolCallRecord)) (string, error) {
		clientCfg := ct.clientConfig(cfg)
		clientCfg.System = fmt.Sprintf("You are %q, a focused sub-agent. Complete the task you are given and report the result.", task.Name)

		sub, err := client.NewAnthropicClient(clientCfg, reg, decoders, ct.logger)
		if err != nil {
			return "", err
		}

		var mu sync.Mutex
		summaries := map[string]string{}
		sub.RegisterHooks(client.Hooks{
			BeforeToolExecution: func(toolName, toolUseID string, input decode.Value, _ map[string]string) {
				mu.Lock()
				summaries[toolUseID] = sub.InputSummary(toolName, input)
				mu.Unlock()
			},
			AfterToolExecution: func(toolName, toolUseID, resultText string, isError bool, _ decode.Value) {
				mu.Lock()
				summary := summaries[toolUseID]
				mu.Unlock()
				report(subagent.ToolCallRecord{
					ID:      toolUseID,
					Name:    toolName,
					Summary: summary,
					Output:  truncate(resultText, 2000),
					IsError: isError,
				})
			},
		})

		stream, err := sub.Send(ctx, []client.Part{client.TextPart(task.Prompt)})
		if err != nil {
			return "", err
		}
		var lastText string
		for turn := range stream {
			if turn.Err != nil {
				return "", turn.Err
			}
			var b strings.Builder
			for _, block := range turn.Blocks {
				if block.Type == client.BlockText {
					b.WriteString(block.Text)
				}
			}
			if b.Len() > 0 {
				lastText = b.String()
			}
		}
		return lastText, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// registerBuiltinDecoders installs typed decoders for the built-in tools.
// MCP tools stay raw-only; their shapes are owned by the remote server.
func registerBuiltinDecoders(decoders *decode.Registry) error {
	entries := []struct {
		name      string
		schema    []byte
		newInput  func() any
		newOutput func() any
	}{
		{"read_file", tools.SchemaFor(&tools.ReadFileInput{}), func() any { return &tools.ReadFileInput{} }, nil},
		{"write_file", tools.SchemaFor(&tools.WriteFileInput{}), func() any { return &tools.WriteFileInput{} }, nil},
		{"web_fetch", tools.SchemaFor(&tools.WebFetchInput{}), func() any { return &tools.WebFetchInput{} }, nil},
		{subagent.ToolName, tools.SchemaFor(&subagent.Input{}),
			func() any { return &subagent.Input{} },
			func() any { return &subagent.Output{} }},
	}
	for _, e := range entries {
		if err := decoders.Register(e.name, e.schema, e.newInput, e.newOutput); err != nil {
			return err
		}
	}
	return nil
}

// WatchConfig reloads the config file on change and reconciles MCP
// connections for every open conversation. Blocks until ctx is done.
func (ct *Controller) WatchConfig(ctx context.Context) error {
	if ct.cfgPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("controller: config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the path itself.
	if err := watcher.Add(filepath.Dir(ct.cfgPath)); err != nil {
		return fmt.Errorf("controller: watch config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(ct.cfgPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			ct.reloadConfig(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ct.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (ct *Controller) reloadConfig(ctx context.Context) {
	cfg, err := config.Load(ct.cfgPath)
	if err != nil {
		ct.logger.Warn("config reload failed, keeping previous", "error", err)
		return
	}

	ct.mu.Lock()
	ct.cfg = cfg
	managers := make([]*mcp.Manager, 0, len(ct.convs))
	for _, managed := range ct.convs {
		managers = append(managers, managed.mcp)
	}
	ct.mu.Unlock()

	for _, mgr := range managers {
		mgr.Sync(ctx, cfg.MCP.Servers)
	}
	ct.logger.Info("config reloaded", "mcp_servers", len(cfg.MCP.Servers))
}
