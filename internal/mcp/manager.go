package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/loom/internal/tools"
)

// remoteTool adapts one MCP server tool to the local tool contract.
type remoteTool struct {
	client      *Client
	server      string
	tool        string
	description string
	schema      json.RawMessage
}

func (t *remoteTool) Name() string        { return ToolName(t.server, t.tool) }
func (t *remoteTool) Description() string { return t.description }

func (t *remoteTool) Schema() json.RawMessage {
	if len(t.schema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.schema
}

func (t *remoteTool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	text, isError, err := t.client.CallTool(ctx, t.tool, input)
	if err != nil {
		return &tools.Result{Content: err.Error(), IsError: true}, nil
	}
	return &tools.Result{Content: text, IsError: isError}, nil
}

func (t *remoteTool) Metadata() map[string]string {
	return map[string]string{"mcp_server": t.server}
}

// ToolName returns the registry name for a server tool.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp:%s:%s", server, tool)
}

type serverState struct {
	config    ServerConfig
	client    *Client
	toolNames []string
}

// Manager owns the set of connected MCP servers and keeps their tools
// registered. Sync diffs a desired configuration against the current state,
// so config hot-reload maps to one call.
type Manager struct {
	registry *tools.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]*serverState
}

// NewManager creates a manager registering into the given tool registry.
func NewManager(registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		logger:   logger.With("component", "mcp"),
		servers:  make(map[string]*serverState),
	}
}

// Sync reconciles connections with the desired configs: removed or changed
// servers are disconnected, new or changed ones connected. A server that
// fails to connect is logged and skipped; the rest proceed.
func (m *Manager) Sync(ctx context.Context, configs []ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" || cfg.URL == "" {
			m.logger.Warn("ignoring mcp server with missing name or url", "name", cfg.Name)
			continue
		}
		desired[cfg.Name] = cfg
	}

	for name, state := range m.servers {
		cfg, keep := desired[name]
		if keep && sameConfig(cfg, state.config) {
			delete(desired, name)
			continue
		}
		m.disconnectLocked(name)
	}

	for name, cfg := range desired {
		if err := m.connectLocked(ctx, cfg); err != nil {
			m.logger.Warn("failed to connect mcp server", "server", name, "error", err)
		}
	}
}

// Close disconnects all servers and unregisters their tools.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.servers {
		m.disconnectLocked(name)
	}
}

// ToolNames returns the currently registered tool names for a server.
func (m *Manager) ToolNames(server string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.servers[server]
	if !ok {
		return nil
	}
	out := make([]string, len(state.toolNames))
	copy(out, state.toolNames)
	return out
}

func (m *Manager) connectLocked(ctx context.Context, cfg ServerConfig) error {
	cli := NewClient(cfg)
	info, err := cli.Initialize(ctx)
	if err != nil {
		return err
	}
	toolInfos, err := cli.ListTools(ctx)
	if err != nil {
		return err
	}

	state := &serverState{config: cfg, client: cli}
	for _, ti := range toolInfos {
		rt := &remoteTool{
			client:      cli,
			server:      cfg.Name,
			tool:        ti.Name,
			description: ti.Description,
			schema:      ti.InputSchema,
		}
		m.registry.Register(rt)
		state.toolNames = append(state.toolNames, rt.Name())
	}
	m.servers[cfg.Name] = state

	m.logger.Info("connected mcp server",
		"server", cfg.Name, "remote", info.ServerInfo.Name, "tools", len(state.toolNames))
	return nil
}

func (m *Manager) disconnectLocked(name string) {
	state, ok := m.servers[name]
	if !ok {
		return
	}
	for _, toolName := range state.toolNames {
		m.registry.Unregister(toolName)
	}
	delete(m.servers, name)
	m.logger.Info("disconnected mcp server", "server", name)
}

func sameConfig(a, b ServerConfig) bool {
	if a.URL != b.URL || a.Timeout != b.Timeout || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}
