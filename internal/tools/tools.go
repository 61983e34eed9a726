// Package tools defines the executable tool contract and a thread-safe
// registry for routing model-requested tool calls.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is the contract every executable tool implements. The orchestration
// core needs only the declared name, input schema, and execution callback;
// tool internals are domain plumbing.
type Tool interface {
	// Name returns the tool identifier used for model function calling.
	Name() string

	// Description returns a natural language description for the model.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool with schema-conforming JSON input.
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// MetadataProvider is implemented by tools that carry routing metadata,
// such as the originating MCP server name. The metadata is recorded on the
// tool's execution object.
type MetadataProvider interface {
	Metadata() map[string]string
}

// Result is the output of one tool execution.
type Result struct {
	Content string
	IsError bool
}

type toolUseIDKey struct{}

// WithToolUseID stores the current tool-use correlation id on the context.
// The model client sets it before invoking a tool body so that nested
// reporters (the fan-out tool's progress channel) can correlate back to the
// parent execution.
func WithToolUseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolUseIDKey{}, id)
}

// ToolUseID returns the tool-use id stored on the context, if any.
func ToolUseID(ctx context.Context) string {
	id, _ := ctx.Value(toolUseIDKey{}).(string)
	return id
}
