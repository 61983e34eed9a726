// Package client abstracts the language-model wire client. The
// orchestration core treats it as an opaque async message source: it sends
// user turns, consumes fully-formed assistant turns, and attaches lifecycle
// hooks around tool execution. The Anthropic implementation lives in
// anthropic.go; tests substitute fakes.
package client

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/internal/decode"
)

// Hooks are the extension points a conversation registers against the
// client before any message is sent. Callbacks for a given tool-use id fire
// in the order before -> (zero or more subtask progress events) -> after.
// The client stores hooks by value and never outlives its conversation.
type Hooks struct {
	// BeforeToolExecution fires synchronously before a tool body runs.
	BeforeToolExecution func(toolName, toolUseID string, input decode.Value, metadata map[string]string)

	// AfterToolExecution fires after the tool body completes.
	AfterToolExecution func(toolName, toolUseID, resultText string, isError bool, output decode.Value)

	// SubtaskProgress fires for live fan-out progress, keyed by the
	// parent tool-use id.
	SubtaskProgress func(parentToolUseID, taskID, toolName, summary string)

	// BeforeFileUpload and AfterFileUpload bracket attachment uploads.
	BeforeFileUpload func(path string)
	AfterFileUpload  func(path string)
}

// PartType identifies the variant of an outbound message part.
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartDocument PartType = "document"
	PartFile     PartType = "file"
)

// Part is one element of an outbound user message.
type Part struct {
	Type       PartType
	Text       string
	SourcePath string
	FileName   string
	MimeType   string
	Data       []byte
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// BlockType identifies the variant of a turn-message block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockDocument   BlockType = "document"
	BlockFile       BlockType = "file"
)

// Block is one ordered element of a turn message. Exactly one variant is
// populated, selected by Type.
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	ToolResult  string `json:"tool_result,omitempty"`
	ToolIsError bool   `json:"tool_is_error,omitempty"`

	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// TurnMessage is one fully-formed turn yielded by the client's stream.
// This layer yields complete turns of content, not incremental deltas.
// A terminal stream failure arrives as a TurnMessage carrying only Err,
// immediately before the channel closes.
type TurnMessage struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"blocks"`
	Err    error   `json:"-"`
}

// Client is the model wire client contract the conversation core depends
// on. Implementations own the native multi-turn state and expose it only
// as an opaque session blob.
type Client interface {
	// RegisterHooks attaches lifecycle hooks. Must be called before Send.
	RegisterHooks(h Hooks)

	// Send submits one user turn and streams back assistant turns. The
	// channel closes after the final turn or a terminal error message.
	Send(ctx context.Context, parts []Part) (<-chan *TurnMessage, error)

	// ExportSession serializes the client's native multi-turn state.
	ExportSession() ([]byte, error)

	// ImportSession restores state produced by ExportSession.
	ImportSession(data []byte) error

	// History returns the client's native turn history. Used only as the
	// degraded transcript-reconstruction fallback.
	History() []TurnMessage

	// InputSummary formats a human-readable summary for a tool call.
	// Only the client knows each tool's summary format.
	InputSummary(toolName string, input decode.Value) string
}
