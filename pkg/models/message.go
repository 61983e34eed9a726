package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind indicates the author type of a transcript message.
type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindError     MessageKind = "error"
)

// BlockType identifies the variant of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "toolExecution"
	BlockAttachment BlockType = "fileAttachment"
)

// ContentBlock is one ordered element of a message. Exactly one variant is
// populated, selected by Type. Tool-use blocks hold only the tool-use id;
// the execution itself lives in the conversation's execution registry.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block with an optional signature.
func ThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking, Signature: signature}
}

// ToolUseBlock builds a block referencing a tool execution by id.
func ToolUseBlock(toolUseID string) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: toolUseID}
}

// AttachmentBlock builds a block carrying a user-supplied file attachment.
func AttachmentBlock(att Attachment) ContentBlock {
	return ContentBlock{Type: BlockAttachment, Attachment: &att}
}

// Message is one entry in a conversation transcript. Content order is
// significant and append-only during a live session.
type Message struct {
	ID              uuid.UUID      `json:"id"`
	Kind            MessageKind    `json:"kind"`
	Content         []ContentBlock `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	ResultedInError bool           `json:"resulted_in_error"`
}

// NewMessage creates a message with a fresh id and the current timestamp.
func NewMessage(kind MessageKind, content ...ContentBlock) *Message {
	return &Message{
		ID:        uuid.New(),
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Attachment describes a user-supplied file copied under a conversation's
// attachment directory. Path is absolute and valid only for the current
// process; persistence stores the conversation-relative path instead, since
// the conversation root may move between launches.
type Attachment struct {
	ID       uuid.UUID `json:"id"`
	Path     string    `json:"-"`
	FileName string    `json:"file_name"`
	MimeType string    `json:"mime_type"`
	FileSize int64     `json:"file_size"`
}
