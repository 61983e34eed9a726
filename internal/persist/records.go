package persist

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolExecutionRecord is the persisted form of one tool execution. Input
// and Output carry the display strings; InputData and OutputData carry the
// transport encoding of the decoded payloads when one exists.
type ToolExecutionRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      string          `json:"input"`
	InputData  json.RawMessage `json:"inputData,omitempty"`
	Output     string          `json:"output"`
	OutputData json.RawMessage `json:"outputData,omitempty"`
	IsError    bool            `json:"isError"`
}

// ToolOutputsManifest is the tool_outputs.json shape.
type ToolOutputsManifest struct {
	Executions map[string]ToolExecutionRecord `json:"executions"`
}

// MessagesManifest is the messages.json shape.
type MessagesManifest struct {
	Messages []MessageRecord `json:"messages"`
}

// MessageRecord is the persisted form of one transcript message.
type MessageRecord struct {
	ID              string          `json:"id"`
	Content         []ContentRecord `json:"content"`
	Kind            string          `json:"kind"`
	Timestamp       time.Time       `json:"timestamp"`
	ResultedInError bool            `json:"resultedInError"`
}

// ThinkingData is the structured thinking content form.
type ThinkingData struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// AttachmentRecord is the persisted form of a file attachment. RelativePath
// is relative to the conversation directory; the storage root may move
// between launches, so absolute paths are never written.
type AttachmentRecord struct {
	ID           string `json:"id"`
	RelativePath string `json:"relativePath"`
	FileName     string `json:"fileName"`
	MimeType     string `json:"mimeType"`
	FileSize     int64  `json:"fileSize"`
}

// Content record types.
const (
	ContentText          = "text"
	ContentThinking      = "thinking"
	ContentToolExecution = "toolExecution"
	ContentAttachment    = "fileAttachment"
)

// ContentRecord is one persisted content block, encoded as a {type, data}
// tagged union. Exactly one variant field is meaningful, selected by Type.
// Tool executions are referenced by id only; their data lives in the
// tool-outputs manifest.
type ContentRecord struct {
	Type       string
	Text       string
	Thinking   ThinkingData
	ToolUseID  string
	Attachment *AttachmentRecord
}

type contentEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c ContentRecord) MarshalJSON() ([]byte, error) {
	var data any
	switch c.Type {
	case ContentText:
		data = c.Text
	case ContentThinking:
		data = c.Thinking
	case ContentToolExecution:
		data = c.ToolUseID
	case ContentAttachment:
		data = c.Attachment
	default:
		return nil, fmt.Errorf("persist: unknown content type %q", c.Type)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contentEnvelope{Type: c.Type, Data: raw})
}

func (c *ContentRecord) UnmarshalJSON(b []byte) error {
	var envelope contentEnvelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}
	c.Type = envelope.Type

	switch envelope.Type {
	case ContentText:
		return json.Unmarshal(envelope.Data, &c.Text)
	case ContentThinking:
		// Older manifests wrote thinking content as a bare string.
		var legacy string
		if err := json.Unmarshal(envelope.Data, &legacy); err == nil {
			c.Thinking = ThinkingData{Thinking: legacy}
			return nil
		}
		return json.Unmarshal(envelope.Data, &c.Thinking)
	case ContentToolExecution:
		return json.Unmarshal(envelope.Data, &c.ToolUseID)
	case ContentAttachment:
		c.Attachment = &AttachmentRecord{}
		return json.Unmarshal(envelope.Data, c.Attachment)
	default:
		return fmt.Errorf("persist: unknown content type %q", envelope.Type)
	}
}

// IndexEntry is one row of the top-level conversations index.
type IndexEntry struct {
	ID                   string    `json:"id"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
}
