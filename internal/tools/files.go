package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadFileSize caps file reads returned to the model.
const maxReadFileSize = 1 << 20

// ReadFileInput is the input shape for the read_file tool.
type ReadFileInput struct {
	Path string `json:"path" jsonschema:"description=Path of the file to read, relative to the conversation working directory"`
}

// WriteFileInput is the input shape for the write_file tool.
type WriteFileInput struct {
	Path    string `json:"path" jsonschema:"description=Path of the file to write, relative to the conversation working directory"`
	Content string `json:"content" jsonschema:"description=Full content to write"`
}

// ReadFileTool reads files from a conversation-scoped working directory.
type ReadFileTool struct {
	root string
}

// NewReadFileTool creates a read_file tool rooted at dir.
func NewReadFileTool(dir string) *ReadFileTool {
	return &ReadFileTool{root: dir}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the working directory." }

func (t *ReadFileTool) Schema() json.RawMessage {
	return SchemaFor(&ReadFileInput{})
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in ReadFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return &Result{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}
	path, err := resolveWorkingPath(t.root, in.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if info.Size() > maxReadFileSize {
		return &Result{
			Content: fmt.Sprintf("file too large: %d bytes (limit %d)", info.Size(), maxReadFileSize),
			IsError: true,
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: string(data)}, nil
}

// WriteFileTool writes files into a conversation-scoped working directory.
type WriteFileTool struct {
	root string
}

// NewWriteFileTool creates a write_file tool rooted at dir.
func NewWriteFileTool(dir string) *WriteFileTool {
	return &WriteFileTool{root: dir}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write a file in the working directory." }

func (t *WriteFileTool) Schema() json.RawMessage {
	return SchemaFor(&WriteFileInput{})
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in WriteFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return &Result{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}
	path, err := resolveWorkingPath(t.root, in.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}

// resolveWorkingPath joins a model-supplied relative path to the working
// directory root, rejecting traversal outside it.
func resolveWorkingPath(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the working directory")
	}
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working directory")
	}
	return joined, nil
}
