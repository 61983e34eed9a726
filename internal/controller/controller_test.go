package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/decode"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Anthropic:        config.AnthropicConfig{APIKey: "sk-test"},
		ConversationsDir: t.TempDir(),
		SystemPrompt:     "be helpful",
	}
}

func TestNewConversation_CreatesDirectoryLayout(t *testing.T) {
	cfg := testConfig(t)
	ct := New(cfg, "", nil)
	defer ct.Close()

	conv, err := ct.NewConversation(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	filesDir := filepath.Join(cfg.ConversationsDir, conv.ID.String(), "files")
	if _, err := os.Stat(filesDir); err != nil {
		t.Errorf("files dir not created: %v", err)
	}
}

func TestDeleteConversation_RemovesEverything(t *testing.T) {
	cfg := testConfig(t)
	ct := New(cfg, "", nil)
	defer ct.Close()

	conv, err := ct.NewConversation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := ct.DeleteConversation(conv.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(cfg.ConversationsDir, conv.ID.String())); !os.IsNotExist(err) {
		t.Error("conversation directory should be gone")
	}
	if entries := ct.Conversations(); len(entries) != 0 {
		t.Errorf("index entries = %v, want none", entries)
	}
}

func TestBuiltinDecoders_DecodeTypedInputs(t *testing.T) {
	decoders := decode.NewRegistry()
	if err := registerBuiltinDecoders(decoders); err != nil {
		t.Fatal(err)
	}

	v := decoders.DecodeInput("read_file", []byte(`{"path":"a.txt"}`))
	if v.Decoded == nil {
		t.Fatal("read_file input should decode")
	}

	// Schema-mismatched payload keeps its raw form only.
	v = decoders.DecodeInput("read_file", []byte(`{"path":42}`))
	if v.Decoded != nil {
		t.Error("invalid payload should not decode")
	}
	if len(v.Raw) == 0 {
		t.Error("raw form must be retained")
	}

	v = decoders.DecodeOutput("subagent", []byte(`{"tasks":[],"tool_calls":[]}`))
	if v.Decoded == nil {
		t.Error("subagent output should decode")
	}
}

func TestOpenConversation_UnknownIDStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	ct := New(cfg, "", nil)
	defer ct.Close()

	conv, err := ct.NewConversation(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := ct.OpenConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reopened.Messages()) != 0 {
		t.Errorf("never-saved conversation should reopen empty, got %d messages", len(reopened.Messages()))
	}
}
