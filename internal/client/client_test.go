package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/internal/decode"
	"github.com/haasonsaas/loom/internal/tools"
)

func newTestClient(t *testing.T, reg *tools.Registry) *AnthropicClient {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	c, err := NewAnthropicClient(Config{APIKey: "test-key"}, reg, decode.NewRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInputSummary_KnownTools(t *testing.T) {
	c := newTestClient(t, nil)

	cases := []struct {
		tool  string
		input string
		want  string
	}{
		{"read_file", `{"path":"notes/a.txt"}`, "Reading notes/a.txt"},
		{"write_file", `{"path":"out.md","content":"x"}`, "Writing out.md"},
		{"web_fetch", `{"url":"https://example.com"}`, "Fetching https://example.com"},
		{"subagent", `{"tasks":[{"name":"a"},{"name":"b"}]}`, "Running 2 sub-tasks"},
		{"subagent", `{"tasks":[{"name":"a"}]}`, "Running 1 sub-task"},
		{"mcp:github:create_issue", `{"title":"x"}`, "Calling create_issue on github"},
	}
	for _, tc := range cases {
		got := c.InputSummary(tc.tool, decode.Raw(json.RawMessage(tc.input)))
		if got != tc.want {
			t.Errorf("InputSummary(%s, %s) = %q, want %q", tc.tool, tc.input, got, tc.want)
		}
	}
}

func TestInputSummary_UnknownToolFallsBack(t *testing.T) {
	c := newTestClient(t, nil)

	got := c.InputSummary("mystery", decode.Raw(json.RawMessage(`{"a":1}`)))
	if !strings.HasPrefix(got, "mystery") {
		t.Errorf("summary = %q, want prefix 'mystery'", got)
	}

	long := `{"data":"` + strings.Repeat("x", 500) + `"}`
	got = c.InputSummary("mystery", decode.Raw(json.RawMessage(long)))
	if len(got) > maxSummaryLen {
		t.Errorf("summary length %d exceeds cap %d", len(got), maxSummaryLen)
	}
}

func TestSession_ExportImportRoundTrip(t *testing.T) {
	c := newTestClient(t, nil)
	c.history = []TurnMessage{
		{Role: "user", Blocks: []Block{{Type: BlockText, Text: "hello"}}},
		{Role: "assistant", Blocks: []Block{
			{Type: BlockThinking, Thinking: "hmm", Signature: "sig"},
			{Type: BlockToolUse, ToolUseID: "toolu_1", ToolName: "read_file", ToolInput: json.RawMessage(`{"path":"a"}`)},
		}},
		{Role: "user", Blocks: []Block{{Type: BlockToolResult, ToolUseID: "toolu_1", ToolResult: "contents"}}},
	}

	blob, err := c.ExportSession()
	if err != nil {
		t.Fatal(err)
	}

	restored := newTestClient(t, nil)
	if err := restored.ImportSession(blob); err != nil {
		t.Fatal(err)
	}

	history := restored.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[1].Blocks[0].Thinking != "hmm" || history[1].Blocks[0].Signature != "sig" {
		t.Errorf("thinking block lost: %+v", history[1].Blocks[0])
	}
	if history[1].Blocks[1].ToolUseID != "toolu_1" {
		t.Errorf("tool use block lost: %+v", history[1].Blocks[1])
	}
}

func TestImportSession_CorruptDataRejected(t *testing.T) {
	c := newTestClient(t, nil)
	if err := c.ImportSession([]byte("{not json")); err == nil {
		t.Error("corrupt session data should be rejected")
	}
}

type hookRecordingTool struct{}

func (hookRecordingTool) Name() string            { return "echo" }
func (hookRecordingTool) Description() string     { return "echoes input" }
func (hookRecordingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (hookRecordingTool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: `{"echoed":true}`}, nil
}
func (hookRecordingTool) Metadata() map[string]string {
	return map[string]string{"kind": "builtin"}
}

func TestExecuteTool_FiresHooksInOrder(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(hookRecordingTool{})
	c := newTestClient(t, reg)

	var events []string
	c.RegisterHooks(Hooks{
		BeforeToolExecution: func(toolName, toolUseID string, input decode.Value, metadata map[string]string) {
			if metadata["kind"] != "builtin" {
				t.Errorf("metadata not forwarded: %v", metadata)
			}
			events = append(events, "before:"+toolUseID)
		},
		AfterToolExecution: func(toolName, toolUseID, resultText string, isError bool, output decode.Value) {
			if isError {
				t.Errorf("unexpected error result: %s", resultText)
			}
			if len(output.Raw) == 0 {
				t.Error("JSON output should carry raw form")
			}
			events = append(events, "after:"+toolUseID)
		},
	})

	result := c.executeTool(context.Background(), Block{
		Type: BlockToolUse, ToolUseID: "toolu_9", ToolName: "echo",
		ToolInput: json.RawMessage(`{}`),
	})

	if result.Type != BlockToolResult || result.ToolUseID != "toolu_9" {
		t.Errorf("unexpected result block: %+v", result)
	}
	want := []string{"before:toolu_9", "after:toolu_9"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("hook order = %v, want %v", events, want)
	}
}

func TestExecuteTool_UnknownToolIsErrorResult(t *testing.T) {
	c := newTestClient(t, nil)
	result := c.executeTool(context.Background(), Block{
		Type: BlockToolUse, ToolUseID: "toolu_x", ToolName: "missing",
		ToolInput: json.RawMessage(`{}`),
	})
	if !result.ToolIsError {
		t.Error("unknown tool should produce an error result")
	}
}

func TestUploadParts_BracketsAttachments(t *testing.T) {
	c := newTestClient(t, nil)

	var events []string
	c.RegisterHooks(Hooks{
		BeforeFileUpload: func(path string) { events = append(events, "before:"+path) },
		AfterFileUpload:  func(path string) { events = append(events, "after:"+path) },
	})

	blocks, err := c.uploadParts([]Part{
		TextPart("look at this"),
		{Type: PartImage, SourcePath: "/tmp/cat.png", FileName: "cat.png", MimeType: "image/png", Data: []byte{1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 || blocks[0].Type != BlockText || blocks[1].Type != BlockImage {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	want := []string{"before:/tmp/cat.png", "after:/tmp/cat.png"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("upload hooks = %v, want %v", events, want)
	}
}

func TestIsRetryableError(t *testing.T) {
	retryable := []error{
		&APIError{StatusCode: 429, Message: "rate limited"},
		&APIError{StatusCode: 503, Message: "overloaded"},
		errors.New("context deadline exceeded"),
		errors.New("connection reset by peer"),
	}
	for _, err := range retryable {
		if !isRetryableError(err) {
			t.Errorf("%v should be retryable", err)
		}
	}

	fatal := []error{
		&APIError{StatusCode: 401, Message: "invalid api key"},
		&APIError{StatusCode: 400, Message: "bad request"},
		nil,
	}
	for _, err := range fatal {
		if isRetryableError(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestAPIError_UserMessage(t *testing.T) {
	err := &APIError{StatusCode: 529, Message: "Overloaded"}
	if err.UserMessage() != "Overloaded" {
		t.Errorf("UserMessage = %q", err.UserMessage())
	}
	if !strings.Contains(err.Error(), "529") {
		t.Errorf("Error() should carry status: %q", err.Error())
	}
}
