package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/client"
	"github.com/haasonsaas/loom/internal/decode"
	"github.com/haasonsaas/loom/internal/persist"
	"github.com/haasonsaas/loom/internal/tools/subagent"
	"github.com/haasonsaas/loom/pkg/models"
)

// fakeClient is a scripted stand-in for the model client. Each Send runs
// the script, which can fire hooks and emit turns, mirroring how the real
// client interleaves tool execution with the stream.
type fakeClient struct {
	hooks   []client.Hooks
	script  func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage)
	history []client.TurnMessage
}

func (f *fakeClient) RegisterHooks(h client.Hooks) { f.hooks = append(f.hooks, h) }

func (f *fakeClient) Send(ctx context.Context, parts []client.Part) (<-chan *client.TurnMessage, error) {
	var blocks []client.Block
	for _, p := range parts {
		if p.Type == client.PartText {
			blocks = append(blocks, client.Block{Type: client.BlockText, Text: p.Text})
		}
	}
	f.history = append(f.history, client.TurnMessage{Role: "user", Blocks: blocks})

	out := make(chan *client.TurnMessage)
	go func() {
		defer close(out)
		f.script(f, ctx, out)
	}()
	return out, nil
}

func (f *fakeClient) ExportSession() ([]byte, error) { return json.Marshal(f.history) }

func (f *fakeClient) ImportSession(data []byte) error {
	return json.Unmarshal(data, &f.history)
}

func (f *fakeClient) History() []client.TurnMessage { return f.history }

func (f *fakeClient) InputSummary(toolName string, input decode.Value) string {
	return "run " + toolName
}

func (f *fakeClient) fireBefore(toolName, id string, input decode.Value) {
	for _, h := range f.hooks {
		if h.BeforeToolExecution != nil {
			h.BeforeToolExecution(toolName, id, input, nil)
		}
	}
}

func (f *fakeClient) fireAfter(toolName, id, result string, isError bool, output decode.Value) {
	for _, h := range f.hooks {
		if h.AfterToolExecution != nil {
			h.AfterToolExecution(toolName, id, result, isError, output)
		}
	}
}

func (f *fakeClient) fireProgress(parentID, taskID, toolName, summary string) {
	for _, h := range f.hooks {
		if h.SubtaskProgress != nil {
			h.SubtaskProgress(parentID, taskID, toolName, summary)
		}
	}
}

func textTurn(text string) *client.TurnMessage {
	return &client.TurnMessage{Role: "assistant", Blocks: []client.Block{
		{Type: client.BlockText, Text: text},
	}}
}

func kinds(msgs []*models.Message) []models.MessageKind {
	out := make([]models.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestSendMessage_AppendsUserThenAssistant(t *testing.T) {
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		out <- textTurn("hello back")
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	if err := c.SendMessage(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 || msgs[0].Kind != models.KindUser || msgs[1].Kind != models.KindAssistant {
		t.Fatalf("kinds = %v, want [user assistant]", kinds(msgs))
	}
	if msgs[1].Content[0].Text != "hello back" {
		t.Errorf("assistant text = %q", msgs[1].Content[0].Text)
	}
}

func TestSendMessage_APIErrorYieldsErrorEntry(t *testing.T) {
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		out <- &client.TurnMessage{Err: &client.APIError{StatusCode: 429, Message: "rate limited"}}
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	if err := c.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (user + error)", len(msgs))
	}
	if msgs[0].Kind != models.KindUser || msgs[0].Content[0].Text != "hi" {
		t.Error("user message must never be retracted")
	}
	errMsg := msgs[1]
	if errMsg.Kind != models.KindError {
		t.Fatalf("kind = %q, want error", errMsg.Kind)
	}
	if errMsg.Content[0].Text != "API Error: rate limited" {
		t.Errorf("error text = %q, want 'API Error: rate limited'", errMsg.Content[0].Text)
	}
}

func TestSendMessage_CancellationLeavesNoPartialAssistant(t *testing.T) {
	turnEmitted := make(chan struct{})
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		out <- textTurn("first turn")
		close(turnEmitted)
		<-ctx.Done()
		out <- &client.TurnMessage{Err: ctx.Err()}
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "start", nil) }()

	<-turnEmitted
	c.Cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	msgs := c.Messages()
	last := msgs[len(msgs)-1]
	if last.Kind == models.KindAssistant {
		t.Fatalf("trailing assistant message survived cancellation: %+v", last)
	}
	if last.Kind != models.KindError || last.Content[0].Text != "Request cancelled" {
		t.Errorf("last message = %q %q, want error 'Request cancelled'", last.Kind, last.Content[0].Text)
	}
	if msgs[0].Kind != models.KindUser {
		t.Error("user message lost")
	}
}

func TestSendMessage_MaxTurnsYieldsDistinctMessage(t *testing.T) {
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		out <- &client.TurnMessage{Err: client.ErrMaxTurns}
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	if err := c.SendMessage(context.Background(), "go", nil); err != nil {
		t.Fatal(err)
	}
	last := c.Messages()[1]
	if last.Content[0].Text != "Maximum turns reached" {
		t.Errorf("text = %q", last.Content[0].Text)
	}
}

func TestAfterHook_UnknownToolUseIsNoop(t *testing.T) {
	fc := &fakeClient{}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	fc.fireAfter("read_file", "toolu_never_seen", "output", false, decode.Value{})

	if n := len(c.Executions()); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestHooks_UploadSetTracksInFlightFiles(t *testing.T) {
	fc := &fakeClient{}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	fc.hooks[0].BeforeFileUpload("/tmp/a.png")
	if files := c.UploadingFiles(); len(files) != 1 || files[0] != "/tmp/a.png" {
		t.Errorf("uploading = %v", files)
	}
	fc.hooks[0].AfterFileUpload("/tmp/a.png")
	if files := c.UploadingFiles(); len(files) != 0 {
		t.Errorf("uploading not cleared: %v", files)
	}
}

func TestFanOut_ChildrenMatchBatchResult(t *testing.T) {
	batch := subagent.Output{
		Tasks: []subagent.TaskResult{
			{ID: "task-0", Name: "a", Output: "done a"},
			{ID: "task-1", Name: "b", Output: "done b"},
		},
		ToolCalls: []subagent.ToolCallRecord{
			{ID: "c1", Name: "web_fetch", Summary: "Fetching x", Output: "x"},
			{ID: "c2", Name: "read_file", Summary: "Reading y", Output: "y"},
		},
	}
	batchJSON, _ := json.Marshal(batch)
	input := decode.Raw(json.RawMessage(`{"tasks":[{"name":"a","prompt":"p"},{"name":"b","prompt":"q"}]}`))

	fc := &fakeClient{}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	fc.fireBefore(subagent.ToolName, "toolu_fan", input)
	// Provisional live progress, racing ahead of the batch result.
	fc.fireProgress("toolu_fan", "task-0", "web_fetch", "Fetching x")
	fc.fireProgress("toolu_fan", "task-1", "read_file", "Reading y (stale)")
	fc.fireAfter(subagent.ToolName, "toolu_fan", string(batchJSON), false, decode.Raw(batchJSON))

	parent, ok := c.Execution("toolu_fan")
	if !ok || !parent.IsComplete {
		t.Fatalf("parent execution missing or incomplete: %+v", parent)
	}
	children := parent.Children.Executions()
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for i, want := range batch.ToolCalls {
		if children[i].ID != want.ID || children[i].Name != want.Name || children[i].InputSummary != want.Summary {
			t.Errorf("child %d = %+v, want %+v", i, children[i], want)
		}
		if !children[i].IsComplete {
			t.Errorf("child %d not complete", i)
		}
	}

	// Late progress after finalization must not mutate the final list.
	fc.fireProgress("toolu_fan", "task-0", "web_fetch", "late event")
	if n := len(parent.Children.Executions()); n != 2 {
		t.Errorf("late progress mutated final children: %d", n)
	}
}

func TestRoundTrip_SaveThenLoadReproducesState(t *testing.T) {
	toolInput := json.RawMessage(`{"url":"https://example.com"}`)
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		f.fireBefore("web_fetch", "toolu_rt", decode.Raw(toolInput))
		f.fireAfter("web_fetch", "toolu_rt", "<html>ok</html>", false, decode.Value{})
		out <- &client.TurnMessage{Role: "assistant", Blocks: []client.Block{
			{Type: client.BlockThinking, Thinking: "fetch it", Signature: "sig"},
			{Type: client.BlockToolUse, ToolUseID: "toolu_rt", ToolName: "web_fetch", ToolInput: toolInput},
		}}
		out <- textTurn("the page says ok")
	}}

	root := t.TempDir()
	store := persist.NewStore(root, nil)
	id := uuid.New()
	c := New(id, fc, store, nil)
	if err := c.SendMessage(context.Background(), "fetch example.com", nil); err != nil {
		t.Fatal(err)
	}

	loaded := Load(id, &fakeClient{}, persist.NewStore(root, nil), nil)

	orig, reloaded := c.Messages(), loaded.Messages()
	if len(reloaded) != len(orig) {
		t.Fatalf("message count = %d, want %d", len(reloaded), len(orig))
	}
	for i := range orig {
		if reloaded[i].Kind != orig[i].Kind || len(reloaded[i].Content) != len(orig[i].Content) {
			t.Errorf("message %d shape differs: %+v vs %+v", i, reloaded[i], orig[i])
			continue
		}
		for j := range orig[i].Content {
			a, b := orig[i].Content[j], reloaded[i].Content[j]
			if a.Type != b.Type || a.Text != b.Text || a.Thinking != b.Thinking ||
				a.Signature != b.Signature || a.ToolUseID != b.ToolUseID {
				t.Errorf("message %d block %d differs: %+v vs %+v", i, j, a, b)
			}
		}
	}

	exec, ok := loaded.Execution("toolu_rt")
	if !ok {
		t.Fatal("tool execution not reloaded")
	}
	origExec, _ := c.Execution("toolu_rt")
	if exec.Name != origExec.Name || exec.InputSummary != origExec.InputSummary ||
		exec.OutputText != origExec.OutputText || exec.IsError != origExec.IsError {
		t.Errorf("execution differs: %+v vs %+v", exec, origExec)
	}
	if !exec.IsComplete {
		t.Error("reloaded execution should be complete")
	}
}

func TestLoad_FallsBackToClientHistory(t *testing.T) {
	root := t.TempDir()
	id := uuid.New()

	fc := &fakeClient{history: []client.TurnMessage{
		{Role: "user", Blocks: []client.Block{
			{Type: client.BlockText, Text: "hi"},
			{Type: client.BlockImage, FileName: "cat.png", MimeType: "image/png", Data: []byte{1}},
		}},
		{Role: "assistant", Blocks: []client.Block{
			{Type: client.BlockText, Text: "hello"},
		}},
		{Role: "user", Blocks: []client.Block{
			{Type: client.BlockToolResult, ToolUseID: "toolu_1", ToolResult: "x"},
		}},
	}}

	c := Load(id, fc, persist.NewStore(root, nil), nil)

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (tool-result turn collapses)", len(msgs))
	}
	if msgs[0].Kind != models.KindUser || len(msgs[0].Content) != 1 {
		t.Errorf("attachment blocks must be dropped on the fallback path: %+v", msgs[0].Content)
	}
	if msgs[1].Kind != models.KindAssistant || msgs[1].Content[0].Text != "hello" {
		t.Errorf("assistant turn mangled: %+v", msgs[1])
	}
}

func TestConcurrentToolCompletions_KeepManifestsWellFormed(t *testing.T) {
	root := t.TempDir()
	id := uuid.New()
	fc := &fakeClient{}
	New(id, fc, persist.NewStore(root, nil), nil)

	const n = 8
	for i := 0; i < n; i++ {
		fc.fireBefore("web_fetch", fmt.Sprintf("toolu_%d", i), decode.Raw(json.RawMessage(`{"url":"x"}`)))
	}

	// After-hooks fire on tool goroutines; completions landing together
	// must not interleave their snapshot writes.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fc.fireAfter("web_fetch", fmt.Sprintf("toolu_%d", i), "ok", false, decode.Value{})
		}(i)
	}
	wg.Wait()

	outputs := persist.NewStore(root, nil).LoadToolOutputs(id)
	if len(outputs.Executions) != n {
		t.Fatalf("executions persisted = %d, want %d (corrupt manifest loads empty)", len(outputs.Executions), n)
	}
	for i := 0; i < n; i++ {
		rec, ok := outputs.Executions[fmt.Sprintf("toolu_%d", i)]
		if !ok || rec.Output != "ok" {
			t.Errorf("record %d = %+v", i, rec)
		}
	}
}

func TestLoad_ExecutionsRestoreInTranscriptOrder(t *testing.T) {
	root := t.TempDir()
	store := persist.NewStore(root, nil)
	id := uuid.New()
	if _, err := store.EnsureConversationDir(id); err != nil {
		t.Fatal(err)
	}

	// Ids chosen so map iteration or id-sorted order would both differ
	// from transcript order.
	ids := []string{"toolu_e", "toolu_b", "toolu_d", "toolu_a", "toolu_c"}
	outputs := persist.ToolOutputsManifest{Executions: map[string]persist.ToolExecutionRecord{}}
	var blocks []persist.ContentRecord
	for _, tid := range ids {
		outputs.Executions[tid] = persist.ToolExecutionRecord{ID: tid, Name: "web_fetch", Output: "ok"}
		blocks = append(blocks, persist.ContentRecord{Type: persist.ContentToolExecution, ToolUseID: tid})
	}
	if err := store.SaveToolOutputs(id, outputs); err != nil {
		t.Fatal(err)
	}
	manifest := persist.MessagesManifest{Messages: []persist.MessageRecord{{
		ID:        uuid.NewString(),
		Kind:      string(models.KindAssistant),
		Content:   blocks,
		Timestamp: time.Now(),
	}}}
	if err := store.SaveMessages(id, manifest); err != nil {
		t.Fatal(err)
	}

	loaded := Load(id, &fakeClient{}, store, nil)
	execs := loaded.Executions()
	if len(execs) != len(ids) {
		t.Fatalf("executions = %d, want %d", len(execs), len(ids))
	}
	for i, want := range ids {
		if execs[i].ID != want {
			t.Errorf("execution %d = %s, want %s", i, execs[i].ID, want)
		}
	}
}

func TestSendMessage_UserAppendPrecedesAttachmentCopy(t *testing.T) {
	dir := t.TempDir()
	fifo := filepath.Join(dir, "slow.bin")
	if err := syscall.Mkfifo(fifo, 0o600); err != nil {
		t.Skipf("mkfifo unavailable: %v", err)
	}

	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		out <- textTurn("got it")
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "here", []string{fifo}) }()

	// Opening the fifo blocks until it gains a writer; the user message
	// must already be in the transcript while the copy is pending.
	deadline := time.After(2 * time.Second)
	for len(c.Messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("user message not appended while attachment copy pending")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if msgs := c.Messages(); msgs[0].Kind != models.KindUser || msgs[0].Content[0].Text != "here" {
		t.Fatalf("first message = %+v, want the user message", msgs[0])
	}

	w, err := os.OpenFile(fifo, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	w.Close()

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	msgs := c.Messages()
	if len(msgs[0].Content) != 2 || msgs[0].Content[1].Type != models.BlockAttachment {
		t.Errorf("attachment block missing from user message: %+v", msgs[0].Content)
	}
}

func TestChanged_SignalsOnStateChange(t *testing.T) {
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		out <- textTurn("reply")
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	ch := c.Changed()
	before := c.Version()

	if err := c.SendMessage(context.Background(), "ping", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	default:
		t.Error("Changed channel not closed after a send")
	}
	if after := c.Version(); after <= before {
		t.Errorf("version = %d, want > %d", after, before)
	}

	// Re-acquired channel stays open until the next change.
	select {
	case <-c.Changed():
		t.Error("fresh Changed channel already closed")
	default:
	}
}

func TestSendMessage_RejectsConcurrentSends(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeClient{script: func(f *fakeClient, ctx context.Context, out chan<- *client.TurnMessage) {
		<-release
		out <- textTurn("ok")
	}}
	c := New(uuid.New(), fc, persist.NewStore(t.TempDir(), nil), nil)

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "first", nil) }()

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		sending := c.sending
		c.mu.Unlock()
		if sending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("send never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := c.SendMessage(context.Background(), "second", nil); err == nil {
		t.Error("concurrent send should be rejected")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
