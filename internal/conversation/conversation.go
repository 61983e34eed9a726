// Package conversation owns one conversation: the ordered transcript, the
// tool-execution registry, the lifecycle hooks registered on the model
// client, the send/receive loop, and persistence of all of it.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/attachments"
	"github.com/haasonsaas/loom/internal/client"
	"github.com/haasonsaas/loom/internal/decode"
	"github.com/haasonsaas/loom/internal/execution"
	"github.com/haasonsaas/loom/internal/persist"
	"github.com/haasonsaas/loom/internal/tools/subagent"
	"github.com/haasonsaas/loom/pkg/models"
)

// Conversation owns the message log and execution registry for one
// conversation. All transcript mutation happens on the goroutine running
// SendMessage; hook callbacks arriving from tool goroutines touch only the
// execution registry, which has its own locking.
type Conversation struct {
	ID uuid.UUID

	client      client.Client
	store       *persist.Store
	attachments *attachments.Manager
	logger      *slog.Logger

	execs *execution.Registry

	// saveMu serializes whole-snapshot writes: saves fire from the send
	// loop and from after-hooks on concurrent tool goroutines, and the
	// manifest files must never see interleaved writers.
	saveMu sync.Mutex

	mu        sync.Mutex
	messages  []*models.Message
	uploading map[string]struct{}
	sending   bool
	cancel    context.CancelFunc
	version   uint64
	changed   chan struct{}
}

// New creates a fresh conversation and registers its lifecycle hooks on the
// model client. The conversation owns the registration for its lifetime;
// hooks hold no owning reference back.
func New(id uuid.UUID, cli client.Client, store *persist.Store, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		ID:          id,
		client:      cli,
		store:       store,
		attachments: attachments.NewManager(store.ConversationDir(id), logger),
		logger:      logger.With("component", "conversation", "conversation", id),
		execs:       execution.NewRegistry(),
		uploading:   make(map[string]struct{}),
		changed:     make(chan struct{}),
	}
	cli.RegisterHooks(client.Hooks{
		BeforeToolExecution: c.onBeforeTool,
		AfterToolExecution:  c.onAfterTool,
		SubtaskProgress:     c.onSubtaskProgress,
		BeforeFileUpload:    c.onBeforeUpload,
		AfterFileUpload:     c.onAfterUpload,
	})
	return c
}

// Load reconstructs a conversation from its persisted manifests. Tool
// outputs load first so message content blocks can resolve execution
// references by id. When no messages manifest exists the transcript is
// derived from the model client's native history; attachment blocks are not
// recoverable on that path and are dropped.
func Load(id uuid.UUID, cli client.Client, store *persist.Store, logger *slog.Logger) *Conversation {
	c := New(id, cli, store, logger)

	if blob, err := store.LoadSessionBlob(id); err != nil {
		c.logger.Warn("failed to load session blob", "error", err)
	} else if blob != nil {
		if err := cli.ImportSession(blob); err != nil {
			c.logger.Warn("failed to import session blob", "error", err)
		}
	}

	outputs := store.LoadToolOutputs(id)
	manifest, haveManifest := store.LoadMessages(id)
	for _, rec := range orderedExecutionRecords(outputs, manifest) {
		c.execs.Upsert(rec.ID, rec.Name, rec.Input, decode.Raw(rec.InputData), nil)
		// Saves happen at turn boundaries, so every persisted execution
		// was observed in a terminal state.
		c.execs.Complete(rec.ID, rec.Output, decode.Raw(rec.OutputData), rec.IsError)
		if rec.Name == subagent.ToolName && len(rec.OutputData) > 0 {
			c.rebuildChildren(rec.ID, decode.Raw(rec.OutputData))
		}
	}

	if haveManifest {
		c.messages = c.messagesFromManifest(manifest)
	} else {
		c.messages = c.messagesFromClientHistory()
	}
	return c
}

// orderedExecutionRecords returns the persisted execution records in
// transcript order. The tool-outputs manifest is id-keyed, so chronology is
// recovered from first references in the messages manifest; records no
// message references sort by id at the end.
func orderedExecutionRecords(outputs persist.ToolOutputsManifest, manifest persist.MessagesManifest) []persist.ToolExecutionRecord {
	taken := make(map[string]bool, len(outputs.Executions))
	ordered := make([]persist.ToolExecutionRecord, 0, len(outputs.Executions))
	for _, msg := range manifest.Messages {
		for _, cr := range msg.Content {
			if cr.Type != persist.ContentToolExecution || taken[cr.ToolUseID] {
				continue
			}
			if rec, ok := outputs.Executions[cr.ToolUseID]; ok {
				taken[cr.ToolUseID] = true
				ordered = append(ordered, rec)
			}
		}
	}

	rest := make([]persist.ToolExecutionRecord, 0, len(outputs.Executions)-len(ordered))
	for id, rec := range outputs.Executions {
		if !taken[id] {
			rest = append(rest, rec)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	return append(ordered, rest...)
}

// Messages returns a snapshot of the transcript in order.
func (c *Conversation) Messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Execution resolves a tool-use id from a message content block.
func (c *Conversation) Execution(toolUseID string) (*execution.Execution, bool) {
	return c.execs.Get(toolUseID)
}

// Executions returns all tool executions in observation order.
func (c *Conversation) Executions() []*execution.Execution {
	return c.execs.Executions()
}

// UploadingFiles returns the paths currently mid-upload, for progress
// display. The set is transient and never persisted.
func (c *Conversation) UploadingFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.uploading))
	for path := range c.uploading {
		out = append(out, path)
	}
	return out
}

// Changed returns a channel that is closed on the next state change:
// transcript mutation, execution progress, or upload-set change. Observers
// re-acquire the channel after each receive; Version disambiguates missed
// signals.
func (c *Conversation) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Version returns a counter incremented on every state change.
func (c *Conversation) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// notifyLocked signals observers. Callers hold c.mu.
func (c *Conversation) notifyLocked() {
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Conversation) notify() {
	c.mu.Lock()
	c.notifyLocked()
	c.mu.Unlock()
}

// Cancel aborts an in-flight SendMessage. The turn ends with a distinct
// cancellation entry in the transcript.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendMessage runs one user turn: append the user message, stream assistant
// turns, and persist. The user message is appended before the network call
// and never retracted; a failed turn ends with an error-kind message
// instead of the assistant's response.
func (c *Conversation) SendMessage(ctx context.Context, text string, attachmentPaths []string) error {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return errors.New("conversation: send already in progress")
	}
	sendCtx, cancel := context.WithCancel(ctx)
	c.sending = true
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.sending = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	// The user message enters the transcript before any attachment I/O or
	// network work, and is never retracted.
	userMsg := models.NewMessage(models.KindUser, models.TextBlock(text))
	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	c.notifyLocked()
	c.mu.Unlock()

	parts := []client.Part{client.TextPart(text)}
	for _, path := range attachmentPaths {
		att, err := c.attachments.CopyFile(path, userMsg.ID)
		if err != nil {
			c.logger.Warn("skipping attachment", "path", path, "error", err)
			continue
		}
		part, err := c.attachments.Part(att)
		if err != nil {
			c.logger.Warn("skipping attachment", "path", path, "error", err)
			continue
		}
		c.mu.Lock()
		userMsg.Content = append(userMsg.Content, models.AttachmentBlock(*att))
		c.notifyLocked()
		c.mu.Unlock()
		parts = append(parts, part)
	}

	stream, err := c.client.Send(sendCtx, parts)
	if err != nil {
		c.failTurn(userMsg, err, false)
		c.saveSession()
		return nil
	}

	var streamErr error
	appended := 0
	for turn := range stream {
		if turn.Err != nil {
			streamErr = turn.Err
			continue
		}
		if sendCtx.Err() != nil {
			// Cancelled between turns; keep draining until close.
			continue
		}
		assistant := c.assistantMessage(turn)
		c.mu.Lock()
		c.messages = append(c.messages, assistant)
		c.notifyLocked()
		c.mu.Unlock()
		appended++
	}
	if streamErr == nil && sendCtx.Err() != nil {
		streamErr = sendCtx.Err()
	}

	if streamErr != nil {
		c.failTurn(userMsg, streamErr, appended > 0)
	}
	c.saveSession()
	return nil
}

// failTurn applies the compensating cleanup for a failed turn: drop the
// trailing assistant message when one was appended mid-stream, mark the
// user message, and append the error-kind transcript entry.
func (c *Conversation) failTurn(userMsg *models.Message, err error, dropTrailing bool) {
	c.mu.Lock()
	if dropTrailing && len(c.messages) > 0 {
		if last := c.messages[len(c.messages)-1]; last.Kind == models.KindAssistant {
			c.messages = c.messages[:len(c.messages)-1]
		}
	}
	userMsg.ResultedInError = true
	errMsg := models.NewMessage(models.KindError, models.TextBlock(errorText(err)))
	errMsg.ResultedInError = true
	c.messages = append(c.messages, errMsg)
	c.notifyLocked()
	c.mu.Unlock()

	c.logger.Warn("turn failed", "error", err)
}

func errorText(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		return "API Error: " + apiErr.UserMessage()
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	case errors.Is(err, client.ErrMaxTurns):
		return "Maximum turns reached"
	default:
		return err.Error()
	}
}

// assistantMessage maps one fully-formed assistant turn to a transcript
// message. Tool-use blocks resolve-or-create their execution record; the
// before-hook may already have created it from the tool goroutine, so this
// is an upsert, never a blind insert.
func (c *Conversation) assistantMessage(turn *client.TurnMessage) *models.Message {
	var content []models.ContentBlock
	for _, b := range turn.Blocks {
		switch b.Type {
		case client.BlockText:
			content = append(content, models.TextBlock(b.Text))
		case client.BlockThinking:
			content = append(content, models.ThinkingBlock(b.Thinking, b.Signature))
		case client.BlockToolUse:
			input := decode.Raw(b.ToolInput)
			summary := c.client.InputSummary(b.ToolName, input)
			c.execs.Upsert(b.ToolUseID, b.ToolName, summary, input, nil)
			content = append(content, models.ToolUseBlock(b.ToolUseID))
		}
	}
	return models.NewMessage(models.KindAssistant, content...)
}

func (c *Conversation) onBeforeTool(toolName, toolUseID string, input decode.Value, metadata map[string]string) {
	summary := c.client.InputSummary(toolName, input)
	exec := c.execs.Upsert(toolUseID, toolName, summary, input, metadata)
	c.notify()

	if toolName != subagent.ToolName {
		return
	}
	// Fan-out tools declare their sub-tasks up front. Pre-register the
	// task ids so progress events can resolve back to this execution.
	var in subagent.Input
	if err := json.Unmarshal(input.Encode(), &in); err != nil || len(in.Tasks) == 0 {
		return
	}
	tasks := in.NormalizedTasks()
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	exec.EnsureChildren()
	c.execs.RegisterSubtasks(toolUseID, ids)
}

func (c *Conversation) onAfterTool(toolName, toolUseID, resultText string, isError bool, output decode.Value) {
	if !c.execs.Complete(toolUseID, resultText, output, isError) {
		c.logger.Debug("after-hook for unknown tool use", "tool", toolName, "tool_use_id", toolUseID)
		return
	}

	if toolName == subagent.ToolName {
		if final, ok := childExecutions(output); ok && !isError {
			c.execs.FinalizeChildren(toolUseID, final)
		} else {
			c.execs.ReleaseSubtasks(toolUseID)
		}
	}

	c.notify()
	c.saveSession()
}

func (c *Conversation) onSubtaskProgress(parentToolUseID, taskID, toolName, summary string) {
	if _, ok := c.execs.AddChild(taskID, uuid.NewString(), toolName, summary); !ok {
		c.logger.Debug("progress for unregistered sub-task",
			"parent", parentToolUseID, "task", taskID, "tool", toolName)
		return
	}
	c.notify()
}

func (c *Conversation) onBeforeUpload(path string) {
	c.mu.Lock()
	c.uploading[path] = struct{}{}
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Conversation) onAfterUpload(path string) {
	c.mu.Lock()
	delete(c.uploading, path)
	c.notifyLocked()
	c.mu.Unlock()
}

// childExecutions derives the authoritative child-execution list from a
// fan-out tool's structured batch result.
func childExecutions(output decode.Value) ([]*execution.Execution, bool) {
	out, ok := output.Decoded.(*subagent.Output)
	if !ok {
		raw := output.Encode()
		if len(raw) == 0 {
			return nil, false
		}
		out = &subagent.Output{}
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, false
		}
	}

	final := make([]*execution.Execution, 0, len(out.ToolCalls))
	for _, rec := range out.ToolCalls {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		child := execution.New(id, rec.Name, rec.Summary, decode.Value{}, nil)
		child.OutputText = rec.Output
		child.IsError = rec.IsError
		child.IsComplete = true
		final = append(final, child)
	}
	return final, true
}

func (c *Conversation) rebuildChildren(parentID string, output decode.Value) {
	final, ok := childExecutions(output)
	if !ok {
		return
	}
	c.execs.FinalizeChildren(parentID, final)
}

// saveSession snapshots current state to disk: session blob, tool-outputs
// manifest, messages manifest, index entry. Each write targets its own file
// and failures are logged, never propagated; a conversation that cannot be
// resumed later is still usable live.
func (c *Conversation) saveSession() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if _, err := c.store.EnsureConversationDir(c.ID); err != nil {
		c.logger.Warn("failed to create conversation directory", "error", err)
		return
	}

	if blob, err := c.client.ExportSession(); err != nil {
		c.logger.Warn("failed to export session", "error", err)
	} else if err := c.store.SaveSessionBlob(c.ID, blob); err != nil {
		c.logger.Warn("failed to save session blob", "error", err)
	}

	outputs := persist.ToolOutputsManifest{Executions: map[string]persist.ToolExecutionRecord{}}
	for _, e := range c.execs.Executions() {
		rec := persist.ToolExecutionRecord{
			ID:      e.ID,
			Name:    e.Name,
			Input:   e.InputSummary,
			Output:  e.OutputText,
			IsError: e.IsError,
		}
		// Encode failures drop the field, not the record.
		if data := e.Input.Encode(); len(data) > 0 {
			rec.InputData = data
		}
		if data := e.Output.Encode(); len(data) > 0 {
			rec.OutputData = data
		}
		outputs.Executions[e.ID] = rec
	}
	if err := c.store.SaveToolOutputs(c.ID, outputs); err != nil {
		c.logger.Warn("failed to save tool outputs", "error", err)
	}

	manifest, lastTS := c.manifestFromMessages()
	if err := c.store.SaveMessages(c.ID, manifest); err != nil {
		c.logger.Warn("failed to save messages", "error", err)
	}

	if err := c.store.TouchIndex(c.ID, lastTS); err != nil {
		c.logger.Warn("failed to update conversations index", "error", err)
	}
}

func (c *Conversation) manifestFromMessages() (persist.MessagesManifest, time.Time) {
	c.mu.Lock()
	msgs := make([]*models.Message, len(c.messages))
	copy(msgs, c.messages)
	c.mu.Unlock()

	lastTS := time.Now()
	manifest := persist.MessagesManifest{Messages: make([]persist.MessageRecord, 0, len(msgs))}
	for _, msg := range msgs {
		rec := persist.MessageRecord{
			ID:              msg.ID.String(),
			Kind:            string(msg.Kind),
			Timestamp:       msg.Timestamp,
			ResultedInError: msg.ResultedInError,
		}
		for _, block := range msg.Content {
			cr, err := c.contentRecord(block)
			if err != nil {
				c.logger.Warn("skipping unpersistable content block", "error", err)
				continue
			}
			rec.Content = append(rec.Content, cr)
		}
		manifest.Messages = append(manifest.Messages, rec)
		lastTS = msg.Timestamp
	}
	return manifest, lastTS
}

func (c *Conversation) contentRecord(block models.ContentBlock) (persist.ContentRecord, error) {
	switch block.Type {
	case models.BlockText:
		return persist.ContentRecord{Type: persist.ContentText, Text: block.Text}, nil
	case models.BlockThinking:
		return persist.ContentRecord{
			Type:     persist.ContentThinking,
			Thinking: persist.ThinkingData{Thinking: block.Thinking, Signature: block.Signature},
		}, nil
	case models.BlockToolUse:
		return persist.ContentRecord{Type: persist.ContentToolExecution, ToolUseID: block.ToolUseID}, nil
	case models.BlockAttachment:
		rel, err := c.attachments.RelativePath(block.Attachment)
		if err != nil {
			return persist.ContentRecord{}, err
		}
		return persist.ContentRecord{
			Type: persist.ContentAttachment,
			Attachment: &persist.AttachmentRecord{
				ID:           block.Attachment.ID.String(),
				RelativePath: rel,
				FileName:     block.Attachment.FileName,
				MimeType:     block.Attachment.MimeType,
				FileSize:     block.Attachment.FileSize,
			},
		}, nil
	default:
		return persist.ContentRecord{}, fmt.Errorf("unknown block type %q", block.Type)
	}
}

func (c *Conversation) messagesFromManifest(manifest persist.MessagesManifest) []*models.Message {
	msgs := make([]*models.Message, 0, len(manifest.Messages))
	for _, rec := range manifest.Messages {
		id, err := uuid.Parse(rec.ID)
		if err != nil {
			id = uuid.New()
		}
		msg := &models.Message{
			ID:              id,
			Kind:            models.MessageKind(rec.Kind),
			Timestamp:       rec.Timestamp,
			ResultedInError: rec.ResultedInError,
		}
		for _, cr := range rec.Content {
			switch cr.Type {
			case persist.ContentText:
				msg.Content = append(msg.Content, models.TextBlock(cr.Text))
			case persist.ContentThinking:
				msg.Content = append(msg.Content, models.ThinkingBlock(cr.Thinking.Thinking, cr.Thinking.Signature))
			case persist.ContentToolExecution:
				msg.Content = append(msg.Content, models.ToolUseBlock(cr.ToolUseID))
			case persist.ContentAttachment:
				attID, err := uuid.Parse(cr.Attachment.ID)
				if err != nil {
					attID = uuid.New()
				}
				msg.Content = append(msg.Content, models.AttachmentBlock(models.Attachment{
					ID:       attID,
					Path:     c.attachments.Resolve(cr.Attachment.RelativePath),
					FileName: cr.Attachment.FileName,
					MimeType: cr.Attachment.MimeType,
					FileSize: cr.Attachment.FileSize,
				}))
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// messagesFromClientHistory is the degraded fallback: derive the transcript
// from the model client's native history. Tool-result turns collapse into
// the execution registry and attachment blocks are dropped.
func (c *Conversation) messagesFromClientHistory() []*models.Message {
	var msgs []*models.Message
	for _, turn := range c.client.History() {
		kind := models.KindUser
		if turn.Role == "assistant" {
			kind = models.KindAssistant
		}
		var content []models.ContentBlock
		for _, b := range turn.Blocks {
			switch b.Type {
			case client.BlockText:
				content = append(content, models.TextBlock(b.Text))
			case client.BlockThinking:
				content = append(content, models.ThinkingBlock(b.Thinking, b.Signature))
			case client.BlockToolUse:
				input := decode.Raw(b.ToolInput)
				summary := c.client.InputSummary(b.ToolName, input)
				c.execs.Upsert(b.ToolUseID, b.ToolName, summary, input, nil)
				content = append(content, models.ToolUseBlock(b.ToolUseID))
			}
		}
		if len(content) == 0 {
			continue
		}
		msgs = append(msgs, models.NewMessage(kind, content...))
	}
	return msgs
}
