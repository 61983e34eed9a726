package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/loom/internal/decode"
	"github.com/haasonsaas/loom/internal/tools"
)

const (
	defaultModel           = "claude-sonnet-4-20250514"
	defaultMaxTokens       = 4096
	defaultMaxTurns        = 25
	defaultMaxRetries      = 3
	defaultRetryDelay      = 1 * time.Second
	defaultToolConcurrency = 4
	defaultThinkingBudget  = 10000
)

// Config configures the Anthropic client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	System  string

	MaxTokens int

	// MaxTurns caps assistant turns per Send before the loop aborts with
	// ErrMaxTurns.
	MaxTurns int

	MaxRetries int
	RetryDelay time.Duration

	EnableThinking       bool
	ThinkingBudgetTokens int

	// ToolConcurrency bounds tool executions running in parallel within
	// one turn.
	ToolConcurrency int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = defaultToolConcurrency
	}
	if c.EnableThinking && c.ThinkingBudgetTokens < 1024 {
		c.ThinkingBudgetTokens = defaultThinkingBudget
	}
}

// AnthropicClient drives multi-turn agentic completions against the
// Anthropic Messages API. It owns the native turn history, executes tool
// calls between turns, and fans lifecycle events out to registered hooks.
type AnthropicClient struct {
	client   anthropic.Client
	cfg      Config
	tools    *tools.Registry
	decoders *decode.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	hooks   []Hooks
	history []TurnMessage
}

// NewAnthropicClient creates a client. The tool registry supplies tool
// definitions for the request and executes calls; the decoder registry
// resolves raw payloads into typed values for hooks.
func NewAnthropicClient(cfg Config, reg *tools.Registry, decoders *decode.Registry, logger *slog.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	cfg.applyDefaults()

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		client:   anthropic.NewClient(options...),
		cfg:      cfg,
		tools:    reg,
		decoders: decoders,
		logger:   logger.With("component", "anthropic"),
	}, nil
}

// RegisterHooks attaches a hook set. Hooks fire in registration order.
func (c *AnthropicClient) RegisterHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

func (c *AnthropicClient) hookSnapshot() []Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hooks, len(c.hooks))
	copy(out, c.hooks)
	return out
}

// SubtaskProgress forwards live fan-out progress to hooks. Fan-out tools
// report through this so nested tool calls surface while the parent call is
// still running.
func (c *AnthropicClient) SubtaskProgress(parentToolUseID, taskID, toolName, summary string) {
	for _, h := range c.hookSnapshot() {
		if h.SubtaskProgress != nil {
			h.SubtaskProgress(parentToolUseID, taskID, toolName, summary)
		}
	}
}

// Send appends one user turn and runs the agentic loop: stream an assistant
// turn, execute any requested tools, feed results back, repeat until the
// model stops calling tools or the turn cap is hit. Each completed assistant
// turn is delivered on the returned channel; a terminal failure arrives as a
// final message carrying only Err.
func (c *AnthropicClient) Send(ctx context.Context, parts []Part) (<-chan *TurnMessage, error) {
	if len(parts) == 0 {
		return nil, errors.New("anthropic: message has no parts")
	}

	blocks, err := c.uploadParts(parts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.history = append(c.history, TurnMessage{Role: "user", Blocks: blocks})
	c.mu.Unlock()

	out := make(chan *TurnMessage)
	go c.run(ctx, out)
	return out, nil
}

// uploadParts converts outbound parts to history blocks, bracketing each
// attachment with the upload hooks.
func (c *AnthropicClient) uploadParts(parts []Part) ([]Block, error) {
	var blocks []Block
	for _, part := range parts {
		if part.Type != PartText && part.SourcePath != "" {
			for _, h := range c.hookSnapshot() {
				if h.BeforeFileUpload != nil {
					h.BeforeFileUpload(part.SourcePath)
				}
			}
		}

		switch part.Type {
		case PartText:
			blocks = append(blocks, Block{Type: BlockText, Text: part.Text})
		case PartImage:
			blocks = append(blocks, Block{Type: BlockImage, FileName: part.FileName, MimeType: part.MimeType, Data: part.Data})
		case PartDocument:
			blocks = append(blocks, Block{Type: BlockDocument, FileName: part.FileName, MimeType: part.MimeType, Data: part.Data})
		case PartFile:
			blocks = append(blocks, Block{Type: BlockFile, FileName: part.FileName, MimeType: part.MimeType, Data: part.Data})
		default:
			return nil, fmt.Errorf("anthropic: unsupported part type %q", part.Type)
		}

		if part.Type != PartText && part.SourcePath != "" {
			for _, h := range c.hookSnapshot() {
				if h.AfterFileUpload != nil {
					h.AfterFileUpload(part.SourcePath)
				}
			}
		}
	}
	return blocks, nil
}

func (c *AnthropicClient) run(ctx context.Context, out chan<- *TurnMessage) {
	defer close(out)

	for turn := 0; turn < c.cfg.MaxTurns; turn++ {
		msg, err := c.streamTurn(ctx)
		if err != nil {
			out <- &TurnMessage{Err: err}
			return
		}

		c.mu.Lock()
		c.history = append(c.history, *msg)
		c.mu.Unlock()

		emitted := *msg
		emitted.Blocks = append([]Block(nil), msg.Blocks...)
		out <- &emitted

		var calls []Block
		for _, b := range msg.Blocks {
			if b.Type == BlockToolUse {
				calls = append(calls, b)
			}
		}
		if len(calls) == 0 {
			return
		}

		results := c.executeTools(ctx, calls)
		if ctx.Err() != nil {
			out <- &TurnMessage{Err: ctx.Err()}
			return
		}

		c.mu.Lock()
		c.history = append(c.history, TurnMessage{Role: "user", Blocks: results})
		c.mu.Unlock()
	}

	c.logger.Warn("agentic loop aborted", "max_turns", c.cfg.MaxTurns)
	out <- &TurnMessage{Err: ErrMaxTurns}
}

// streamTurn requests one assistant turn, retrying transient failures with
// exponential backoff. Turns are assembled whole, so a failed attempt is
// discarded and retried without partial state.
func (c *AnthropicClient) streamTurn(ctx context.Context) (*TurnMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		msg, err := c.attemptTurn(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = wrapAPIError(err)
		if !isRetryableError(lastErr) {
			return nil, lastErr
		}
		if attempt < c.cfg.MaxRetries {
			backoff := c.cfg.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
			c.logger.Warn("retrying after transient failure",
				"attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// attemptTurn streams one completion and assembles the ordered content
// blocks. Tool input arrives as JSON fragments on input_json_delta events
// and is accumulated until the block closes.
func (c *AnthropicClient) attemptTurn(ctx context.Context) (*TurnMessage, error) {
	params, err := c.buildParams()
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := &TurnMessage{Role: "assistant"}
	var current *Block
	var text strings.Builder
	var thinking strings.Builder
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			text.Reset()
			thinking.Reset()
			toolInput.Reset()
			switch contentBlock.Type {
			case "text":
				current = &Block{Type: BlockText}
			case "thinking":
				current = &Block{Type: BlockThinking}
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				current = &Block{Type: BlockToolUse, ToolUseID: toolUse.ID, ToolName: toolUse.Name}
			default:
				current = nil
			}

		case "content_block_delta":
			if current == nil {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "thinking_delta":
				thinking.WriteString(delta.Thinking)
			case "signature_delta":
				current.Signature += delta.Signature
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current == nil {
				continue
			}
			switch current.Type {
			case BlockText:
				current.Text = text.String()
			case BlockThinking:
				current.Thinking = thinking.String()
			case BlockToolUse:
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				current.ToolInput = json.RawMessage(input)
			}
			msg.Blocks = append(msg.Blocks, *current)
			current = nil

		case "message_stop":
			return msg, nil

		case "error":
			return nil, errors.New("anthropic: stream error")
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

// buildParams converts the native history into request parameters.
func (c *AnthropicClient) buildParams() (anthropic.MessageNewParams, error) {
	c.mu.Lock()
	history := make([]TurnMessage, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	var messages []anthropic.MessageParam
	for _, turn := range history {
		content, err := convertBlocks(turn.Blocks)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		if len(content) == 0 {
			continue
		}
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(content...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(content...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(c.cfg.MaxTokens),
	}
	if c.cfg.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: c.cfg.System}}
	}
	if toolParams, err := convertTools(c.tools.All()); err != nil {
		return anthropic.MessageNewParams{}, err
	} else if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if c.cfg.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(c.cfg.ThinkingBudgetTokens))
	}
	return params, nil
}

func convertBlocks(blocks []Block) ([]anthropic.ContentBlockParamUnion, error) {
	var content []anthropic.ContentBlockParamUnion
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			content = append(content, anthropic.NewTextBlock(b.Text))

		case BlockThinking:
			content = append(content, anthropic.ContentBlockParamUnion{
				OfThinking: &anthropic.ThinkingBlockParam{
					Thinking:  b.Thinking,
					Signature: b.Signature,
				},
			})

		case BlockToolUse:
			var input map[string]any
			if err := json.Unmarshal(b.ToolInput, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool input for %s: %w", b.ToolUseID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))

		case BlockToolResult:
			content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, b.ToolResult, b.ToolIsError))

		case BlockImage:
			content = append(content, anthropic.NewImageBlockBase64(b.MimeType, base64.StdEncoding.EncodeToString(b.Data)))

		case BlockDocument:
			content = append(content, anthropic.ContentBlockParamUnion{
				OfDocument: &anthropic.DocumentBlockParam{
					Source: anthropic.DocumentBlockParamSourceUnion{
						OfBase64: &anthropic.Base64PDFSourceParam{
							Data: base64.StdEncoding.EncodeToString(b.Data),
						},
					},
				},
			})

		case BlockFile:
			// No generic file source in the Messages API; inline as text.
			content = append(content, anthropic.NewTextBlock(
				fmt.Sprintf("Attached file %s:\n%s", b.FileName, string(b.Data))))

		default:
			return nil, fmt.Errorf("anthropic: unsupported block type %q", b.Type)
		}
	}
	return content, nil
}

func convertTools(list []tools.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range list {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", tool.Name(), err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}
	return result, nil
}

// executeTools runs the turn's tool calls concurrently, bounded by the
// configured parallelism, and returns tool_result blocks in call order.
func (c *AnthropicClient) executeTools(ctx context.Context, calls []Block) []Block {
	results := make([]Block, len(calls))
	sem := make(chan struct{}, c.cfg.ToolConcurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call Block) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = c.executeTool(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (c *AnthropicClient) executeTool(ctx context.Context, call Block) Block {
	input := c.decoders.DecodeInput(call.ToolName, call.ToolInput)

	metadata := map[string]string{}
	if tool, ok := c.tools.Get(call.ToolName); ok {
		if mp, ok := tool.(tools.MetadataProvider); ok {
			metadata = mp.Metadata()
		}
	}

	for _, h := range c.hookSnapshot() {
		if h.BeforeToolExecution != nil {
			h.BeforeToolExecution(call.ToolName, call.ToolUseID, input, metadata)
		}
	}

	res, err := c.tools.Execute(tools.WithToolUseID(ctx, call.ToolUseID), call.ToolName, call.ToolInput)

	var resultText string
	var isError bool
	if err != nil {
		resultText, isError = err.Error(), true
	} else {
		resultText, isError = res.Content, res.IsError
	}

	var output decode.Value
	if !isError && json.Valid([]byte(resultText)) {
		output = c.decoders.DecodeOutput(call.ToolName, json.RawMessage(resultText))
	}

	c.logger.Debug("tool executed",
		"tool", call.ToolName, "tool_use_id", call.ToolUseID, "is_error", isError)

	for _, h := range c.hookSnapshot() {
		if h.AfterToolExecution != nil {
			h.AfterToolExecution(call.ToolName, call.ToolUseID, resultText, isError, output)
		}
	}

	return Block{
		Type:        BlockToolResult,
		ToolUseID:   call.ToolUseID,
		ToolResult:  resultText,
		ToolIsError: isError,
	}
}

// ExportSession serializes the native turn history. The encoding is an
// implementation detail; callers persist it as an opaque blob.
func (c *AnthropicClient) ExportSession() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.MarshalIndent(c.history, "", "  ")
}

// ImportSession replaces the native turn history with a previously exported
// blob.
func (c *AnthropicClient) ImportSession(data []byte) error {
	var history []TurnMessage
	if err := json.Unmarshal(data, &history); err != nil {
		return fmt.Errorf("anthropic: corrupt session data: %w", err)
	}
	c.mu.Lock()
	c.history = history
	c.mu.Unlock()
	return nil
}

// History returns a copy of the native turn history.
func (c *AnthropicClient) History() []TurnMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TurnMessage, len(c.history))
	copy(out, c.history)
	return out
}
