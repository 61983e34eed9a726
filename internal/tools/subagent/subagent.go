// Package subagent implements the fan-out tool: a single invocation spawns
// multiple independent sub-tasks, each of which may itself invoke further
// tools. Nested tool calls are reported live through a progress side
// channel while they run; the tool's structured batch result is the
// authoritative record that replaces the live-tracked list on completion.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/haasonsaas/loom/internal/tools"
)

// ToolName is the registered name of the fan-out tool.
const ToolName = "subagent"

// defaultParallelism bounds concurrently running sub-tasks.
const defaultParallelism = 4

// Task is one declared sub-task.
type Task struct {
	ID     string `json:"id,omitempty" jsonschema:"description=Optional stable identifier for the task"`
	Name   string `json:"name" jsonschema:"description=Short name for the sub-agent (e.g. 'researcher')"`
	Prompt string `json:"prompt" jsonschema:"description=The task for the sub-agent to complete"`
}

// Input is the fan-out tool's input shape.
type Input struct {
	Tasks []Task `json:"tasks" jsonschema:"description=Independent sub-tasks to run in parallel"`
}

// NormalizedTasks returns the declared tasks with deterministic ids filled
// in for any task that omitted one. The conversation's before-hook and the
// tool body both derive ids this way, so progress events and pre-registered
// sub-task mappings agree.
func (in Input) NormalizedTasks() []Task {
	out := make([]Task, len(in.Tasks))
	for i, task := range in.Tasks {
		if task.ID == "" {
			task.ID = fmt.Sprintf("task-%d", i)
		}
		out[i] = task
	}
	return out
}

// ToolCallRecord is one completed nested tool call. The batch result's
// flattened tool-call list is the authoritative child-execution list.
type ToolCallRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// TaskResult is the outcome of one sub-task.
type TaskResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Output is the fan-out tool's structured batch result.
type Output struct {
	Tasks     []TaskResult     `json:"tasks"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
}

// Reporter receives live sub-task progress keyed by the parent tool-use id.
// The model client implements it and fans the events out to hooks.
type Reporter interface {
	SubtaskProgress(parentToolUseID, taskID, toolName, summary string)
}

// Runner executes one sub-task prompt. report is invoked once per completed
// nested tool call, in completion order.
type Runner func(ctx context.Context, task Task, report func(ToolCallRecord)) (string, error)

// Tool runs declared sub-tasks in parallel and reports progress.
type Tool struct {
	runner      Runner
	reporter    Reporter
	parallelism int
}

// New creates the fan-out tool. reporter may be nil when no live progress
// consumer is attached.
func New(runner Runner, reporter Reporter) *Tool {
	return &Tool{runner: runner, reporter: reporter, parallelism: defaultParallelism}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Run independent sub-tasks in parallel, each handled by its own sub-agent."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.SchemaFor(&Input{})
}

// Execute runs the declared sub-tasks in parallel. Per-task results are
// collected in declaration order regardless of completion order, so the
// batch result is deterministic even though progress events are not.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return &tools.Result{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}
	if len(in.Tasks) == 0 {
		return &tools.Result{Content: "tasks is required", IsError: true}, nil
	}

	parentID := tools.ToolUseID(ctx)
	tasks := in.NormalizedTasks()

	results := make([]TaskResult, len(tasks))
	callsByTask := make([][]ToolCallRecord, len(tasks))

	sem := make(chan struct{}, t.parallelism)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, task Task) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = TaskResult{ID: task.ID, Name: task.Name, Output: "cancelled", IsError: true}
				return
			}

			var mu sync.Mutex
			report := func(rec ToolCallRecord) {
				if rec.ID == "" {
					rec.ID = uuid.NewString()
				}
				mu.Lock()
				callsByTask[idx] = append(callsByTask[idx], rec)
				mu.Unlock()
				if t.reporter != nil {
					t.reporter.SubtaskProgress(parentID, task.ID, rec.Name, rec.Summary)
				}
			}

			output, err := t.runner(ctx, task, report)
			if err != nil {
				results[idx] = TaskResult{ID: task.ID, Name: task.Name, Output: err.Error(), IsError: true}
				return
			}
			results[idx] = TaskResult{ID: task.ID, Name: task.Name, Output: output}
		}(i, task)
	}
	wg.Wait()

	out := Output{Tasks: results}
	for _, calls := range callsByTask {
		out.ToolCalls = append(out.ToolCalls, calls...)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return &tools.Result{Content: "failed to encode batch result: " + err.Error(), IsError: true}, nil
	}
	return &tools.Result{Content: string(payload)}, nil
}
