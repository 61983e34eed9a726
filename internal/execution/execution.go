// Package execution tracks the observable state of tool invocations.
//
// An Execution is created when a tool call is first observed — either by
// the message-stream consumer or by the before-execution hook, whichever
// arrives first — and mutated in place as more information becomes
// available. The Registry provides the upsert semantics that make that
// ordering ambiguity safe, plus the sub-task bookkeeping used by fan-out
// tools.
package execution

import (
	"github.com/haasonsaas/loom/internal/decode"
)

// Execution is the mutable record of one tool invocation.
type Execution struct {
	ID           string
	Name         string
	InputSummary string
	Input        decode.Value
	OutputText   string
	Output       decode.Value
	IsError      bool
	IsComplete   bool
	Metadata     map[string]string

	// Children is populated only for tools that fan out into sub-tasks.
	Children *Registry
}

// New creates an incomplete execution record.
func New(id, name, inputSummary string, input decode.Value, metadata map[string]string) *Execution {
	e := &Execution{
		ID:           id,
		Name:         name,
		InputSummary: inputSummary,
		Input:        input,
	}
	if len(metadata) > 0 {
		e.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
	return e
}

func (e *Execution) mergeMetadata(metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		e.Metadata[k] = v
	}
}

// EnsureChildren allocates the child registry if absent and returns it.
func (e *Execution) EnsureChildren() *Registry {
	if e.Children == nil {
		e.Children = NewRegistry()
	}
	return e.Children
}
