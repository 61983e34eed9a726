package execution

import (
	"sync"

	"github.com/haasonsaas/loom/internal/decode"
)

// Registry is an ordered collection of executions plus the bidirectional
// sub-task mapping used for nested fan-out orchestration. Insertion order
// is display order. Safe for concurrent use: hook callbacks and sub-task
// progress arrive from tool goroutines.
type Registry struct {
	mu          sync.Mutex
	order       []*Execution
	byID        map[string]*Execution
	taskParent  map[string]string
	parentTasks map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Execution),
		taskParent:  make(map[string]string),
		parentTasks: make(map[string][]string),
	}
}

// Upsert returns the execution for id, creating it when unseen. Whichever
// caller arrives first wins creation; later callers update fields in place.
// Empty arguments never overwrite previously recorded values.
func (r *Registry) Upsert(id, name, inputSummary string, input decode.Value, metadata map[string]string) *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(id, name, inputSummary, input, metadata)
}

func (r *Registry) upsertLocked(id, name, inputSummary string, input decode.Value, metadata map[string]string) *Execution {
	if e, ok := r.byID[id]; ok {
		if inputSummary != "" {
			e.InputSummary = inputSummary
		}
		if !input.IsZero() {
			e.Input = input
		}
		e.mergeMetadata(metadata)
		return e
	}
	e := New(id, name, inputSummary, input, metadata)
	r.byID[id] = e
	r.order = append(r.order, e)
	return e
}

// Complete marks the execution for id complete and fills its output fields.
// Returns false when the id is unknown; an after-hook firing for an id the
// stream never produced must not crash the turn, so callers log and skip.
func (r *Registry) Complete(id, outputText string, output decode.Value, isError bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false
	}
	e.OutputText = outputText
	if !output.IsZero() {
		e.Output = output
	}
	e.IsError = isError
	e.IsComplete = true
	return true
}

// Get returns the execution for id.
func (r *Registry) Get(id string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

// Executions returns the executions in insertion order.
func (r *Registry) Executions() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// RegisterSubtasks maps each task id to the parent execution id. A task id
// maps to at most one parent at a time; re-registering moves it.
func (r *Registry) RegisterSubtasks(parentID string, taskIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, taskID := range taskIDs {
		if prev, ok := r.taskParent[taskID]; ok && prev != parentID {
			r.removeTaskLocked(prev, taskID)
		}
		r.taskParent[taskID] = parentID
		r.parentTasks[parentID] = append(r.parentTasks[parentID], taskID)
	}
}

// ParentOf resolves a sub-task id to its parent execution id.
func (r *Registry) ParentOf(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.taskParent[taskID]
	return parent, ok
}

// AddChild resolves taskID to its parent and appends a provisional child
// execution to the parent's child registry. Returns false when the task id
// is not registered (a progress event that raced with finalization).
func (r *Registry) AddChild(taskID, childID, toolName, inputSummary string) (*Execution, bool) {
	r.mu.Lock()
	parentID, ok := r.taskParent[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	parent, ok := r.byID[parentID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	children := parent.EnsureChildren()
	return children.Upsert(childID, toolName, inputSummary, decode.Value{}, nil), true
}

// FinalizeChildren replaces the parent's provisional child list wholesale
// with the authoritative list derived from the tool's batch result, then
// releases all sub-task mappings for that parent. Live progress and the
// final result arrive on different channels and may race; replacement, not
// merging, is the contract.
func (r *Registry) FinalizeChildren(parentID string, final []*Execution) {
	r.mu.Lock()
	parent, ok := r.byID[parentID]
	if ok {
		children := NewRegistry()
		for _, child := range final {
			children.byID[child.ID] = child
			children.order = append(children.order, child)
		}
		parent.Children = children
	}
	r.releaseSubtasksLocked(parentID)
	r.mu.Unlock()
}

// ReleaseSubtasks removes all sub-task mappings for a parent as a unit.
func (r *Registry) ReleaseSubtasks(parentID string) {
	r.mu.Lock()
	r.releaseSubtasksLocked(parentID)
	r.mu.Unlock()
}

func (r *Registry) releaseSubtasksLocked(parentID string) {
	for _, taskID := range r.parentTasks[parentID] {
		delete(r.taskParent, taskID)
	}
	delete(r.parentTasks, parentID)
}

func (r *Registry) removeTaskLocked(parentID, taskID string) {
	tasks := r.parentTasks[parentID]
	for i, id := range tasks {
		if id == taskID {
			r.parentTasks[parentID] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(r.parentTasks[parentID]) == 0 {
		delete(r.parentTasks, parentID)
	}
	delete(r.taskParent, taskID)
}
