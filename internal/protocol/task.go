// Package protocol holds the data model shared by the submitter and the
// worker: task descriptions, wire attributes, and result payloads.
package protocol

import "sync"

// TaskKind selects which envelope specialization a TaskRun is executed
// through.
type TaskKind int

const (
	ScriptKind TaskKind = iota
	ClosureKind
)

func (k TaskKind) String() string {
	switch k {
	case ScriptKind:
		return "script"
	case ClosureKind:
		return "closure"
	default:
		return "unknown"
	}
}

// TaskError classifies how a TaskRun finished.
type TaskError struct {
	Cancelled bool
	Message   string
}

func (e *TaskError) Error() string {
	if e.Cancelled {
		return "cancelled"
	}
	return e.Message
}

// TaskRun is the external task description handed to the handler. It is
// mutated in place by the Task Handler when the task completes.
type TaskRun struct {
	mu sync.Mutex

	ID        string
	Name      string
	WorkDir   string
	TargetDir string
	Kind      TaskKind

	// Script task fields.
	Script      string
	Stdin       []byte
	Shell       []string
	Container   string
	Executable  bool
	Environment map[string]string

	// Closure task fields.
	CodeObject  []byte
	DelegateObj []byte

	InputFiles  map[string]string
	OutputFiles []string

	// Results, set by the Task Handler on completion.
	ExitStatus int
	Stdout     string
	Stderr     string
	Value      any
	Context    *TaskContext
	Err        error
}

// SetResult atomically installs the final outcome of the task.
func (t *TaskRun) SetResult(fn func(*TaskRun)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// Attributes is the wire representation shipped to the worker: a subset
// of TaskRun fields, serialized once on the submitter and decoded lazily
// on the worker.
type Attributes struct {
	TaskID      string
	Name        string
	WorkDir     string
	TargetDir   string
	InputFiles  map[string]string
	OutputFiles []string
}

// AttributesOf extracts the wire attribute set from a TaskRun.
func AttributesOf(task *TaskRun) *Attributes {
	return &Attributes{
		TaskID:      task.ID,
		Name:        task.Name,
		WorkDir:     task.WorkDir,
		TargetDir:   task.TargetDir,
		InputFiles:  task.InputFiles,
		OutputFiles: task.OutputFiles,
	}
}

// DelegateContext is the bindings a closure is invoked against: the
// user-variable holder plus the script's "owner" name.
type DelegateContext struct {
	Holder map[string]any
	Owner  string
}

// OperatorInvocation is the Go stand-in for a dehydrated closure: a
// named, pre-registered operator plus its data-only arguments. See the
// spec's Design Notes on closure shipping for the rationale.
type OperatorInvocation struct {
	Operator string
	Args     map[string]any
}

// TaskContext is the post-execution delegate state installed on a TaskRun
// by the Task Handler after a closure task completes.
type TaskContext struct {
	Holder    map[string]any
	Processor TaskProcessor
}

// TaskProcessor is the external task-context owner (the workflow engine).
// Out of scope for this spec; referenced only by interface.
type TaskProcessor interface {
	Name() string
}
