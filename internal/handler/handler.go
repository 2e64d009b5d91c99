// Package handler implements the per-task submitter-side state machine
// that bridges a cluster future to the polling monitor (spec §4.6).
package handler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/taskmesh/fleetexec/internal/cluster"
	"github.com/taskmesh/fleetexec/internal/envelope"
	"github.com/taskmesh/fleetexec/internal/log"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

// State is one of the four one-way, monotonic lifecycle states.
type State int32

const (
	StateNew State = iota
	StateSubmitted
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSubmitted:
		return "SUBMITTED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Submitter is the narrow slice of the Executor a handler needs: submit
// an envelope as a job and get back a future.
type Submitter interface {
	Submit(ctx context.Context, job cluster.Job) (cluster.Future, error)
}

// Monitor is signalled whenever a handler's future completes, so the
// polling loop can wake up immediately instead of waiting out its full
// tick.
type Monitor interface {
	Signal()
}

// EnvelopeBuilder builds the worker-bound job for a task, dispatching on
// its kind (script vs. closure).
type EnvelopeBuilder func(*protocol.TaskRun) (cluster.Job, error)

// Handler is the per-task state machine.
type Handler struct {
	task      *protocol.TaskRun
	build     EnvelopeBuilder
	submitter Submitter
	monitor   Monitor
	fs        afero.Fs

	state State // accessed via atomic ops; polling reads race with the future callback

	mu     sync.Mutex
	future cluster.Future
}

func New(task *protocol.TaskRun, build EnvelopeBuilder, submitter Submitter, monitor Monitor, fs afero.Fs) *Handler {
	return &Handler{task: task, build: build, submitter: submitter, monitor: monitor, fs: fs, state: StateNew}
}

// Task returns the TaskRun this handler drives.
func (h *Handler) Task() *protocol.TaskRun { return h.task }

// State returns the handler's current lifecycle state.
func (h *Handler) State() State {
	return State(atomic.LoadInt32((*int32)(&h.state)))
}

func (h *Handler) setState(s State) {
	atomic.StoreInt32((*int32)(&h.state), int32(s))
}

// Submit builds the appropriate envelope for the task's kind, hands it
// to the submitter, and registers a completion callback that wakes the
// polling monitor. It does not drive SUBMITTED -> RUNNING itself; that
// transition is observed by polling.
func (h *Handler) Submit(ctx context.Context) error {
	job, err := h.build(h.task)
	if err != nil {
		return err
	}

	future, err := h.submitter.Submit(ctx, job)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.future = future
	h.mu.Unlock()

	future.Listen(func(cluster.Future) {
		h.monitor.Signal()
	})

	h.setState(StateSubmitted)
	return nil
}

// CheckIfRunning transitions SUBMITTED -> RUNNING once a future exists.
// The cluster transport exposes no distinct "started" event; reaching
// the worker is approximated by presence of a future together with the
// next poll.
func (h *Handler) CheckIfRunning() bool {
	if h.State() != StateSubmitted {
		return false
	}

	h.mu.Lock()
	hasFuture := h.future != nil
	h.mu.Unlock()

	if !hasFuture {
		return false
	}

	h.setState(StateRunning)
	return true
}

// CheckIfCompleted applies the kind-dispatched completion predicate: a
// script task additionally requires the shared-storage exit-status file
// to exist with a nonzero mtime, so downstream processing never reads a
// half-un-staged directory; a closure task requires only that the
// future is done.
func (h *Handler) CheckIfCompleted() bool {
	if h.State() != StateRunning {
		return false
	}

	h.mu.Lock()
	future := h.future
	h.mu.Unlock()

	if future == nil || !future.IsDone() {
		return false
	}

	if h.task.Kind == protocol.ScriptKind && !h.exitFileReady() {
		return false
	}

	h.applyResult(future)
	h.setState(StateCompleted)
	return true
}

func (h *Handler) exitFileReady() bool {
	info, err := h.fs.Stat(h.task.WorkDir + "/" + envelope.ExitStatusFile)
	if err != nil {
		return false
	}
	return !info.ModTime().IsZero()
}

func (h *Handler) applyResult(future cluster.Future) {
	result, err := future.Result()

	if future.IsCancelled() {
		h.task.SetResult(func(t *protocol.TaskRun) {
			t.Err = &protocol.TaskError{Cancelled: true}
		})
		return
	}

	if err != nil {
		h.task.SetResult(func(t *protocol.TaskRun) {
			t.Err = err
		})
		return
	}

	switch h.task.Kind {
	case protocol.ScriptKind:
		exitStatus, _ := result.(int)
		h.task.SetResult(func(t *protocol.TaskRun) {
			t.ExitStatus = exitStatus
			t.Stdout = t.WorkDir + "/" + envelope.StdoutFile
			t.Stderr = t.WorkDir + "/" + envelope.StderrFile
		})

	case protocol.ClosureKind:
		closureResult, ok := result.(*envelope.ClosureResult)
		if !ok {
			h.task.SetResult(func(t *protocol.TaskRun) { t.Err = errUnexpectedResult })
			return
		}
		h.task.SetResult(func(t *protocol.TaskRun) {
			t.Value = closureResult.Value
			t.Context = &protocol.TaskContext{Holder: closureResult.Context.Holder}
		})

	default:
		log.Warnf("handler: unknown task kind %v", h.task.Kind)
	}
}

var errUnexpectedResult = &protocol.TaskError{Message: "unexpected result payload shape"}

// Kill cancels the future, if one exists. Idempotent.
func (h *Handler) Kill() error {
	h.mu.Lock()
	future := h.future
	h.mu.Unlock()

	if future == nil {
		return nil
	}
	return future.Cancel()
}
