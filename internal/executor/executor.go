// Package executor implements the Executor / Submitter (spec §4.7): it
// owns the cluster connector, creates task handlers, and submits
// envelopes wrapped for load-balanced placement.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/taskmesh/fleetexec/internal/cluster"
	"github.com/taskmesh/fleetexec/internal/codec"
	"github.com/taskmesh/fleetexec/internal/dag"
	"github.com/taskmesh/fleetexec/internal/envelope"
	"github.com/taskmesh/fleetexec/internal/handler"
	"github.com/taskmesh/fleetexec/internal/localcache"
	"github.com/taskmesh/fleetexec/internal/log"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

// Connector is the executor's view of the cluster: everything it needs
// to submit jobs, independent of how those jobs were built.
type Connector interface {
	cluster.ComputeService
}

// Deps bundles the worker-side collaborators needed to build envelopes.
// In a real deployment these live on the worker; the submitter only
// needs them because this module's envelopes are constructed before
// shipping, per spec §4.3.
type Deps struct {
	Codec      codec.Codec
	Cache      *localcache.LocalCache
	Scratch    *localcache.ScratchSpace
	Fs         afero.Fs
	Builder    envelope.WrapperBuilder
	Registry   envelope.OperatorRegistry
	SessionID  string
}

// Executor creates task handlers and submits their envelopes through
// the Cluster Compute Service, load-balanced via a single-job adapter.
type Executor struct {
	connector Connector
	balancer  cluster.LoadBalancer
	deps      Deps
	monitor   *PollingMonitor
}

func New(connector Connector, balancer cluster.LoadBalancer, deps Deps) *Executor {
	e := &Executor{connector: connector, balancer: balancer, deps: deps}
	e.monitor = NewPollingMonitor(e)
	return e
}

// Monitor returns the executor's polling monitor so callers can Run/Stop it.
func (e *Executor) Monitor() *PollingMonitor { return e.monitor }

// DAG renders the currently tracked tasks as a workflow graph: one
// ORIGIN vertex fanning out to a PROCESS vertex per handler, labelled
// with the handler's state. The workflow DSL/parser that would normally
// own the full graph is out of scope (spec §1); this is the slice the
// executor itself can see.
func (e *Executor) DAG() *dag.DAG {
	d := dag.New()
	origin := &dag.Vertex{Name: "origin", Type: dag.Origin}

	for _, h := range e.monitor.Snapshot() {
		task := h.Task()
		v := &dag.Vertex{Name: task.ID, Label: task.Name + " [" + h.State().String() + "]", Type: dag.Process}
		d.AddEdge(origin, v, "")
	}
	return d
}

// CreateTaskHandler dispatches on the task's script type to build and
// register a handler.
func (e *Executor) CreateTaskHandler(task *protocol.TaskRun) *handler.Handler {
	h := handler.New(task, e.BuildEnvelope, submitterFunc(e.submit), e.monitor, e.deps.Fs)
	e.monitor.Register(h)
	return h
}

type submitterFunc func(ctx context.Context, job cluster.Job) (cluster.Future, error)

func (f submitterFunc) Submit(ctx context.Context, job cluster.Job) (cluster.Future, error) {
	return f(ctx, job)
}

func (e *Executor) submit(ctx context.Context, job cluster.Job) (cluster.Future, error) {
	return e.Execute(ctx, job)
}

// Execute submits an envelope wrapped in a single-job load-balanced
// adapter, so the cluster's load balancer picks the placement.
func (e *Executor) Execute(ctx context.Context, job cluster.Job) (cluster.Future, error) {
	adapter := &cluster.SingleJobAdapter{Balancer: e.balancer}
	return e.connector.Execute(ctx, adapter, job)
}

// Call is a generic fire-and-forget submission, bypassing load
// balancing (used by ancillary control tasks).
func (e *Executor) Call(ctx context.Context, job cluster.Job) (cluster.Future, error) {
	return e.connector.Call(ctx, job)
}

// BuildEnvelope constructs the script or closure envelope for a task,
// dispatching on its kind.
func (e *Executor) BuildEnvelope(task *protocol.TaskRun) (cluster.Job, error) {
	switch task.Kind {
	case protocol.ScriptKind:
		return envelope.NewScriptTask(task, e.deps.SessionID, e.deps.Codec, e.deps.Cache, e.deps.Scratch, e.deps.Fs, e.deps.Builder)
	case protocol.ClosureKind:
		return envelope.NewClosureTask(task, e.deps.SessionID, e.deps.Codec, e.deps.Cache, e.deps.Scratch, e.deps.Fs, e.deps.Registry)
	default:
		return nil, errUnknownKind(task.Kind)
	}
}

type errUnknownKind protocol.TaskKind

func (k errUnknownKind) Error() string { return "unknown task kind" }

// PollingMonitor drives handler state checks at roughly 1s granularity,
// and wakes up immediately when a registered handler's future signals
// completion (spec §4.7, §5).
type PollingMonitor struct {
	executor *Executor
	interval time.Duration

	mu       sync.Mutex
	handlers map[*handler.Handler]struct{}
	wake     chan struct{}
	stop     chan struct{}
}

func NewPollingMonitor(e *Executor) *PollingMonitor {
	return &PollingMonitor{
		executor: e,
		interval: time.Second,
		handlers: make(map[*handler.Handler]struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (m *PollingMonitor) Register(h *handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h] = struct{}{}
}

func (m *PollingMonitor) Unregister(h *handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, h)
}

// Snapshot returns the handlers currently registered with the monitor,
// for operational visibility (e.g. a debug HTTP endpoint).
func (m *PollingMonitor) Snapshot() []*handler.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*handler.Handler, 0, len(m.handlers))
	for h := range m.handlers {
		out = append(out, h)
	}
	return out
}

// Signal wakes the polling loop immediately instead of waiting out the
// remainder of its current tick. Called from future-completion
// callbacks, possibly on a cluster transport thread.
func (m *PollingMonitor) Signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run blocks, polling registered handlers until Stop is called.
func (m *PollingMonitor) Run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.poll()
		case <-m.wake:
			m.poll()
		}
	}
}

func (m *PollingMonitor) Stop() {
	close(m.stop)
}

func (m *PollingMonitor) poll() {
	m.mu.Lock()
	snapshot := make([]*handler.Handler, 0, len(m.handlers))
	for h := range m.handlers {
		snapshot = append(snapshot, h)
	}
	m.mu.Unlock()

	for _, h := range snapshot {
		if h.CheckIfRunning() {
			log.Tracef("task handler %p: SUBMITTED -> RUNNING", h)
		}
		if h.CheckIfCompleted() {
			log.Tracef("task handler %p: RUNNING -> COMPLETED", h)
			m.Unregister(h)
		}
	}
}
