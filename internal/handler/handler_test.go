package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/suite"

	"github.com/taskmesh/fleetexec/internal/cluster"
	"github.com/taskmesh/fleetexec/internal/envelope"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

// fakeFuture is a minimal, manually-driven cluster.Future for exercising
// the handler state machine without a real compute service.
type fakeFuture struct {
	done      chan struct{}
	result    any
	err       error
	cancelled bool
	listeners []func(cluster.Future)
	fired     bool
}

func newFakeFuture() *fakeFuture {
	return &fakeFuture{done: make(chan struct{})}
}

func (f *fakeFuture) Done() <-chan struct{} { return f.done }
func (f *fakeFuture) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
func (f *fakeFuture) IsCancelled() bool { return f.cancelled }
func (f *fakeFuture) Result() (any, error) {
	<-f.done
	return f.result, f.err
}
func (f *fakeFuture) Cancel() error {
	if f.fired {
		return nil
	}
	f.cancelled = true
	f.complete(nil, cluster.ErrCancelled)
	return nil
}
func (f *fakeFuture) Listen(fn func(cluster.Future)) {
	if f.fired {
		fn(f)
		return
	}
	f.listeners = append(f.listeners, fn)
}
func (f *fakeFuture) complete(result any, err error) {
	if f.fired {
		return
	}
	f.fired = true
	f.result, f.err = result, err
	close(f.done)
	for _, l := range f.listeners {
		l(f)
	}
}

type fakeSubmitter struct {
	future *fakeFuture
	err    error
}

func (s *fakeSubmitter) Submit(ctx context.Context, job cluster.Job) (cluster.Future, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.future, nil
}

type fakeMonitor struct {
	signals int
}

func (m *fakeMonitor) Signal() { m.signals++ }

func noopBuild(job cluster.Job) EnvelopeBuilder {
	return func(*protocol.TaskRun) (cluster.Job, error) { return job, nil }
}

type fakeJob struct{}

func (fakeJob) Call(ctx context.Context) (any, error) { return nil, nil }
func (fakeJob) Cancel() error { return nil }

func TestHandler(t *testing.T) {
	suite.Run(t, &HandlerTest{})
}

type HandlerTest struct {
	suite.Suite
	fs afero.Fs
}

func (s *HandlerTest) SetupTest() {
	s.fs = afero.NewMemMapFs()
}

func (s *HandlerTest) TestClosureTaskProgressesThroughAllStates() {
	task := &protocol.TaskRun{ID: "t1", Kind: protocol.ClosureKind}
	future := newFakeFuture()
	monitor := &fakeMonitor{}
	h := New(task, noopBuild(fakeJob{}), &fakeSubmitter{future: future}, monitor, s.fs)

	s.Equal(StateNew, h.State())

	s.Require().NoError(h.Submit(context.Background()))
	s.Equal(StateSubmitted, h.State())

	s.True(h.CheckIfRunning())
	s.Equal(StateRunning, h.State())

	s.False(h.CheckIfCompleted(), "future has not completed yet")

	future.complete(&envelope.ClosureResult{Value: "done", Context: &protocol.DelegateContext{Holder: map[string]any{"x": 1}}}, nil)

	s.True(h.CheckIfCompleted())
	s.Equal(StateCompleted, h.State())
	s.Equal("done", task.Value)
	s.Equal(1, task.Context.Holder["x"])
	s.Equal(1, monitor.signals)
}

func (s *HandlerTest) TestNoBackTransition() {
	task := &protocol.TaskRun{ID: "t2", Kind: protocol.ClosureKind}
	future := newFakeFuture()
	h := New(task, noopBuild(fakeJob{}), &fakeSubmitter{future: future}, &fakeMonitor{}, s.fs)

	s.Require().NoError(h.Submit(context.Background()))
	s.True(h.CheckIfRunning())
	future.complete("x", nil)
	s.True(h.CheckIfCompleted())

	// Once COMPLETED, neither check can move the state again.
	s.False(h.CheckIfRunning())
	s.False(h.CheckIfCompleted())
	s.Equal(StateCompleted, h.State())
}

// TestScriptTaskWaitsForExitFile covers the kind-dispatched completion
// predicate: a script task's future being done is not sufficient until
// the shared-storage exit file also exists with a nonzero mtime.
func (s *HandlerTest) TestScriptTaskWaitsForExitFile() {
	task := &protocol.TaskRun{ID: "t3", Kind: protocol.ScriptKind, WorkDir: "/work"}
	future := newFakeFuture()
	h := New(task, noopBuild(fakeJob{}), &fakeSubmitter{future: future}, &fakeMonitor{}, s.fs)

	s.Require().NoError(h.Submit(context.Background()))
	s.True(h.CheckIfRunning())

	future.complete(0, nil)
	s.False(h.CheckIfCompleted(), "exit file does not exist yet")

	s.Require().NoError(s.fs.MkdirAll("/work", 0o755))
	s.Require().NoError(afero.WriteFile(s.fs, "/work/"+envelope.ExitStatusFile, []byte("0"), 0o644))

	s.True(h.CheckIfCompleted())
	s.Equal(StateCompleted, h.State())
	s.Equal(0, task.ExitStatus)
	s.Equal("/work/"+envelope.StdoutFile, task.Stdout)
}

// TestCancellation covers spec §8 scenario 5.
func (s *HandlerTest) TestCancellation() {
	task := &protocol.TaskRun{ID: "t4", Kind: protocol.ClosureKind}
	future := newFakeFuture()
	h := New(task, noopBuild(fakeJob{}), &fakeSubmitter{future: future}, &fakeMonitor{}, s.fs)

	s.Require().NoError(h.Submit(context.Background()))
	s.True(h.CheckIfRunning())

	s.Require().NoError(h.Kill())
	s.True(future.IsCancelled())

	s.True(h.CheckIfCompleted())
	s.Equal(StateCompleted, h.State())

	var taskErr *protocol.TaskError
	s.Require().ErrorAs(task.Err, &taskErr)
	s.True(taskErr.Cancelled)
}

func (s *HandlerTest) TestKillBeforeSubmitIsNoOp() {
	task := &protocol.TaskRun{ID: "t5"}
	h := New(task, noopBuild(fakeJob{}), &fakeSubmitter{}, &fakeMonitor{}, s.fs)
	s.Require().NoError(h.Kill())
}

func (s *HandlerTest) TestSubmitPropagatesBuilderError() {
	task := &protocol.TaskRun{ID: "t6"}
	build := func(*protocol.TaskRun) (cluster.Job, error) { return nil, fmt.Errorf("bad task") }
	h := New(task, build, &fakeSubmitter{}, &fakeMonitor{}, s.fs)

	err := h.Submit(context.Background())
	s.Require().Error(err)
	s.Equal(StateNew, h.State())
}

func (s *HandlerTest) TestFutureErrorRecordedOnTask() {
	task := &protocol.TaskRun{ID: "t7", Kind: protocol.ClosureKind}
	future := newFakeFuture()
	h := New(task, noopBuild(fakeJob{}), &fakeSubmitter{future: future}, &fakeMonitor{}, s.fs)

	s.Require().NoError(h.Submit(context.Background()))
	s.True(h.CheckIfRunning())

	future.complete(nil, fmt.Errorf("worker blew up"))
	s.True(h.CheckIfCompleted())
	s.Require().Error(task.Err)
	s.Contains(task.Err.Error(), "worker blew up")
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNew:       "NEW",
		StateSubmitted: "SUBMITTED",
		StateRunning:   "RUNNING",
		StateCompleted: "COMPLETED",
		State(99):      "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
