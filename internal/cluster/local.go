package cluster

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"github.com/taskmesh/fleetexec/internal/log"
)

// localNode is a worker slot in the in-process compute service. Its ID
// is derived the way the teacher derives a worker's platform identity
// (Platform.addDefaults): a protected machine ID, falling back to a
// random UUID when unavailable (e.g. in sandboxed test environments).
type localNode struct{ id string }

func (n *localNode) ID() string { return n.id }

func newLocalNode(suffix int) *localNode {
	id, err := machineid.ProtectedID("fleetexec-worker")
	if err != nil {
		id = uuid.NewString()
	}
	return &localNode{id: fmt.Sprintf("%s-%d", id, suffix)}
}

// future is the channel-backed Future implementation used by Local.
type future struct {
	mu        sync.Mutex
	done      chan struct{}
	result    any
	err       error
	cancelled bool
	cancelFn  context.CancelFunc
	listeners []func(Future)
	fired     bool
}

func newFuture(cancel context.CancelFunc) *future {
	return &future{done: make(chan struct{}), cancelFn: cancel}
}

func (f *future) Done() <-chan struct{} { return f.done }

func (f *future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *future) Result() (any, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return nil, ErrCancelled
	}
	return f.result, f.err
}

func (f *future) Cancel() error {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		return nil
	}
	f.cancelled = true
	f.mu.Unlock()

	if f.cancelFn != nil {
		f.cancelFn()
	}
	return nil
}

func (f *future) Listen(fn func(Future)) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		fn(f)
		return
	}
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *future) complete(result any, err error) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		return
	}
	f.fired = true
	f.result, f.err = result, err
	listeners := f.listeners
	f.mu.Unlock()

	close(f.done)
	for _, l := range listeners {
		l(f)
	}
}

// Local is the default, in-process ComputeService: a fixed pool of
// worker goroutines run submitted Jobs and report back through futures,
// grounded on the teacher's utils.WorkerPool.
type Local struct {
	nodes []Node
	tasks chan func()
	wg    sync.WaitGroup
	done  chan struct{}
}

// NewLocal starts a pool with one node per available CPU, the same
// default the teacher's WorkerPool uses.
func NewLocal() *Local {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}

	l := &Local{
		tasks: make(chan func(), n),
		done:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		l.nodes = append(l.nodes, newLocalNode(i))
	}

	l.wg.Add(n)
	for i := 0; i < n; i++ {
		go l.worker()
	}
	return l
}

func (l *Local) worker() {
	defer l.wg.Done()
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.done:
			return
		}
	}
}

func (l *Local) Nodes() []Node { return l.nodes }

func (l *Local) Call(ctx context.Context, job Job) (Future, error) {
	return l.submit(ctx, job)
}

func (l *Local) Execute(ctx context.Context, adapter TaskAdapter, job Job) (Future, error) {
	node, err := adapter.Map(l.nodes, job)
	if err != nil {
		return nil, err
	}
	if len(node) == 0 {
		return nil, fmt.Errorf("load balancer produced no placement")
	}
	log.Debugf("submitting job to node via load-balanced adapter")
	return l.submit(ctx, job)
}

func (l *Local) submit(ctx context.Context, job Job) (Future, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)

	run := func() {
		if f.IsCancelled() {
			job.Cancel()
			f.complete(nil, ErrCancelled)
			return
		}
		result, err := job.Call(jobCtx)
		if f.IsCancelled() {
			f.complete(nil, ErrCancelled)
			return
		}
		f.complete(result, err)
	}

	select {
	case <-l.done:
		return nil, fmt.Errorf("compute service is closed")
	default:
	}

	select {
	case l.tasks <- run:
	case <-l.done:
		return nil, fmt.Errorf("compute service is closed")
	}
	return f, nil
}

func (l *Local) Close() {
	close(l.done)
	l.wg.Wait()
}
