// Package cluster models the Cluster Compute Service the executor
// depends on (spec §6): an opaque façade providing async job submission,
// a load balancer, and futures. The wire format is explicitly out of
// scope (spec §1 Non-goals); this package defines the interfaces the
// executor needs and ships one concrete, in-process implementation so
// the rest of the system is runnable without a real cluster.
package cluster

import (
	"context"
	"errors"
)

// ErrCancelled is produced when a future reports cancellation.
var ErrCancelled = errors.New("cancelled")

// ErrNoEligibleNode is returned by a LoadBalancer that cannot place a
// job on any node.
var ErrNoEligibleNode = errors.New("no eligible node available")

// Node identifies a placement target in the cluster.
type Node interface {
	ID() string
}

// Job is a unit of work submitted to the cluster: the worker-side half
// of a Remote Task Envelope.
type Job interface {
	Call(ctx context.Context) (any, error)
	Cancel() error
}

// TaskAdapter is a thin compute-task adapter whose only purpose is to
// let the cluster's load balancer pick the placement for a single-job
// submission (spec §4.7). Map returns a one-element mapping; Reduce
// returns the sole result.
type TaskAdapter interface {
	Map(nodes []Node, job Job) (map[Job]Node, error)
	Reduce(results map[Node]any) (any, error)
}

// LoadBalancer picks a node for a job, excluding any nodes the caller
// has already ruled out.
type LoadBalancer interface {
	GetBalancedNode(job Job, excluded []Node) (Node, error)
}

// Future is an asynchronous handle to a submitted job's outcome.
type Future interface {
	Done() <-chan struct{}
	IsDone() bool
	IsCancelled() bool
	Result() (any, error)
	Cancel() error
	// Listen registers fn to run once the future completes (successfully,
	// with an error, or cancelled). fn may be called synchronously if the
	// future is already done.
	Listen(fn func(Future))
}

// ComputeService is the façade the Executor depends on.
type ComputeService interface {
	// Call submits a job for fire-and-forget execution, bypassing load
	// balancing (used by ancillary control tasks).
	Call(ctx context.Context, job Job) (Future, error)

	// Execute submits a job through a TaskAdapter, letting the adapter's
	// injected load balancer choose placement.
	Execute(ctx context.Context, adapter TaskAdapter, job Job) (Future, error)

	Nodes() []Node
}

// SingleJobAdapter is the load-balanced wrapper described in spec §4.7:
// it exists solely to surface the load-balancer dependency to the
// framework for a one-element job submission.
type SingleJobAdapter struct {
	Balancer LoadBalancer
}

func (a *SingleJobAdapter) Map(nodes []Node, job Job) (map[Job]Node, error) {
	node, err := a.Balancer.GetBalancedNode(job, nil)
	if err != nil {
		return nil, err
	}
	return map[Job]Node{job: node}, nil
}

func (a *SingleJobAdapter) Reduce(results map[Node]any) (any, error) {
	for _, v := range results {
		return v, nil
	}
	return nil, nil
}
