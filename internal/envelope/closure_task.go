package envelope

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/taskmesh/fleetexec/internal/codec"
	"github.com/taskmesh/fleetexec/internal/localcache"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

// Operator is a pre-registered, named computation parameterized by a
// data-only record. It stands in for the arbitrary user closure of the
// source spec, per the Design Notes on platforms without portable
// code-object serialization: the closure is bound to a
// DelegateContext and invoked, returning a value plus the (possibly
// mutated) delegate holder.
type Operator func(ctx context.Context, delegate *protocol.DelegateContext, args map[string]any) (any, error)

// OperatorRegistry is the Go stand-in for the session-scoped class
// loader of spec §6: it resolves an operator name to an implementation
// within a session.
type OperatorRegistry interface {
	Resolve(sessionID, name string) (Operator, error)
}

// MapOperatorRegistry is a simple session-agnostic registry: every
// session resolves against the same map. Sufficient for a single worker
// process; a multi-tenant deployment would key by session.
type MapOperatorRegistry map[string]Operator

func (r MapOperatorRegistry) Resolve(_, name string) (Operator, error) {
	op, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("no operator registered for %q", name)
	}
	return op, nil
}

// ClosureResult is the typed result of a closure task: the operator's
// return value plus the delegate's post-execution holder state.
type ClosureResult struct {
	Value   any
	Context *protocol.DelegateContext
}

// ClosureTask rehydrates a serialized operator invocation and delegate
// context, runs it, and returns the value plus the mutated delegate
// (spec §4.5).
type ClosureTask struct {
	base

	fs       afero.Fs
	registry OperatorRegistry

	invocation  []byte
	delegateObj []byte
}

func NewClosureTask(task *protocol.TaskRun, sessionID string, c codec.Codec, cache *localcache.LocalCache, scratch *localcache.ScratchSpace, fs afero.Fs, registry OperatorRegistry) (*ClosureTask, error) {
	b, err := newBase(protocol.AttributesOf(task), sessionID, c, cache, scratch)
	if err != nil {
		return nil, err
	}

	return &ClosureTask{
		base:        b,
		fs:          fs,
		registry:    registry,
		invocation:  append([]byte(nil), task.CodeObject...),
		delegateObj: append([]byte(nil), task.DelegateObj...),
	}, nil
}

func (c *ClosureTask) Call(ctx context.Context) (any, error) {
	return c.run(ctx, c.fs, c.execute0)
}

func (c *ClosureTask) execute0(ctx context.Context, _ string) (any, error) {
	var invocation protocol.OperatorInvocation
	if err := c.codec.Deserialize(c.invocation, &invocation); err != nil {
		return nil, fmt.Errorf("rehydrating closure: %w", err)
	}

	var delegate protocol.DelegateContext
	if err := c.codec.Deserialize(c.delegateObj, &delegate); err != nil {
		return nil, fmt.Errorf("rehydrating delegate context: %w", err)
	}

	op, err := c.registry.Resolve(c.sessionID, invocation.Operator)
	if err != nil {
		return nil, err
	}

	value, err := op(ctx, &delegate, invocation.Args)
	if err != nil {
		return nil, err
	}

	return &ClosureResult{Value: value, Context: &delegate}, nil
}

// Cancel is a no-op: closure tasks run in-process and offer no
// preemption point.
func (c *ClosureTask) Cancel() error { return nil }
