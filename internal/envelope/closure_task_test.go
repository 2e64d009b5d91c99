package envelope

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/suite"

	"github.com/taskmesh/fleetexec/internal/codec"
	"github.com/taskmesh/fleetexec/internal/localcache"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

func TestClosureTask(t *testing.T) {
	suite.Run(t, &ClosureTaskTest{})
}

type ClosureTaskTest struct {
	suite.Suite
	fs       afero.Fs
	cache    *localcache.LocalCache
	scratch  *localcache.ScratchSpace
	c        codec.Codec
	registry MapOperatorRegistry
}

func (s *ClosureTaskTest) SetupTest() {
	s.fs, _ = newRealFs(s.T())
	s.c = codec.NewGob()
	s.scratch = localcache.NewScratchSpace(s.fs, "/scratch")
	s.cache = localcache.NewLocalCache(s.fs, "/cache")
	s.registry = MapOperatorRegistry{}
}

// TestClosureRoundTrip covers spec §8 scenario 4: a closure that returns
// {sum: 3} and mutates delegate {count: 1}.
func (s *ClosureTaskTest) TestClosureRoundTrip() {
	s.registry["sum"] = func(ctx context.Context, delegate *protocol.DelegateContext, args map[string]any) (any, error) {
		a := args["a"].(int64)
		b := args["b"].(int64)
		if delegate.Holder == nil {
			delegate.Holder = map[string]any{}
		}
		count, _ := delegate.Holder["count"].(int64)
		delegate.Holder["count"] = count + 1
		return map[string]any{"sum": a + b}, nil
	}

	invocation := &protocol.OperatorInvocation{
		Operator: "sum",
		Args:     map[string]any{"a": int64(1), "b": int64(2)},
	}
	invocationBytes, err := s.c.Serialize(invocation)
	s.Require().NoError(err)

	delegate := &protocol.DelegateContext{Holder: map[string]any{"count": int64(0)}}
	delegateBytes, err := s.c.Serialize(delegate)
	s.Require().NoError(err)

	task := &protocol.TaskRun{
		ID:          "t1",
		Name:        "sum",
		WorkDir:     "/work",
		TargetDir:   "/target",
		CodeObject:  invocationBytes,
		DelegateObj: delegateBytes,
	}

	ct, err := NewClosureTask(task, "session-1", s.c, s.cache, s.scratch, s.fs, s.registry)
	s.Require().NoError(err)

	result, err := ct.Call(context.Background())
	s.Require().NoError(err)

	closureResult, ok := result.(*ClosureResult)
	s.Require().True(ok)

	value, ok := closureResult.Value.(map[string]any)
	s.Require().True(ok)
	s.EqualValues(3, value["sum"])
	s.EqualValues(1, closureResult.Context.Holder["count"])
}

func (s *ClosureTaskTest) TestUnknownOperatorFails() {
	invocation := &protocol.OperatorInvocation{Operator: "missing"}
	invocationBytes, err := s.c.Serialize(invocation)
	s.Require().NoError(err)

	delegateBytes, err := s.c.Serialize(&protocol.DelegateContext{})
	s.Require().NoError(err)

	task := &protocol.TaskRun{
		ID:          "t2",
		WorkDir:     "/work2",
		TargetDir:   "/target2",
		CodeObject:  invocationBytes,
		DelegateObj: delegateBytes,
	}

	ct, err := NewClosureTask(task, "session-1", s.c, s.cache, s.scratch, s.fs, s.registry)
	s.Require().NoError(err)

	_, err = ct.Call(context.Background())
	s.Require().Error(err)
	s.Contains(err.Error(), "missing")
}

func (s *ClosureTaskTest) TestOperatorErrorWrapsAsProcessExecutionError() {
	s.registry["boom"] = func(ctx context.Context, delegate *protocol.DelegateContext, args map[string]any) (any, error) {
		return nil, fmt.Errorf("kaboom")
	}

	invocationBytes, err := s.c.Serialize(&protocol.OperatorInvocation{Operator: "boom"})
	s.Require().NoError(err)
	delegateBytes, err := s.c.Serialize(&protocol.DelegateContext{})
	s.Require().NoError(err)

	task := &protocol.TaskRun{
		ID:          "t3",
		Name:        "boom-task",
		WorkDir:     "/work3",
		TargetDir:   "/target3",
		CodeObject:  invocationBytes,
		DelegateObj: delegateBytes,
	}

	ct, err := NewClosureTask(task, "session-1", s.c, s.cache, s.scratch, s.fs, s.registry)
	s.Require().NoError(err)

	_, err = ct.Call(context.Background())
	s.Require().Error(err)

	var pe *ProcessExecutionError
	s.Require().ErrorAs(err, &pe)
	s.Equal("boom-task", pe.TaskName)
}
