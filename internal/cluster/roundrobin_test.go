package cluster

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type stubNode struct{ id string }

func (n stubNode) ID() string { return n.id }

func nodeSet(ids ...string) []Node {
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = stubNode{id}
	}
	return nodes
}

func TestRoundRobin(t *testing.T) {
	suite.Run(t, &RoundRobinTest{})
}

type RoundRobinTest struct {
	suite.Suite
}

func (s *RoundRobinTest) TestCyclesThroughNodes() {
	rr := NewRoundRobin(nodeSet("a", "b", "c"))

	var got []string
	for i := 0; i < 6; i++ {
		n, err := rr.GetBalancedNode(nil, nil)
		s.Require().NoError(err)
		got = append(got, n.ID())
	}

	s.Equal([]string{"a", "b", "c", "a", "b", "c"}, got)
}

func (s *RoundRobinTest) TestSkipsExcludedNodes() {
	rr := NewRoundRobin(nodeSet("a", "b", "c"))

	n, err := rr.GetBalancedNode(nil, nodeSet("a", "b"))
	s.Require().NoError(err)
	s.Equal("c", n.ID())
}

func (s *RoundRobinTest) TestAllNodesExcludedIsNoEligibleNode() {
	rr := NewRoundRobin(nodeSet("a", "b"))

	_, err := rr.GetBalancedNode(nil, nodeSet("a", "b"))
	s.Require().ErrorIs(err, ErrNoEligibleNode)
}

func (s *RoundRobinTest) TestEmptyPoolIsNoEligibleNode() {
	rr := NewRoundRobin(nil)

	_, err := rr.GetBalancedNode(nil, nil)
	s.Require().ErrorIs(err, ErrNoEligibleNode)
}

func (s *RoundRobinTest) TestExclusionDoesNotAdvanceCursorPermanently() {
	rr := NewRoundRobin(nodeSet("a", "b", "c"))

	n, err := rr.GetBalancedNode(nil, nodeSet("a"))
	s.Require().NoError(err)
	s.Equal("b", n.ID())

	n, err = rr.GetBalancedNode(nil, nil)
	s.Require().NoError(err)
	s.Equal("c", n.ID())
}
