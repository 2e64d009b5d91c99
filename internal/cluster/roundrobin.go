package cluster

import (
	"sync"

	"github.com/taskmesh/fleetexec/internal/log"
)

// RoundRobin is a load balancer that cycles through the cluster's nodes,
// skipping any the caller has excluded. Grounded on the teacher's
// round-robin scheduler, simplified to the single "pick next eligible
// node" operation the executor needs.
type RoundRobin struct {
	mu    sync.Mutex
	nodes []Node
	next  int
}

func NewRoundRobin(nodes []Node) *RoundRobin {
	return &RoundRobin{nodes: nodes}
}

func (r *RoundRobin) GetBalancedNode(job Job, excluded []Node) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) == 0 {
		return nil, ErrNoEligibleNode
	}

	excludedSet := make(map[string]bool, len(excluded))
	for _, n := range excluded {
		excludedSet[n.ID()] = true
	}

	for i := 0; i < len(r.nodes); i++ {
		idx := (r.next + i) % len(r.nodes)
		node := r.nodes[idx]
		if excludedSet[node.ID()] {
			continue
		}
		r.next = (idx + 1) % len(r.nodes)
		log.Tracef("load balancer picked node %s", node.ID())
		return node, nil
	}

	return nil, ErrNoEligibleNode
}
