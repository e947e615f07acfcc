package selector

import (
	"sync"

	"github.com/cuemby/svcmesh/pkg/types"
)

// RoundRobin cycles through a service's nodes in order, one index per
// service name guarded by a single mutex.
type RoundRobin struct {
	mu      sync.Mutex
	indexes map[string]int
}

// NewRoundRobin returns a RoundRobin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{indexes: make(map[string]int)}
}

func (rr *RoundRobin) Select(serviceName string, nodes []*types.Node) (*types.Node, error) {
	if len(nodes) == 0 {
		return nil, errNoNodes(serviceName)
	}

	rr.mu.Lock()
	idx := rr.indexes[serviceName] % len(nodes)
	rr.indexes[serviceName] = (idx + 1) % len(nodes)
	rr.mu.Unlock()

	return nodes[idx], nil
}
