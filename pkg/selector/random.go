package selector

import (
	"math/rand"

	"github.com/cuemby/svcmesh/pkg/types"
)

// Random picks a uniformly random node on every call.
type Random struct{}

// NewRandom returns a Random selector.
func NewRandom() *Random { return &Random{} }

func (r *Random) Select(serviceName string, nodes []*types.Node) (*types.Node, error) {
	if len(nodes) == 0 {
		return nil, errNoNodes(serviceName)
	}
	return nodes[rand.Intn(len(nodes))], nil
}
