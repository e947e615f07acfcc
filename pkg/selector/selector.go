// Package selector implements the client's node selection policy (§4.3,
// §4.6): given a service name and its current node list, pick one. Two
// reference policies are provided, round-robin and random, grounded on the
// teacher's ingress load balancer index-map pattern.
package selector

import (
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/types"
)

// Selector picks one node from a service's current node list.
type Selector interface {
	Select(serviceName string, nodes []*types.Node) (*types.Node, error)
}

func errNoNodes(serviceName string) error {
	return svcerrors.New(svcerrors.ServiceUnavailable, "no nodes available for service "+serviceName)
}
