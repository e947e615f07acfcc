package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/types"
)

func svc(name, version, nodeID string) *types.Service {
	return &types.Service{
		Name:    name,
		Version: version,
		Nodes:   []*types.Node{{ID: nodeID, Address: "127.0.0.1", Port: 9000}},
	}
}

func TestRegisterThenDeregisterLeavesNoNode(t *testing.T) {
	r := NewMemory()

	require.NoError(t, r.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, r.Register(svc("billing", "v1", "node-b")))

	services, err := r.GetService("billing")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Len(t, services[0].Nodes, 2)

	require.NoError(t, r.Deregister("billing", "v1", "node-a"))

	services, err = r.GetService("billing")
	require.NoError(t, err)
	require.Len(t, services, 1)
	for _, n := range services[0].Nodes {
		assert.NotEqual(t, "node-a", n.ID)
	}
}

func TestDeregisterLastNodeRemovesRecord(t *testing.T) {
	r := NewMemory()
	require.NoError(t, r.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, r.Deregister("billing", "v1", "node-a"))

	services, err := r.GetService("billing")
	require.NoError(t, err)
	assert.Len(t, services, 0)
}

func TestDeregisterUnknownNodeIsIdempotent(t *testing.T) {
	r := NewMemory()
	require.NoError(t, r.Deregister("billing", "v1", "node-a"))
	require.NoError(t, r.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, r.Deregister("billing", "v1", "node-does-not-exist"))

	services, err := r.GetService("billing")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Len(t, services[0].Nodes, 1)
}

func TestGetServiceReturnsOnePerVersion(t *testing.T) {
	r := NewMemory()
	require.NoError(t, r.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, r.Register(svc("billing", "v2", "node-b")))

	services, err := r.GetService("billing")
	require.NoError(t, err)
	assert.Len(t, services, 2)
}

func TestWatchEmitsCreateUpdateDelete(t *testing.T) {
	r := NewMemory()
	events, unsubscribe := r.Watch()
	defer unsubscribe()

	require.NoError(t, r.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, r.Register(svc("billing", "v1", "node-b")))
	require.NoError(t, r.Deregister("billing", "v1", "node-a"))
	require.NoError(t, r.Deregister("billing", "v1", "node-b"))

	var actions []types.EventAction
	for i := 0; i < 4; i++ {
		select {
		case ev := <-events:
			actions = append(actions, ev.Action)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for registry event")
		}
	}
	assert.Equal(t, []types.EventAction{
		types.EventActionCreate,
		types.EventActionUpdate,
		types.EventActionUpdate,
		types.EventActionDelete,
	}, actions)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := NewMemory()
	events, unsubscribe := r.Watch()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)
}

func TestCloseClosesAllWatchers(t *testing.T) {
	r := NewMemory()
	events, _ := r.Watch()
	require.NoError(t, r.Close())

	_, ok := <-events
	assert.False(t, ok)
}

func TestListServicesAcrossNames(t *testing.T) {
	r := NewMemory()
	require.NoError(t, r.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, r.Register(svc("shipping", "v1", "node-b")))

	all, err := r.ListServices()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
