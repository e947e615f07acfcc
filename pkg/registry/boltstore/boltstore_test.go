package boltstore

import (
	"testing"

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

func TestRegisterPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	services, err := s2.GetService("billing")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Len(t, services[0].Nodes, 1)
}

func TestDeregisterRemovesNode(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, s.Register(svc("billing", "v1", "node-b")))
	require.NoError(t, s.Deregister("billing", "v1", "node-a"))

	services, err := s.GetService("billing")
	require.NoError(t, err)
	require.Len(t, services, 1)
	for _, n := range services[0].Nodes {
		assert.NotEqual(t, "node-a", n.ID)
	}
}

func TestDeregisterLastNodeDeletesRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Register(svc("billing", "v1", "node-a")))
	require.NoError(t, s.Deregister("billing", "v1", "node-a"))

	services, err := s.GetService("billing")
	require.NoError(t, err)
	assert.Len(t, services, 0)
}

func TestWatchEmitsEvents(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	events, unsubscribe := s.Watch()
	defer unsubscribe()

	require.NoError(t, s.Register(svc("billing", "v1", "node-a")))

	ev := <-events
	assert.Equal(t, types.EventActionCreate, ev.Action)
}
