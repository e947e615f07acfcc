package registry

import (
	"github.com/cuemby/svcmesh/pkg/types"
)

// Registry persists and looks up service records (§4.3).
type Registry interface {
	// Register upserts svc's nodes into the (name, version) record,
	// merging by node.id, and emits a create or update event.
	Register(svc *types.Service) error

	// Deregister removes the node with the given id from the (name,
	// version) record. It succeeds even if the node or record is already
	// gone. Once the record's last node is removed, the record itself is
	// deleted and a delete event is emitted.
	Deregister(name, version, nodeID string) error

	// GetService returns one record per version registered under name.
	GetService(name string) ([]*types.Service, error)

	// ListServices returns every record across every name and version.
	ListServices() ([]*types.Service, error)

	// Watch returns a stream of registry mutations and an unsubscribe
	// function. The channel is closed once unsubscribe is called or the
	// registry itself is closed.
	Watch() (<-chan types.RegistryEvent, func())

	// Close releases registry resources and closes all watch channels.
	Close() error
}
