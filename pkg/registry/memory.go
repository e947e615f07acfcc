package registry

import (
	"sync"

	"github.com/rs/zerolog"

	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
	"github.com/cuemby/svcmesh/pkg/types"
)

const watchQueueSize = 32

// Memory is the reference Registry driver: an in-process map guarded by a
// single mutex, serializing register/deregister per (name, version) by
// serializing them all. Entries are permanent until explicit deregister;
// there is no TTL or heartbeat expiry (§4.3).
type Memory struct {
	mu      sync.Mutex
	records map[string]map[string]*types.Service // name -> version -> record
	subs    map[int]chan types.RegistryEvent
	nextSub int
	closed  bool
	log     zerolog.Logger
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]*types.Service),
		subs:    make(map[int]chan types.RegistryEvent),
		log:     svclog.WithComponent("registry"),
	}
}

func (m *Memory) Register(svc *types.Service) error {
	m.mu.Lock()

	versions, ok := m.records[svc.Name]
	if !ok {
		versions = make(map[string]*types.Service)
		m.records[svc.Name] = versions
	}

	action := types.EventActionUpdate
	rec, ok := versions[svc.Version]
	if !ok {
		rec = &types.Service{
			Name:     svc.Name,
			Version:  svc.Version,
			Metadata: cloneMetadata(svc.Metadata),
		}
		versions[svc.Version] = rec
		action = types.EventActionCreate
	} else {
		for k, v := range svc.Metadata {
			rec.Metadata[k] = v
		}
	}

	for _, node := range svc.Nodes {
		upsertNode(rec, node)
	}

	snapshot := cloneService(rec)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.log.Debug().Str("service", svc.Name).Str("version", svc.Version).Str("action", string(action)).Msg("registered")
	m.emit(types.RegistryEvent{Service: snapshot, Action: action})
	return nil
}

func (m *Memory) Deregister(name, version, nodeID string) error {
	m.mu.Lock()

	versions, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	rec, ok := versions[version]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	filtered := rec.Nodes[:0]
	for _, n := range rec.Nodes {
		if n.ID != nodeID {
			filtered = append(filtered, n)
		}
	}
	rec.Nodes = filtered

	action := types.EventActionUpdate
	snapshot := cloneService(rec)
	if len(rec.Nodes) == 0 {
		delete(versions, version)
		if len(versions) == 0 {
			delete(m.records, name)
		}
		action = types.EventActionDelete
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.log.Debug().Str("service", name).Str("version", version).Str("node", nodeID).Msg("deregistered")
	m.emit(types.RegistryEvent{Service: snapshot, Action: action})
	return nil
}

func (m *Memory) GetService(name string) ([]*types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.records[name]
	if !ok {
		return nil, nil
	}
	out := make([]*types.Service, 0, len(versions))
	for _, rec := range versions {
		out = append(out, cloneService(rec))
	}
	return out, nil
}

func (m *Memory) ListServices() ([]*types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Service
	for _, versions := range m.records {
		for _, rec := range versions {
			out = append(out, cloneService(rec))
		}
	}
	return out, nil
}

func (m *Memory) Watch() (<-chan types.RegistryEvent, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan types.RegistryEvent, watchQueueSize)
	m.subs[id] = ch
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		close(sub)
		delete(m.subs, id)
	}
	return nil
}

func (m *Memory) emit(ev types.RegistryEvent) {
	metrics.RegistryWatchEventsTotal.WithLabelValues(string(ev.Action)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub <- ev:
		default:
			m.log.Warn().Str("service", ev.Service.Name).Msg("watch subscriber queue full, dropping event")
		}
	}
}

// updateGaugesLocked must be called with m.mu held.
func (m *Memory) updateGaugesLocked() {
	total := 0
	for name, versions := range m.records {
		total += len(versions)
		nodes := 0
		for _, rec := range versions {
			nodes += len(rec.Nodes)
		}
		metrics.RegistryNodesTotal.WithLabelValues(name).Set(float64(nodes))
	}
	metrics.RegistryServicesTotal.Set(float64(total))
}

func upsertNode(rec *types.Service, node *types.Node) {
	for i, existing := range rec.Nodes {
		if existing.ID == node.ID {
			rec.Nodes[i] = cloneNode(node)
			return
		}
	}
	rec.Nodes = append(rec.Nodes, cloneNode(node))
}

func cloneNode(n *types.Node) *types.Node {
	cp := &types.Node{ID: n.ID, Address: n.Address, Port: n.Port}
	if n.Metadata != nil {
		cp.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func cloneService(rec *types.Service) *types.Service {
	cp := &types.Service{
		Name:     rec.Name,
		Version:  rec.Version,
		Metadata: cloneMetadata(rec.Metadata),
	}
	for _, n := range rec.Nodes {
		cp.Nodes = append(cp.Nodes, cloneNode(n))
	}
	return cp
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
