package boltstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"

	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/types"
)

var _ registry.Registry = (*Store)(nil)

var bucketServices = []byte("services")

func recordKey(name, version string) []byte {
	return []byte(name + "\x00" + version)
}

const watchQueueSize = 32

// Store is a bbolt-backed Registry driver: every (name, version) record is
// JSON-marshaled into one key of the "services" bucket. Node merge/remove
// semantics mirror the in-memory driver; only the storage backend differs.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	subs    map[int]chan types.RegistryEvent
	nextSub int
	closed  bool
	log     zerolog.Logger
}

// Open creates or opens the bbolt database file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "svcmesh-registry.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketServices)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: create bucket: %w", err)
	}
	return &Store{
		db:   db,
		subs: make(map[int]chan types.RegistryEvent),
		log:  svclog.WithComponent("registry-boltstore"),
	}, nil
}

func (s *Store) Register(svc *types.Service) error {
	var snapshot *types.Service
	action := types.EventActionUpdate

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		key := recordKey(svc.Name, svc.Version)

		var rec types.Service
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			for k, v := range svc.Metadata {
				rec.Metadata[k] = v
			}
		} else {
			rec = types.Service{Name: svc.Name, Version: svc.Version, Metadata: cloneMetadata(svc.Metadata)}
			action = types.EventActionCreate
		}

		for _, node := range svc.Nodes {
			upsertNode(&rec, node)
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		snapshot = &rec
		return b.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("boltstore: register %s/%s: %w", svc.Name, svc.Version, err)
	}

	s.updateGauges()
	s.emit(types.RegistryEvent{Service: snapshot, Action: action})
	return nil
}

func (s *Store) Deregister(name, version, nodeID string) error {
	var snapshot *types.Service
	action := types.EventActionUpdate
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		key := recordKey(name, version)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true

		var rec types.Service
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		filtered := rec.Nodes[:0]
		for _, n := range rec.Nodes {
			if n.ID != nodeID {
				filtered = append(filtered, n)
			}
		}
		rec.Nodes = filtered
		snapshot = &rec

		if len(rec.Nodes) == 0 {
			action = types.EventActionDelete
			return b.Delete(key)
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return fmt.Errorf("boltstore: deregister %s/%s: %w", name, version, err)
	}
	if !found {
		return nil
	}

	s.updateGauges()
	s.emit(types.RegistryEvent{Service: snapshot, Action: action})
	return nil
}

func (s *Store) GetService(name string) ([]*types.Service, error) {
	var out []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var rec types.Service
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Name == name {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: get-service %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) ListServices() ([]*types.Service, error) {
	var out []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var rec types.Service
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list-services: %w", err)
	}
	return out, nil
}

func (s *Store) Watch() (<-chan types.RegistryEvent, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan types.RegistryEvent, watchQueueSize)
	s.subs[id] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, sub := range s.subs {
			close(sub)
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) emit(ev types.RegistryEvent) {
	metrics.RegistryWatchEventsTotal.WithLabelValues(string(ev.Action)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
			s.log.Warn().Str("service", ev.Service.Name).Msg("watch subscriber queue full, dropping event")
		}
	}
}

func (s *Store) updateGauges() {
	all, err := s.ListServices()
	if err != nil {
		return
	}
	byName := make(map[string]int)
	for _, rec := range all {
		byName[rec.Name] += len(rec.Nodes)
	}
	for name, nodes := range byName {
		metrics.RegistryNodesTotal.WithLabelValues(name).Set(float64(nodes))
	}
	metrics.RegistryServicesTotal.Set(float64(len(all)))
}

func upsertNode(rec *types.Service, node *types.Node) {
	for i, existing := range rec.Nodes {
		if existing.ID == node.ID {
			rec.Nodes[i] = node
			return
		}
	}
	rec.Nodes = append(rec.Nodes, node)
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
