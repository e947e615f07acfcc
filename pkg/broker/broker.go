// Package broker implements the pub/sub transport of §4.9: topic fan-out to
// every plain subscriber, and fair load-balancing across subscribers that
// share a queue-group, backed by an in-memory reference driver.
package broker

import (
	"sync"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
)

// Message is one delivered broker payload.
type Message struct {
	Topic   string
	Body    []byte
	Headers map[string]string
}

// Handler receives one delivered Message. A non-nil return is a delivery
// failure; the caller (PubSub) is responsible for retrying per §4.9.
type Handler func(*Message) error

// Subscription is a live binding returned by Subscribe/QueueSubscribe.
type Subscription interface {
	// Unsubscribe cancels delivery. Idempotent.
	Unsubscribe() error
	// Active reports whether the broker still holds this subscription.
	Active() bool
}

// Broker is the transport-level publish/subscribe primitive a PubSub
// facade wraps. Drivers other than the in-memory Memory type (NATS,
// Consul-backed, etc.) implement the same interface at their boundary.
type Broker interface {
	Connect() error
	Disconnect() error
	Connected() bool
	Publish(topic string, msg *Message) error
	Subscribe(topic string, h Handler) (Subscription, error)
	QueueSubscribe(topic, queue string, h Handler) (Subscription, error)
	Close() error
}

type subEntry struct {
	topic   string
	queue   string
	handler Handler
	active  bool
	mu      sync.Mutex
	owner   *Memory
	idx     int // round-robin position within its queue group
}

func (s *subEntry) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	s.owner.remove(s)
	return nil
}

func (s *subEntry) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Memory is the in-memory reference Broker: direct fan-out to plain
// subscribers, round-robin fairness within a queue-group.
type Memory struct {
	mu          sync.RWMutex
	connected   bool
	subs        map[string][]*subEntry            // topic -> plain subscribers
	groups      map[string]map[string][]*subEntry // topic -> queue -> members
	groupCursor map[string]map[string]int         // topic -> queue -> next index
}

// NewMemory returns a disconnected in-memory Broker.
func NewMemory() *Memory {
	return &Memory{
		subs:        make(map[string][]*subEntry),
		groups:      make(map[string]map[string][]*subEntry),
		groupCursor: make(map[string]map[string]int),
	}
}

// Connect marks the broker connected. The in-memory driver has no dial
// step, but callers still drive it through Connect/Disconnect so swapping
// in a networked driver needs no call-site changes.
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks every held subscription inactive and releases them, per
// §4.9 ("disconnect must mark all subscriptions inactive").
func (m *Memory) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	all := make([]*subEntry, 0)
	for _, list := range m.subs {
		all = append(all, list...)
	}
	for _, groups := range m.groups {
		for _, members := range groups {
			all = append(all, members...)
		}
	}
	m.subs = make(map[string][]*subEntry)
	m.groups = make(map[string]map[string][]*subEntry)
	m.groupCursor = make(map[string]map[string]int)
	m.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
	return nil
}

func (m *Memory) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Publish delivers msg to every plain subscriber of topic and to exactly
// one member per queue-group bound to topic.
func (m *Memory) Publish(topic string, msg *Message) error {
	m.mu.RLock()
	if !m.connected {
		m.mu.RUnlock()
		return svcerrors.New(svcerrors.ServiceUnavailable, "broker not connected")
	}
	plain := append([]*subEntry(nil), m.subs[topic]...)
	groups := m.groups[topic]
	groupNames := make([]string, 0, len(groups))
	for g := range groups {
		groupNames = append(groupNames, g)
	}
	m.mu.RUnlock()

	for _, s := range plain {
		deliver(s, msg)
	}
	for _, g := range groupNames {
		m.deliverToGroup(topic, g, msg)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(topic).Inc()
	return nil
}

func (m *Memory) deliverToGroup(topic, queue string, msg *Message) {
	m.mu.Lock()
	members := m.groups[topic][queue]
	if len(members) == 0 {
		m.mu.Unlock()
		return
	}
	cursor := m.groupCursor[topic][queue]
	next := members[cursor%len(members)]
	m.groupCursor[topic][queue] = (cursor + 1) % len(members)
	m.mu.Unlock()

	deliver(next, msg)
}

func deliver(s *subEntry, msg *Message) {
	if !s.Active() {
		return
	}
	if err := s.handler(msg); err != nil {
		svclog.WithComponent("broker").Warn().Err(err).Str("topic", msg.Topic).Msg("subscriber handler failed")
		return
	}
	metrics.BrokerMessagesDelivered.WithLabelValues(msg.Topic).Inc()
}

// Subscribe binds h to every message published on topic.
func (m *Memory) Subscribe(topic string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, svcerrors.New(svcerrors.ServiceUnavailable, "broker not connected")
	}
	s := &subEntry{topic: topic, handler: h, active: true, owner: m}
	m.subs[topic] = append(m.subs[topic], s)
	return s, nil
}

// QueueSubscribe binds h to topic as one member of queue; published
// messages are distributed round-robin across the group's live members.
func (m *Memory) QueueSubscribe(topic, queue string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, svcerrors.New(svcerrors.ServiceUnavailable, "broker not connected")
	}
	s := &subEntry{topic: topic, queue: queue, handler: h, active: true, owner: m}
	if m.groups[topic] == nil {
		m.groups[topic] = make(map[string][]*subEntry)
		m.groupCursor[topic] = make(map[string]int)
	}
	m.groups[topic][queue] = append(m.groups[topic][queue], s)
	return s, nil
}

func (m *Memory) remove(s *subEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.queue == "" {
		list := m.subs[s.topic]
		for i, cand := range list {
			if cand == s {
				m.subs[s.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		return
	}
	members := m.groups[s.topic][s.queue]
	for i, cand := range members {
		if cand == s {
			m.groups[s.topic][s.queue] = append(members[:i], members[i+1:]...)
			break
		}
	}
}

// Close disconnects and releases all subscriptions.
func (m *Memory) Close() error {
	return m.Disconnect()
}
