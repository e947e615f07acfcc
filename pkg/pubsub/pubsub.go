// Package pubsub implements the typed facade of §4.9 over a broker.Broker:
// Event marshal/unmarshal through a codec, queue-group aware subscribe, and
// handler-failure retry with a fixed backoff before a message is abandoned.
package pubsub

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/svcmesh/pkg/broker"
	"github.com/cuemby/svcmesh/pkg/codec"
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
)

// Event is the pub/sub payload: raw bytes plus headers, lazily decodable
// into a typed value.
type Event struct {
	ID        string
	Timestamp time.Time
	Data      []byte
	Headers   map[string]string
}

// NewEvent marshals payload with c and stamps Content-Type, per the "factory
// from a typed payload" clause of §4.9.
func NewEvent(payload any, c codec.Codec) (*Event, error) {
	body, err := c.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Data:      body,
		Headers:   map[string]string{"Content-Type": c.ContentType()},
	}, nil
}

// To decodes the event body into a value of the given type using c. Decode
// failures return the codec's own error (InvalidArgument for malformed JSON).
// A handler that returns that error is retried like any other handler
// failure; decode failures are not told apart.
func (e *Event) To(out any, c codec.Codec) error {
	if err := c.Unmarshal(e.Data, out); err != nil {
		return err
	}
	return nil
}

// EventHandler processes one delivered Event.
type EventHandler func(*Event) error

// SubscribeOptions tunes handler-failure retry for one subscription.
type SubscribeOptions struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	return o
}

// PubSub wraps a Broker and a default Codec with the typed Event API.
type PubSub struct {
	broker broker.Broker
	codec  codec.Codec
}

// New returns a PubSub over b using c as the default codec for NewEvent.
func New(b broker.Broker, c codec.Codec) *PubSub {
	return &PubSub{broker: b, codec: c}
}

// Publish marshals payload with the facade's default codec and publishes it
// to topic.
func (p *PubSub) Publish(topic string, payload any) error {
	ev, err := NewEvent(payload, p.codec)
	if err != nil {
		return err
	}
	return p.PublishEvent(topic, ev)
}

// PublishEvent publishes a pre-built Event to topic.
func (p *PubSub) PublishEvent(topic string, ev *Event) error {
	if !p.broker.Connected() {
		return svcerrors.New(svcerrors.ServiceUnavailable, "pubsub: broker not connected")
	}
	err := p.broker.Publish(topic, &broker.Message{Topic: topic, Body: ev.Data, Headers: ev.Headers})
	if err != nil {
		return svcerrors.Wrap(svcerrors.Internal, err, "pubsub: publish failed")
	}
	return nil
}

// Subscribe binds h to every event published on topic.
func (p *PubSub) Subscribe(topic string, h EventHandler, opts ...SubscribeOptions) (broker.Subscription, error) {
	if !p.broker.Connected() {
		return nil, svcerrors.New(svcerrors.ServiceUnavailable, "pubsub: broker not connected")
	}
	sub, err := p.broker.Subscribe(topic, p.wrap(h, resolveOptions(opts)))
	if err != nil {
		return nil, svcerrors.Wrap(svcerrors.Internal, err, "pubsub: subscribe failed")
	}
	return sub, nil
}

// SubscribeQueue binds h to topic as a member of queue: among members
// sharing queue, each event is delivered to exactly one (§4.9).
func (p *PubSub) SubscribeQueue(topic, queue string, h EventHandler, opts ...SubscribeOptions) (broker.Subscription, error) {
	if !p.broker.Connected() {
		return nil, svcerrors.New(svcerrors.ServiceUnavailable, "pubsub: broker not connected")
	}
	sub, err := p.broker.QueueSubscribe(topic, queue, p.wrap(h, resolveOptions(opts)))
	if err != nil {
		return nil, svcerrors.Wrap(svcerrors.Internal, err, "pubsub: subscribe failed")
	}
	return sub, nil
}

func resolveOptions(opts []SubscribeOptions) SubscribeOptions {
	if len(opts) == 0 {
		return SubscribeOptions{}.withDefaults()
	}
	return opts[0].withDefaults()
}

func (p *PubSub) wrap(h EventHandler, opts SubscribeOptions) broker.Handler {
	log := svclog.WithComponent("pubsub")
	return func(msg *broker.Message) error {
		ev := &Event{Data: msg.Body, Headers: msg.Headers}

		var lastErr error
		attempts := opts.MaxRetries + 1
		for i := 0; i < attempts; i++ {
			if i > 0 {
				time.Sleep(opts.RetryBackoff)
			}
			if lastErr = h(ev); lastErr == nil {
				return nil
			}
		}
		log.Warn().Err(lastErr).Str("topic", msg.Topic).Msg("event handler abandoned after retries")
		return lastErr
	}
}
