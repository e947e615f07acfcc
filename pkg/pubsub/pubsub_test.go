package pubsub

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/broker"
	"github.com/cuemby/svcmesh/pkg/codec"
)

type greeting struct {
	Name string `json:"name"`
}

func connected(t *testing.T) *broker.Memory {
	m := broker.NewMemory()
	require.NoError(t, m.Connect())
	return m
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ps := New(connected(t), codec.JSONCodec{})

	received := make(chan *greeting, 1)
	_, err := ps.Subscribe("greetings", func(ev *Event) error {
		var g greeting
		if err := ev.To(&g, codec.JSONCodec{}); err != nil {
			return err
		}
		received <- &g
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, ps.Publish("greetings", greeting{Name: "ada"}))

	select {
	case g := <-received:
		assert.Equal(t, "ada", g.Name)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestQueueSubscribeBalancesDelivery(t *testing.T) {
	ps := New(connected(t), codec.JSONCodec{})

	var s1, s2 int32
	_, err := ps.SubscribeQueue("work.queue", "workers", func(*Event) error {
		atomic.AddInt32(&s1, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = ps.SubscribeQueue("work.queue", "workers", func(*Event) error {
		atomic.AddInt32(&s2, 1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, ps.Publish("work.queue", greeting{Name: "x"}))
	}

	assert.EqualValues(t, 10, atomic.LoadInt32(&s1)+atomic.LoadInt32(&s2))
	assert.True(t, s1 > 0)
	assert.True(t, s2 > 0)
}

func TestHandlerRetriesBeforeAbandoning(t *testing.T) {
	ps := New(connected(t), codec.JSONCodec{})

	var attempts int32
	_, err := ps.Subscribe("retry.topic", func(*Event) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return assert.AnError
		}
		return nil
	}, SubscribeOptions{MaxRetries: 2, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, ps.Publish("retry.topic", greeting{Name: "x"}))
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestPublishWhileDisconnectedErrors(t *testing.T) {
	m := broker.NewMemory()
	ps := New(m, codec.JSONCodec{})

	err := ps.Publish("greetings", greeting{Name: "ada"})
	assert.Error(t, err)
}
