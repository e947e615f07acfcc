package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/broker"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/service"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

func TestRunRegistersServesAndDeregistersOnSignal(t *testing.T) {
	transport.ResetBus()
	defer transport.ResetBus()

	svc := service.New("greeter", "v1")
	reg := registry.NewMemory()

	done := make(chan error, 1)
	go func() {
		done <- Run(svc, Options{
			Transport: transport.NewLoopback(),
			Address:   "loopback://runtime-greeter",
			Registry:  reg,
			Node:      &types.Node{ID: "n1", Address: "loopback://runtime-greeter"},
			Signals:   []os.Signal{syscall.SIGUSR1},
		})
	}()

	require.Eventually(t, func() bool {
		records, err := reg.GetService("greeter")
		return err == nil && len(records) == 1 && len(records[0].Nodes) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	records, err := reg.GetService("greeter")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestShutdownRunsEveryStepEvenAfterHookFailure(t *testing.T) {
	svc := service.New("greeter", "v1")
	node := &types.Node{ID: "n1", Address: "loopback://shutdown-order"}
	reg := registry.NewMemory()
	require.NoError(t, reg.Register(&types.Service{Name: "greeter", Version: "v1", Nodes: []*types.Node{node}}))

	b := broker.NewMemory()
	require.NoError(t, b.Connect())
	sub, err := b.Subscribe("topic", func(*broker.Message) error { return nil })
	require.NoError(t, err)

	transport.ResetBus()
	defer transport.ResetBus()
	lis, err := transport.NewLoopback().Listen("loopback://shutdown-order")
	require.NoError(t, err)
	server := service.NewServer(svc)
	go server.Serve(lis)

	var mu sync.Mutex
	var order []string
	record := func(name string) { mu.Lock(); order = append(order, name); mu.Unlock() }

	closed := false
	opts := Options{
		Registry:      reg,
		Broker:        b,
		Subscriptions: []broker.Subscription{sub},
		ShutdownHooks: []ShutdownHook{
			func(ctx context.Context) error { record("hook"); return errors.New("hook failed") },
		},
		Closers: []io.Closer{closerFunc(func() error { closed = true; record("closer"); return nil })},
	}

	err = shutdown(svc, node, server, opts.withDefaults(), nil)
	require.Error(t, err)
	assert.Equal(t, "hook failed", err.Error())

	records, rerr := reg.GetService("greeter")
	require.NoError(t, rerr)
	assert.Empty(t, records)

	assert.False(t, sub.Active())
	assert.False(t, b.Connected())
	assert.True(t, closed)
	assert.Equal(t, []string{"hook", "closer"}, order)
}

func TestShutdownPreservesCauseWhenNoStepFails(t *testing.T) {
	svc := service.New("greeter", "v1")
	node := &types.Node{ID: "n1", Address: "loopback://shutdown-cause"}

	transport.ResetBus()
	defer transport.ResetBus()
	lis, err := transport.NewLoopback().Listen("loopback://shutdown-cause")
	require.NoError(t, err)
	server := service.NewServer(svc)
	go server.Serve(lis)

	cause := errors.New("listener died")
	err = shutdown(svc, node, server, Options{}.withDefaults(), cause)
	assert.Equal(t, cause, err)
}

// closerFunc adapts a plain function to io.Closer for test fixtures.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
