package gateway

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/client"
	"github.com/cuemby/svcmesh/pkg/codec"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/selector"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

func aggregateProxy(t *testing.T, service, addr string, status int) *Proxy {
	t.Helper()
	lis, err := transport.NewLoopback().Listen(addr)
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			sock, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer sock.Close()
				for {
					msg, err := sock.Receive()
					if err != nil {
						return
					}
					reply := types.NewMessage(msg.ID, types.MessageResponse)
					reply.Headers.Set(types.HeaderStatusCode, strconv.Itoa(status))
					if status >= 500 {
						reply.Body = []byte(`{"error":"boom"}`)
					} else {
						reply.Body = []byte(`{"id":"p-1","price":9.99}`)
					}
					sock.Send(reply)
				}
			}()
		}
	}()

	reg := registry.NewMemory()
	require.NoError(t, reg.Register(&types.Service{
		Name:    service,
		Version: "v1",
		Nodes:   []*types.Node{{ID: "n1", Address: addr}},
	}))
	c := client.New(client.Options{
		Transport:      transport.NewLoopback(),
		Registry:       reg,
		Selector:       selector.NewRoundRobin(),
		Codecs:         codec.NewSelector(),
		Retry:          client.RetryPolicy{MaxAttempts: 1},
		DisableBreaker: true,
	})
	t.Cleanup(func() { c.Close() })
	return NewProxy(service, c, ProxyOptions{DisableBreaker: true})
}

// TestRunAggregatePartialFailureTolerates mirrors scenario S5: one branch
// succeeds, one fails, and the default policy tolerates the failure,
// recording it under its task key rather than aborting the aggregate.
func TestRunAggregatePartialFailureTolerates(t *testing.T) {
	transport.ResetBus()
	t.Cleanup(transport.ResetBus)

	catalog := aggregateProxy(t, "catalog", "loopback://agg-catalog", 200)
	orders := aggregateProxy(t, "orders", "loopback://agg-orders", 500)

	proxies := map[string]*Proxy{"catalog": catalog, "orders": orders}
	opts := AggregateOptions{
		Tasks: map[string]AggregateTask{
			"catalog": {Service: "catalog", Endpoint: "get"},
			"orders":  {Service: "orders", Endpoint: "list"},
		},
	}

	result, err := RunAggregate(context.Background(), proxies, opts, []byte(`{}`), types.Header{})
	require.NoError(t, err)

	catalogResult := result["catalog"].(map[string]any)
	assert.Equal(t, "p-1", catalogResult["id"])

	ordersResult := result["orders"].(map[string]any)
	assert.Contains(t, ordersResult, "error")
}

func TestRunAggregateFailPolicyAbortsOnFirstFailure(t *testing.T) {
	transport.ResetBus()
	t.Cleanup(transport.ResetBus)

	catalog := aggregateProxy(t, "catalog", "loopback://agg-catalog-2", 200)
	orders := aggregateProxy(t, "orders", "loopback://agg-orders-2", 500)

	proxies := map[string]*Proxy{"catalog": catalog, "orders": orders}
	opts := AggregateOptions{
		OnPartialFailure: Fail,
		Tasks: map[string]AggregateTask{
			"catalog": {Service: "catalog", Endpoint: "get"},
			"orders":  {Service: "orders", Endpoint: "list"},
		},
	}

	_, err := RunAggregate(context.Background(), proxies, opts, []byte(`{}`), types.Header{})
	require.Error(t, err)
}
