package service

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

func TestServerRoundTripsRPCOverLoopback(t *testing.T) {
	transport.ResetBus()
	defer transport.ResetBus()

	svc := New("greeter", "v1")
	svc.Types().Register("GreetRequest", chargeRequest{})
	svc.Endpoint("greet", []string{"req"}, []string{"GreetRequest"}, "ChargeResponse",
		func(ctx *middleware.Context, params []any) (any, error) {
			return chargeResponse{Status: "hello " + params[0].(chargeRequest).AccountID}, nil
		}, EndpointOptions{})

	lb := transport.NewLoopback()
	lis, err := lb.Listen("loopback://greeter")
	require.NoError(t, err)

	srv := NewServer(svc)
	go srv.Serve(lis)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sock, err := lb.Dial(ctx, "loopback://greeter", transport.DialOptions{})
	require.NoError(t, err)
	defer sock.Close()

	body, _ := json.Marshal(chargeRequest{AccountID: "ada"})
	req := types.NewMessage("req-1", types.MessageRequest)
	req.Endpoint = "greet"
	req.Body = body
	require.NoError(t, sock.Send(req))

	resp, err := sock.ReceiveTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "200", resp.Headers.Get(types.HeaderStatusCode))

	var out chargeResponse
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, "hello ada", out.Status)
}

func TestServerRoundTripsUnknownEndpoint(t *testing.T) {
	transport.ResetBus()
	defer transport.ResetBus()

	svc := New("greeter", "v1")
	lb := transport.NewLoopback()
	lis, err := lb.Listen("loopback://greeter-404")
	require.NoError(t, err)

	srv := NewServer(svc)
	go srv.Serve(lis)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sock, err := lb.Dial(ctx, "loopback://greeter-404", transport.DialOptions{})
	require.NoError(t, err)
	defer sock.Close()

	req := types.NewMessage("req-2", types.MessageRequest)
	req.Endpoint = "missing"
	require.NoError(t, sock.Send(req))

	resp, err := sock.ReceiveTimeout(time.Second)
	require.NoError(t, err)
	status, convErr := strconv.Atoi(resp.Headers.Get(types.HeaderStatusCode))
	require.NoError(t, convErr)
	assert.Equal(t, 404, status)
}

func TestServerStopDrainsInFlightSockets(t *testing.T) {
	transport.ResetBus()
	defer transport.ResetBus()

	svc := New("greeter", "v1")
	svc.Endpoint("ping", nil, nil, "", func(ctx *middleware.Context, params []any) (any, error) {
		return nil, nil
	}, EndpointOptions{})

	lb := transport.NewLoopback()
	lis, err := lb.Listen("loopback://greeter-stop")
	require.NoError(t, err)

	srv := NewServer(svc)
	done := make(chan struct{})
	go func() {
		srv.Serve(lis)
		close(done)
	}()

	require.NoError(t, srv.Stop())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	// Stop is idempotent.
	assert.NoError(t, srv.Stop())
}
