package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

type fakeSocket struct {
	closed int32
}

func (f *fakeSocket) Send(*types.Message) error                            { return nil }
func (f *fakeSocket) Receive() (*types.Message, error)                     { return nil, nil }
func (f *fakeSocket) ReceiveTimeout(time.Duration) (*types.Message, error) { return nil, nil }
func (f *fakeSocket) Close() error                                         { atomic.StoreInt32(&f.closed, 1); return nil }
func (f *fakeSocket) Closed() bool                                         { return atomic.LoadInt32(&f.closed) == 1 }
func (f *fakeSocket) RemoteAddr() string                                   { return "fake" }
func (f *fakeSocket) LocalAddr() string                                    { return "fake" }

func dialCounting(dials *int32) func(context.Context) (transport.Socket, error) {
	return func(context.Context) (transport.Socket, error) {
		atomic.AddInt32(dials, 1)
		return &fakeSocket{}, nil
	}
}

func TestAcquireReleaseReusesEntry(t *testing.T) {
	var dials int32
	p := New("billing:9000", Options{
		MaxSize:         2,
		MaxIdle:         2,
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
		Dial:            dialCounting(&dials),
	})
	defer p.Close()

	e1, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(e1, true)

	e2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
	p.Release(e2, true)
}

func TestUnhealthyReleaseClosesEntry(t *testing.T) {
	var dials int32
	p := New("billing:9000", Options{
		MaxSize:         1,
		MaxIdle:         1,
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
		Dial:            dialCounting(&dials),
	})
	defer p.Close()

	e, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(e, false)

	assert.True(t, e.Socket.Closed())
	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
}

func TestAcquireTimesOutWhenPoolExhausted(t *testing.T) {
	var dials int32
	p := New("billing:9000", Options{
		MaxSize:         1,
		MaxIdle:         1,
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
		Dial:            dialCounting(&dials),
	})
	defer p.Close()

	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.TotalTimeouts)
	assert.True(t, stats.PressurePercent > 0)
}

func TestStatsUtilization(t *testing.T) {
	var dials int32
	p := New("billing:9000", Options{
		MaxSize:         4,
		MaxIdle:         4,
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
		Dial:            dialCounting(&dials),
	})
	defer p.Close()

	e, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, float64(25), stats.UtilizationPercent)
	p.Release(e, true)
}

func TestFIFOWaiterGetsNextRelease(t *testing.T) {
	var dials int32
	p := New("billing:9000", Options{
		MaxSize:         1,
		MaxIdle:         1,
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
		Dial:            dialCounting(&dials),
	})
	defer p.Close()

	e, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	acquired := make(chan *Entry, 1)
	go func() {
		e2, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		acquired <- e2
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(e, true)

	select {
	case got := <-acquired:
		assert.Same(t, e, got)
		p.Release(got, true)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released entry")
	}
}
