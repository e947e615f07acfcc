package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsOpenAfterFailureThreshold(t *testing.T) {
	b := New("billing", Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		OpenTimeout:         time.Second,
		HalfOpenMaxRequests: 1,
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Call(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, Open, b.State())

	invoked := false
	err := b.Call(func() error { invoked = true; return nil })
	require.Error(t, err)
	assert.False(t, invoked, "handler must not run while the breaker is open")

	time.Sleep(1100 * time.Millisecond)

	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("billing", Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		OpenTimeout:         50 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	boom := errors.New("boom")
	_ = b.Call(func() error { return boom })
	assert.Equal(t, Open, b.State())

	time.Sleep(60 * time.Millisecond)

	err := b.Call(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenRejectsBeyondProbeLimit(t *testing.T) {
	b := New("billing", Config{
		FailureThreshold:    1,
		SuccessThreshold:    5,
		OpenTimeout:         10 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	_ = b.Call(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = b.Call(func() error {
			<-release
			return nil
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	invoked := false
	err := b.Call(func() error { invoked = true; return nil })
	require.Error(t, err)
	assert.False(t, invoked)

	close(release)
	<-done
}

func TestClosedSuccessResetsFailureCount(t *testing.T) {
	b := New("billing", Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Second})

	_ = b.Call(func() error { return errors.New("boom") })
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, Closed, b.State())

	_ = b.Call(func() error { return errors.New("boom") })
	assert.Equal(t, Closed, b.State())
}
