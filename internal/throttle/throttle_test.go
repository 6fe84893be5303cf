package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowFixedWindow(t *testing.T) {
	assert := assert.New(t)
	th := New(Options{Window: 60 * time.Second, MaxText: 10})

	for i := 0; i < 10; i++ {
		assert.True(th.Allow("acc1", KindText), "call %d should be permitted", i+1)
	}
	assert.False(th.Allow("acc1", KindText), "11th call inside the window must be refused")

	// Another account is an independent window.
	assert.True(th.Allow("acc2", KindText))
}

func TestAllowWindowResets(t *testing.T) {
	assert := assert.New(t)
	th := New(Options{Window: 50 * time.Millisecond, MaxText: 2})

	assert.True(th.Allow("acc1", KindText))
	assert.True(th.Allow("acc1", KindText))
	assert.False(th.Allow("acc1", KindText))

	time.Sleep(80 * time.Millisecond)
	assert.True(th.Allow("acc1", KindText), "window elapsed, counter must reset")
}

func TestAllowMediaHasOwnWindow(t *testing.T) {
	assert := assert.New(t)
	th := New(Options{Window: time.Minute, MaxText: 10, MaxMedia: 5})

	for i := 0; i < 5; i++ {
		assert.True(th.Allow("acc1", KindMedia))
	}
	assert.False(th.Allow("acc1", KindMedia))
	// Text counter is untouched by media sends.
	assert.True(th.Allow("acc1", KindText))
}

func TestDelayHonorsCancellation(t *testing.T) {
	th := New(Options{MinDelay: time.Second, MaxDelay: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := th.Delay(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDelayStaysInBounds(t *testing.T) {
	th := New(Options{MinDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond})

	start := time.Now()
	assert.NoError(t, th.Delay(context.Background()))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestSimulateTypingSwallowsFailures(t *testing.T) {
	th := New(Options{TypingDuration: 5 * time.Millisecond})

	called := false
	th.SimulateTyping(context.Background(), "acc1", func(context.Context) error {
		called = true
		return errors.New("presence send failed")
	})
	assert.True(t, called)
}

func TestSimulateTypingHoldsDuration(t *testing.T) {
	th := New(Options{TypingDuration: 30 * time.Millisecond})

	start := time.Now()
	th.SimulateTyping(context.Background(), "acc1", func(context.Context) error { return nil })
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
