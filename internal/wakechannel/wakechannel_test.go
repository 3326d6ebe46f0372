package wakechannel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalDrainRoundTrip(t *testing.T) {
	var wakes int
	c := New(func() error { wakes++; return nil })

	require.False(t, c.Drain())
	require.NoError(t, c.Signal())
	assert.True(t, c.Pending())
	assert.True(t, c.Drain())
	assert.False(t, c.Drain())
	assert.Equal(t, 1, wakes)
}

func TestSignalsCoalesceBetweenDrains(t *testing.T) {
	var wakes int
	c := New(func() error { wakes++; return nil })

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Signal())
	}
	assert.Equal(t, 1, wakes, "only the first signal pays the wake")
	assert.True(t, c.Drain())
	assert.False(t, c.Drain())

	require.NoError(t, c.Signal())
	assert.Equal(t, 2, wakes)
}

func TestConcurrentSignalsProduceOneDrain(t *testing.T) {
	var wakes atomic.Int32
	c := New(func() error { wakes.Add(1); return nil })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Signal()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wakes.Load())
	drained := 0
	if c.Drain() {
		drained++
	}
	if c.Drain() {
		drained++
	}
	assert.Equal(t, 1, drained)
}
