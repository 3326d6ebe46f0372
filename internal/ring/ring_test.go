package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 8, New[int](5).Cap())
	assert.Equal(t, 4, New[int](4).Cap())
	assert.Equal(t, 1, New[int](1).Cap())
}

func TestPushPopFIFO(t *testing.T) {
	q := New[int](4)
	for i := 1; i <= 4; i++ {
		require.True(t, q.Push(i))
	}
	assert.False(t, q.Push(5), "push on a full queue")

	for i := 1; i <= 4; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestWrapAround(t *testing.T) {
	q := New[string](2)
	for round := 0; round < 5; round++ {
		require.True(t, q.Push("a"))
		require.True(t, q.Push("b"))
		a, _ := q.Pop()
		b, _ := q.Pop()
		assert.Equal(t, "a", a)
		assert.Equal(t, "b", b)
	}
	assert.Equal(t, 0, q.Len())
}
