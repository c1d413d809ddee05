package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_FIFOOrder(t *testing.T) {
	r := New[int](4)
	for i := 1; i <= 3; i++ {
		assert.False(t, r.Push(i))
	}
	require.Equal(t, 3, r.Len())

	for i := 1; i <= 3; i++ {
		got, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestRing_DropsOldestOnOverflow(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}
	assert.True(t, r.Push(4))
	assert.EqualValues(t, 1, r.Dropped())

	got, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestRing_Requeue(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)

	item, ok := r.Pop()
	require.True(t, ok)
	r.Requeue(item)

	got, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestRing_RequeueWhenFullEvictsNewest(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)

	item, _ := r.Pop()
	r.Push(3) // full again: [2, 3]
	r.Requeue(item)

	first, _ := r.Pop()
	second, _ := r.Pop()
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.EqualValues(t, 1, r.Dropped())
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := New[int](0)
	r.Push(1)
	assert.True(t, r.Push(2))
	got, _ := r.Pop()
	assert.Equal(t, 2, got)
}

func TestRing_ConcurrentPushPop(t *testing.T) {
	r := New[int](128)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push(j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Pop()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 128)
}
