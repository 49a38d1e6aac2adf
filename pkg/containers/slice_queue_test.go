package containers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceQueueFIFO(t *testing.T) {
	q := NewSliceQueue[int]()
	require.Equal(t, 0, q.Size())

	_, ok := q.Pop()
	require.False(t, ok)

	for i := 0; i < 100; i++ {
		q.Add(i)
	}
	require.Equal(t, 100, q.Size())

	for i := 0; i < 100; i++ {
		elem, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, elem)
	}
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestSliceQueueSignal(t *testing.T) {
	q := NewSliceQueue[string]()
	q.Add("a")

	select {
	case <-q.C:
	default:
		t.Fatal("expected a wakeup signal after Add")
	}
}
