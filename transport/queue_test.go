package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueueDrain(t *testing.T) {
	q := NewSendQueue()
	assert.True(t, q.Push([]byte("a")))
	assert.True(t, q.Push([]byte("b")))
	assert.Equal(t, 2, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))

	got := q.Drain(nil)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)
	assert.Equal(t, 0, q.Len())
}

func TestSendQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(p*100 + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, v := range q.Drain(nil) {
		seen[v] = true
	}
	assert.Len(t, seen, 800)
}

func TestSendQueueWaitCancelled(t *testing.T) {
	q := NewSendQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.Canceled)
}

func TestSendQueueClose(t *testing.T) {
	q := NewSendQueue()
	q.Push([]byte("x"))
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Push([]byte("y")))
	assert.Equal(t, 0, q.Len())
	require.NoError(t, q.Wait(context.Background()), "close wakes the consumer")
}
