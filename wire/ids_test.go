package wire

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDAllocatorNeverZero(t *testing.T) {
	var a IDAllocator
	assert.Equal(t, uint16(1), a.Next())
	assert.Equal(t, uint16(2), a.Next())
}

func TestIDAllocatorWraps(t *testing.T) {
	var a IDAllocator
	a.last.Store(0xFFFD)

	assert.Equal(t, uint16(0xFFFE), a.Next())
	assert.Equal(t, uint16(firstWrappedID), a.Next())
	assert.Equal(t, uint16(firstWrappedID+1), a.Next())
}

func TestIDAllocatorAssignKeepsExisting(t *testing.T) {
	var a IDAllocator
	msg := NewText(FirstUserChannel, "x")
	msg.ID = 500

	assert.Equal(t, uint16(500), a.Assign(msg))

	fresh := NewText(FirstUserChannel, "y")
	assert.Equal(t, uint16(1), a.Assign(fresh))
	assert.Equal(t, uint16(1), fresh.ID)
}

func TestIDAllocatorConcurrent(t *testing.T) {
	var a IDAllocator
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[uint16]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := a.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.False(t, seen[0])
}

func TestIDAllocatorSpaces(t *testing.T) {
	tests := []struct {
		name  string
		space IDSpace
		first []uint16
		start uint32
		wrap  []uint16
	}{
		{name: "client", space: ClientIDs, first: []uint16{1, 3, 5}, start: 0xFFFB, wrap: []uint16{0xFFFD, 3, 5}},
		{name: "server", space: ServerIDs, first: []uint16{2, 4, 6}, start: 0xFFFC, wrap: []uint16{0xFFFE, 4, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &IDAllocator{Space: tt.space}
			for _, want := range tt.first {
				assert.Equal(t, want, a.Next())
			}
			a.last.Store(tt.start)
			for _, want := range tt.wrap {
				id := a.Next()
				assert.Equal(t, want, id)
				assert.True(t, a.Owns(id))
			}
		})
	}
}

func TestIDSpacesAreDisjoint(t *testing.T) {
	client := &IDAllocator{Space: ClientIDs}
	server := &IDAllocator{Space: ServerIDs}

	for i := 0; i < 1000; i++ {
		c, s := client.Next(), server.Next()
		assert.NotEqual(t, c, s)
		assert.False(t, server.Owns(c))
		assert.False(t, client.Owns(s))
	}
	assert.False(t, server.Owns(0))
	assert.False(t, client.Owns(0))
}
