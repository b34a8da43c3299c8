package wire

import "sync/atomic"

// firstWrappedID is where ids restart after exhausting the uint16 range.
// Values below it are kept free for fixed-id control traffic.
const firstWrappedID = 3

// IDSpace partitions ids between the two ends of a connection so that a
// reply, which carries the request's id, never collides with an id the
// replying side allocated itself.
type IDSpace uint8

const (
	// AnyIDs uses every id.
	AnyIDs IDSpace = iota
	// ClientIDs uses odd ids only.
	ClientIDs
	// ServerIDs uses even ids only.
	ServerIDs
)

// IDAllocator hands out per-sender message ids. It never returns 0. The zero
// value allocates from AnyIDs.
type IDAllocator struct {
	Space IDSpace

	last atomic.Uint32
}

// Owns reports whether id belongs to the allocator's space.
func (a *IDAllocator) Owns(id uint16) bool {
	switch a.Space {
	case ClientIDs:
		return id%2 == 1
	case ServerIDs:
		return id != 0 && id%2 == 0
	default:
		return id != 0
	}
}

// Next returns the next message id.
func (a *IDAllocator) Next() uint16 {
	for {
		cur := a.last.Load()
		next := a.align(cur + 1)
		if next >= 0xFFFF {
			next = a.align(firstWrappedID)
		}
		if a.last.CompareAndSwap(cur, next) {
			return uint16(next)
		}
	}
}

func (a *IDAllocator) align(id uint32) uint32 {
	switch {
	case a.Space == ClientIDs && id%2 == 0:
		return id + 1
	case a.Space == ServerIDs && id%2 == 1:
		return id + 1
	}
	return id
}

// Assign gives m a fresh id unless it already carries one, and returns the id.
func (a *IDAllocator) Assign(m Message) uint16 {
	h := m.Envelope()
	if h.ID == 0 {
		h.ID = a.Next()
	}
	return h.ID
}
