package fragment

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/dualnet/limits"
	"github.com/opd-ai/dualnet/wire"
)

// DefaultReassemblyTTL is how long an incomplete message may sit idle before
// Expire discards it.
const DefaultReassemblyTTL = 30 * time.Second

// lingerWaits is how many resend intervals a completed id keeps absorbing
// late retransmissions.
const lingerWaits = 4

// CompletionWindow is how long a completed message id is remembered when the
// sender resends every waitTime. After it, the id is free for a new message.
func CompletionWindow(waitTime time.Duration) time.Duration {
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}
	return lingerWaits * waitTime
}

// OngoingMessage accumulates the parts of one fragmented message.
type OngoingMessage struct {
	ID         uint16
	Channel    wire.Channel
	TotalParts uint16

	data      []byte
	received  bitmap
	count     int
	chunkSize int
	updated   time.Time
}

// NewOngoingMessage allocates the destination buffer described by the first
// fragment header seen for a message.
func NewOngoingMessage(h wire.Header, chunkSize int) (*OngoingMessage, error) {
	if err := limits.ValidateReassembledLength(h.Length); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPart, err)
	}
	if !h.Parted() {
		return nil, fmt.Errorf("%w: message %d is not fragmented", ErrInvalidPart, h.ID)
	}
	if want := PartCount(int(h.Length), chunkSize); want != int(h.TotalParts) {
		return nil, fmt.Errorf("%w: %d bytes should arrive in %d parts, header says %d", ErrInvalidPart, h.Length, want, h.TotalParts)
	}

	return &OngoingMessage{
		ID:         h.ID,
		Channel:    h.Channel,
		TotalParts: h.TotalParts,
		data:       make([]byte, h.Length),
		received:   newBitmap(int(h.TotalParts)),
		chunkSize:  chunkSize,
	}, nil
}

// Apply writes one part. Re-delivery of a received index changes nothing.
// complete is true only for the call that sets the last missing part.
func (m *OngoingMessage) Apply(part uint16, data []byte) (complete bool, err error) {
	if part >= m.TotalParts {
		return false, fmt.Errorf("%w: part %d of %d", ErrInvalidPart, part, m.TotalParts)
	}
	if m.received.has(int(part)) {
		return false, nil
	}

	offset := int(part) * m.chunkSize
	want := m.chunkSize
	if part == m.TotalParts-1 {
		want = len(m.data) - offset
	}
	if len(data) != want {
		return false, fmt.Errorf("%w: part %d carries %d bytes, expected %d", ErrInvalidPart, part, len(data), want)
	}

	copy(m.data[offset:], data)
	m.received.set(int(part))
	m.count++
	return m.count == int(m.TotalParts), nil
}

// Has reports whether part has arrived.
func (m *OngoingMessage) Has(part uint16) bool {
	return part < m.TotalParts && m.received.has(int(part))
}

// Received returns how many distinct parts have arrived.
func (m *OngoingMessage) Received() int { return m.count }

// Complete reports whether every part has arrived.
func (m *OngoingMessage) Complete() bool { return m.count == int(m.TotalParts) }

// Progress returns the fraction of parts received.
func (m *OngoingMessage) Progress() float64 {
	return float64(m.count) / float64(m.TotalParts)
}

// Bytes returns the destination buffer.
func (m *OngoingMessage) Bytes() []byte { return m.data }

type completedEntry struct {
	totalParts uint16
	length     int32
	at         time.Time
}

// Reassembler owns the in-progress inbound messages of one connection.
type Reassembler struct {
	mu        sync.Mutex
	chunkSize int
	ttl       time.Duration
	linger    time.Duration
	pending   map[uint16]*OngoingMessage
	completed map[uint16]completedEntry
	now       func() time.Time
}

// NewReassembler returns a reassembler for parts cut at chunkSize bytes.
// Incomplete messages idle for ttl are dropped. Completed ids ignore repeated
// parts for linger, then accept a new message under the same id.
func NewReassembler(chunkSize int, ttl, linger time.Duration) *Reassembler {
	if ttl <= 0 {
		ttl = DefaultReassemblyTTL
	}
	if linger <= 0 {
		linger = CompletionWindow(DefaultWaitTime)
	}
	return &Reassembler{
		chunkSize: chunkSize,
		ttl:       ttl,
		linger:    linger,
		pending:   make(map[uint16]*OngoingMessage),
		completed: make(map[uint16]completedEntry),
		now:       time.Now,
	}
}

// Accept applies a fragment. When it completes its message the reassembled
// bytes are returned with done set, and the entry is removed. Late duplicates
// of a message completed within the linger window are ignored.
func (r *Reassembler) Accept(p *wire.MessagePart) (data []byte, done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if c, ok := r.completed[p.ID]; ok {
		if now.Sub(c.at) <= r.linger && c.totalParts == p.TotalParts && c.length == p.Length {
			return nil, false, nil
		}
		delete(r.completed, p.ID)
	}

	msg, ok := r.pending[p.ID]
	if !ok {
		msg, err = NewOngoingMessage(p.Header, r.chunkSize)
		if err != nil {
			return nil, false, err
		}
		r.pending[p.ID] = msg
	} else if msg.TotalParts != p.TotalParts || int32(len(msg.data)) != p.Length {
		return nil, false, fmt.Errorf("%w: message %d changed shape mid-transfer", ErrInvalidPart, p.ID)
	}

	complete, err := msg.Apply(p.Part, p.Data)
	if err != nil {
		return nil, false, err
	}
	msg.updated = now
	if !complete {
		return nil, false, nil
	}

	delete(r.pending, p.ID)
	r.completed[p.ID] = completedEntry{totalParts: p.TotalParts, length: p.Length, at: now}
	return msg.Bytes(), true, nil
}

// Progress reports the receive progress of message id.
func (r *Reassembler) Progress(id uint16) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.pending[id]
	if !ok {
		return 0, false
	}
	return msg.Progress(), true
}

// Len returns the number of incomplete messages.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Expire drops incomplete messages idle for longer than the TTL and forgets
// completions past the linger window. It returns the number of dropped
// messages.
func (r *Reassembler) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.ttl)
	dropped := 0
	for id, msg := range r.pending {
		if msg.updated.Before(cutoff) {
			delete(r.pending, id)
			dropped++
		}
	}
	for id, c := range r.completed {
		if now.Sub(c.at) > r.linger {
			delete(r.completed, id)
		}
	}
	return dropped
}

// Reset discards all state.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[uint16]*OngoingMessage)
	r.completed = make(map[uint16]completedEntry)
}
