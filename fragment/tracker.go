package fragment

import (
	"errors"
	"sync"
	"time"
)

// Retransmission defaults.
const (
	DefaultMaxInFlight = 10
	DefaultWaitTime    = 250 * time.Millisecond
)

// ErrDuplicateID indicates an outbound message id already being tracked.
var ErrDuplicateID = errors.New("message id already in flight")

// Tracker follows the acknowledgment state of one outbound fragmented message.
type Tracker struct {
	ID uint16

	parts          [][]byte
	confirmed      bitmap
	confirmedCount int
	maxInFlight    int
	waitTime       time.Duration
	acksSinceBurst int
	lastBurst      time.Time
}

// NewTracker registers the serialized parts of message id.
func NewTracker(id uint16, parts [][]byte, maxInFlight int, waitTime time.Duration) *Tracker {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}
	return &Tracker{
		ID:          id,
		parts:       parts,
		confirmed:   newBitmap(len(parts)),
		maxInFlight: maxInFlight,
		waitTime:    waitTime,
	}
}

// Confirm marks part as acknowledged. It reports whether the part was
// previously unconfirmed; out-of-range and repeated confirmations are ignored.
func (t *Tracker) Confirm(part uint16) bool {
	if int(part) >= len(t.parts) {
		return false
	}
	if !t.confirmed.set(int(part)) {
		return false
	}
	t.confirmedCount++
	t.acksSinceBurst++
	return true
}

// Due reports whether the next burst should go out now.
func (t *Tracker) Due(now time.Time) bool {
	if t.Done() {
		return false
	}
	return !now.Before(t.lastBurst.Add(t.waitTime)) || t.acksSinceBurst >= t.maxInFlight/2
}

// Burst returns up to maxInFlight unconfirmed parts, lowest index first, and
// restarts the wait timer.
func (t *Tracker) Burst(now time.Time) [][]byte {
	t.acksSinceBurst = 0
	out := make([][]byte, 0, t.maxInFlight)
	for i := range t.parts {
		if len(out) == t.maxInFlight {
			break
		}
		if !t.confirmed.has(i) {
			out = append(out, t.parts[i])
		}
	}
	if len(out) > 0 {
		t.lastBurst = now
	}
	return out
}

// Done reports whether every part is confirmed.
func (t *Tracker) Done() bool { return t.confirmedCount == len(t.parts) }

// Pending returns the number of unconfirmed parts.
func (t *Tracker) Pending() int { return len(t.parts) - t.confirmedCount }

// Progress returns the confirmed fraction.
func (t *Tracker) Progress() float64 {
	if len(t.parts) == 0 {
		return 1
	}
	return float64(t.confirmedCount) / float64(len(t.parts))
}

// Outbox holds the trackers of one connection.
type Outbox struct {
	mu          sync.Mutex
	trackers    map[uint16]*Tracker
	maxInFlight int
	waitTime    time.Duration
}

// NewOutbox returns an empty outbox.
func NewOutbox(maxInFlight int, waitTime time.Duration) *Outbox {
	return &Outbox{
		trackers:    make(map[uint16]*Tracker),
		maxInFlight: maxInFlight,
		waitTime:    waitTime,
	}
}

// Add registers every part of message id before any of them is sent.
func (o *Outbox) Add(id uint16, parts [][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.trackers[id]; ok {
		return ErrDuplicateID
	}
	o.trackers[id] = NewTracker(id, parts, o.maxInFlight, o.waitTime)
	return nil
}

// Confirm applies an acknowledgment. The tracker is removed as soon as its
// last part is confirmed. early reports that enough acks arrived to warrant
// pumping before the wait timer fires.
func (o *Outbox) Confirm(id, part uint16) (early bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[id]
	if !ok {
		return false
	}
	if !t.Confirm(part) {
		return false
	}
	if t.Done() {
		delete(o.trackers, id)
		return false
	}
	return t.acksSinceBurst >= t.maxInFlight/2
}

// Pump sends the due bursts of every tracker through send and returns the
// number of parts handed to it. send is called without the lock held.
func (o *Outbox) Pump(now time.Time, send func([]byte) error) (int, error) {
	o.mu.Lock()
	var batch [][]byte
	for id, t := range o.trackers {
		if t.Done() {
			delete(o.trackers, id)
			continue
		}
		if t.Due(now) {
			batch = append(batch, t.Burst(now)...)
		}
	}
	o.mu.Unlock()

	for i, part := range batch {
		if err := send(part); err != nil {
			return i, err
		}
	}
	return len(batch), nil
}

// Progress reports the confirmed fraction of message id.
func (o *Outbox) Progress(id uint16) (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[id]
	if !ok {
		return 0, false
	}
	return t.Progress(), true
}

// Len returns the number of messages still in flight.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.trackers)
}

// Reset drops every tracker.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trackers = make(map[uint16]*Tracker)
}
