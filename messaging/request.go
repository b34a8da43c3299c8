package messaging

import (
	"errors"
	"sync"

	"github.com/opd-ai/dualnet/wire"
)

// ErrRequestPending is returned when a request reuses the id of one still
// waiting for its reply.
var ErrRequestPending = errors.New("request with this id is already pending")

// RequestOptions controls how Request sends and what it accepts as a reply.
type RequestOptions struct {
	// ReplyChannel restricts the reply to one channel. Zero accepts any.
	ReplyChannel wire.Channel
	// Large sends through the fragmenting path.
	Large bool
	// Encrypted seals the request with the session key.
	Encrypted bool
}

type waiter struct {
	channel wire.Channel
	reply   chan wire.Message
	gone    chan struct{}
}

// waiters matches replies to outstanding requests by message id.
type waiters struct {
	mu      sync.Mutex
	pending map[uint16]*waiter
}

func newWaiters() *waiters {
	return &waiters{pending: make(map[uint16]*waiter)}
}

func (w *waiters) add(id uint16, channel wire.Channel) (*waiter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; ok {
		return nil, ErrRequestPending
	}
	wt := &waiter{
		channel: channel,
		reply:   make(chan wire.Message, 1),
		gone:    make(chan struct{}),
	}
	w.pending[id] = wt
	return wt, nil
}

func (w *waiters) remove(id uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, id)
}

// complete hands m to the request it answers. It reports false when no
// request matches, and the message should be dispatched normally.
func (w *waiters) complete(m wire.Message) bool {
	h := m.Envelope()
	w.mu.Lock()
	defer w.mu.Unlock()
	wt, ok := w.pending[h.ID]
	if !ok || (wt.channel != 0 && wt.channel != h.Channel) {
		return false
	}
	delete(w.pending, h.ID)
	wt.reply <- m
	return true
}

// abandon wakes every pending request after the connection went away.
func (w *waiters) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, wt := range w.pending {
		close(wt.gone)
		delete(w.pending, id)
	}
}
