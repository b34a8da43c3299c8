package messaging

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/wire"
)

// handlers is a channel-to-handler table. H is HandlerFunc or PeerHandlerFunc.
type handlers[H any] struct {
	mu    sync.RWMutex
	table map[wire.Channel]H
}

func newHandlers[H any]() *handlers[H] {
	return &handlers[H]{table: make(map[wire.Channel]H)}
}

func (h *handlers[H]) bind(ch wire.Channel, fn H) error {
	if ch.IsReserved() {
		return fmt.Errorf("bind %s: %w", ch, wire.ErrReservedChannel)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table[ch] = fn
	return nil
}

func (h *handlers[H]) unbind(ch wire.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.table, ch)
}

func (h *handlers[H]) lookup(ch wire.Channel) (H, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.table[ch]
	return fn, ok
}

// syncQueue holds handler invocations for messages not marked IsAsync until
// the application drains them with ProcessSync.
type syncQueue struct {
	calls chan func()
}

func newSyncQueue(size int) *syncQueue {
	if size <= 0 {
		size = 1
	}
	return &syncQueue{calls: make(chan func(), size)}
}

// push returns false when the queue is full.
func (q *syncQueue) push(call func()) bool {
	select {
	case q.calls <- call:
		return true
	default:
		return false
	}
}

// drain runs every queued call on the calling goroutine.
func (q *syncQueue) drain(log *logrus.Entry) int {
	n := 0
	for {
		select {
		case call := <-q.calls:
			safeCall(log, call)
			n++
		default:
			return n
		}
	}
}

func safeCall(log *logrus.Entry, call func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"function": "messaging.safeCall",
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Recovered panic in message handler")
		}
	}()
	call()
}
