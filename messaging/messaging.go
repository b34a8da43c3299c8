package messaging

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/metrics"
	"github.com/opd-ai/dualnet/transport"
	"github.com/opd-ai/dualnet/wire"
)

var (
	// ErrNotConnected is returned when there is no live connection to use.
	ErrNotConnected = transport.ErrNotConnected

	// ErrEncryptionNotReady is returned by encrypted sends before the key
	// exchange has finished.
	ErrEncryptionNotReady = errors.New("encryption not set up")

	// ErrHandshake marks a key exchange that broke protocol.
	ErrHandshake = errors.New("encryption handshake failed")
)

// HandlerFunc handles one inbound message on a client.
type HandlerFunc func(m wire.Message)

// PeerHandlerFunc handles one inbound message on a server.
type PeerHandlerFunc func(p *Peer, m wire.Message)

// Handle adapts a function taking a concrete message type. Messages of any
// other type are logged and dropped.
func Handle[T wire.Message](fn func(T)) HandlerFunc {
	return func(m wire.Message) {
		typed, ok := m.(T)
		if !ok {
			logMismatch(m, typed)
			return
		}
		fn(typed)
	}
}

// HandlePeer is Handle for server handlers.
func HandlePeer[T wire.Message](fn func(*Peer, T)) PeerHandlerFunc {
	return func(p *Peer, m wire.Message) {
		typed, ok := m.(T)
		if !ok {
			logMismatch(m, typed)
			return
		}
		fn(p, typed)
	}
}

func logMismatch(got wire.Message, want any) {
	logrus.WithFields(logrus.Fields{
		"function": "messaging.Handle",
		"channel":  got.Envelope().Channel.String(),
		"got":      typeName(got),
		"want":     typeName(want),
	}).Warn("Handler bound to a different message type, dropping")
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

// Option configures a Client or Server.
type Option func(*options)

type options struct {
	stats    metrics.Recorder
	registry *wire.Registry
}

// WithStats routes traffic statistics to r.
func WithStats(r metrics.Recorder) Option {
	return func(o *options) { o.stats = r }
}

// WithRegistry decodes inbound messages with reg instead of a fresh registry.
func WithRegistry(reg *wire.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.stats == nil {
		o.stats = &metrics.Counters{}
	}
	if o.registry == nil {
		o.registry = wire.NewRegistry()
	}
	return o
}
