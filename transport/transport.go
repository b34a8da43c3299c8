package transport

import (
	"errors"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/config"
	"github.com/opd-ai/dualnet/limits"
	"github.com/opd-ai/dualnet/metrics"
)

var (
	// ErrNotConnected is returned when sending without an established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned by endpoints that have been shut down.
	ErrClosed = errors.New("transport closed")

	// ErrProtocol marks a peer that broke the framing rules.
	ErrProtocol = errors.New("protocol violation")

	// ErrAlreadyStarted is returned by Connect or Start on a running endpoint.
	ErrAlreadyStarted = errors.New("already started")
)

// Conn is one peer as seen by a server.
type Conn interface {
	// Key is unique among the server's live connections.
	Key() string
	// Session is a random identifier assigned when the connection was created.
	Session() uuid.UUID
	RemoteAddr() net.Addr
	LastSeen() time.Time
	// Send queues one serialized message for the peer.
	Send(data []byte) error
	// Close drops the peer.
	Close() error
}

// ClientCallbacks are invoked from transport goroutines. They must not block
// for long.
type ClientCallbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnPacket     func(data []byte)
}

// ServerCallbacks are invoked from transport goroutines. OnPacket receives a
// buffer the callee may keep.
type ServerCallbacks struct {
	OnConnect    func(Conn)
	OnDisconnect func(Conn)
	OnPacket     func(Conn, []byte)
}

// Options configures a raw endpoint.
type Options struct {
	Config config.TransportConfig
	// Stats receives traffic events. Defaults to an in-process Counters.
	Stats metrics.Recorder
}

// DefaultOptions returns options built from config.Default.
func DefaultOptions() Options {
	return Options{Config: config.Default().Transport}
}

func (o Options) withDefaults() Options {
	def := config.Default().Transport
	c := &o.Config
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if floor := limits.MaxFrameSize(c.MaxPacketSize) + limits.LengthPrefixSize; c.MaxBufferSize < floor {
		c.MaxBufferSize = floor
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ConnectAttemptTimeout <= 0 {
		c.ConnectAttemptTimeout = def.ConnectAttemptTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = def.LivenessInterval
	}
	if o.Stats == nil {
		o.Stats = &metrics.Counters{}
	}
	return o
}

// checkOutbound applies the per-frame size limit to a buffer about to be queued.
func checkOutbound(data []byte, maxPacketSize int) error {
	return limits.ValidatePacket(data, limits.MaxFrameSize(maxPacketSize))
}

// recoverLoop logs a panic escaping a background loop. It must be deferred
// directly.
func recoverLoop(log *logrus.Entry, function string) {
	if r := recover(); r != nil {
		log.WithFields(logrus.Fields{
			"function": function,
			"panic":    r,
			"stack":    string(debug.Stack()),
		}).Error("Recovered panic in background loop")
	}
}

// lastSeen is a concurrently updated timestamp.
type lastSeen struct {
	unixNano atomic.Int64
}

func (l *lastSeen) touch() { l.unixNano.Store(time.Now().UnixNano()) }

func (l *lastSeen) get() time.Time { return time.Unix(0, l.unixNano.Load()) }

func (l *lastSeen) since() time.Duration { return time.Since(l.get()) }

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
