package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TCPState is the connection state of a TCPClient.
type TCPState int32

const (
	TCPDisconnected TCPState = iota
	TCPConnecting
	TCPConnected
)

func (s TCPState) String() string {
	switch s {
	case TCPDisconnected:
		return "disconnected"
	case TCPConnecting:
		return "connecting"
	case TCPConnected:
		return "connected"
	default:
		return fmt.Sprintf("tcp-state-%d", int32(s))
	}
}

// TCPClient is a raw stream client. A dropped connection stays dropped until
// Connect is called again.
type TCPClient struct {
	addr string
	opts Options
	cb   ClientCallbacks

	state atomic.Int32
	mu    sync.Mutex
	link  *tcpLink
}

// NewTCPClient returns a disconnected client for addr.
func NewTCPClient(addr string, opts Options) *TCPClient {
	return &TCPClient{addr: addr, opts: opts.withDefaults()}
}

// SetCallbacks installs the event callbacks. Call before Connect.
func (c *TCPClient) SetCallbacks(cb ClientCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// State returns the current connection state.
func (c *TCPClient) State() TCPState { return TCPState(c.state.Load()) }

// Connected reports whether the stream is up.
func (c *TCPClient) Connected() bool { return c.State() == TCPConnected }

// Reliable reports that the stream already guarantees delivery.
func (c *TCPClient) Reliable() bool { return true }

// Connect dials the server and starts the connection loops. It fires
// OnConnect before returning.
func (c *TCPClient) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(TCPDisconnected), int32(TCPConnecting)) {
		return ErrAlreadyStarted
	}
	log := logrus.WithFields(logrus.Fields{
		"function": "TCPClient.Connect",
		"address":  c.addr,
	})
	log.Debug("Dialing server")

	dialer := net.Dialer{Timeout: c.opts.Config.ConnectAttemptTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.state.Store(int32(TCPDisconnected))
		log.WithField("error", err.Error()).Warn("Dial failed")
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(c.opts.Config.NoDelay)
	}

	c.mu.Lock()
	cb := c.cb
	link := newTCPLink(conn, c.opts, "TCPClient", func(data []byte) {
		if cb.OnPacket != nil {
			cb.OnPacket(data)
		}
	})
	c.link = link
	c.mu.Unlock()

	c.state.Store(int32(TCPConnected))
	c.opts.Stats.ConnectionOpened()
	log.WithFields(logrus.Fields{
		"local_addr": conn.LocalAddr().String(),
		"session":    link.session.String(),
	}).Info("Connected")

	// OnConnect runs before the loops so it observes no traffic and may queue
	// its own.
	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	link.start(context.Background(), func(err error) {
		c.state.CompareAndSwap(int32(TCPConnected), int32(TCPDisconnected))
		c.opts.Stats.ConnectionClosed()
		if cb.OnDisconnect != nil {
			cb.OnDisconnect()
		}
	})
	return nil
}

// Send queues one serialized message. It never blocks on the socket.
func (c *TCPClient) Send(data []byte) error {
	if err := checkOutbound(data, c.opts.Config.MaxPacketSize); err != nil {
		return err
	}
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil || !c.Connected() {
		return ErrNotConnected
	}
	return link.send(data)
}

// Disconnect closes the stream and waits for its loops to finish.
// OnDisconnect fires once if the client was connected.
func (c *TCPClient) Disconnect() error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return nil
	}
	link.close()
	link.wait()
	return nil
}

// Close is Disconnect; TCP clients have no terminal state.
func (c *TCPClient) Close() error { return c.Disconnect() }

// Session returns the identifier of the current or last connection.
func (c *TCPClient) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return uuid.Nil
	}
	return c.link.session
}

// LocalAddr returns the local end of the current connection, if any.
func (c *TCPClient) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link.conn.LocalAddr()
}
