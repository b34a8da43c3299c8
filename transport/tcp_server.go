package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TCPConn is one accepted stream.
type TCPConn struct {
	id     uint64
	link   *tcpLink
	server *TCPServer
}

// ID returns the server-assigned connection number.
func (c *TCPConn) ID() uint64 { return c.id }

func (c *TCPConn) Key() string          { return "tcp/" + strconv.FormatUint(c.id, 10) }
func (c *TCPConn) Session() uuid.UUID   { return c.link.session }
func (c *TCPConn) RemoteAddr() net.Addr { return c.link.conn.RemoteAddr() }
func (c *TCPConn) LastSeen() time.Time  { return c.link.seen.get() }

// Send queues one serialized message for the peer.
func (c *TCPConn) Send(data []byte) error {
	if err := checkOutbound(data, c.server.opts.Config.MaxPacketSize); err != nil {
		return err
	}
	return c.link.send(data)
}

// Close drops the connection. OnDisconnect fires from the receive loop.
func (c *TCPConn) Close() error {
	c.link.close()
	return nil
}

// TCPServer accepts stream connections and runs a loop pair for each.
type TCPServer struct {
	addr string
	opts Options
	cb   ServerCallbacks
	log  *logrus.Entry

	mu       sync.RWMutex
	listener net.Listener
	conns    map[uint64]*TCPConn
	nextID   atomic.Uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPServer returns a server that will listen on addr.
func NewTCPServer(addr string, opts Options) *TCPServer {
	return &TCPServer{
		addr:  addr,
		opts:  opts.withDefaults(),
		conns: make(map[uint64]*TCPConn),
		log:   logrus.WithField("component", "TCPServer"),
	}
}

// SetCallbacks installs the event callbacks. Call before Start.
func (s *TCPServer) SetCallbacks(cb ServerCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Reliable reports that streams already guarantee delivery.
func (s *TCPServer) Reliable() bool { return true }

// Start binds the listener and launches the accept loop.
func (s *TCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "TCPServer.Start",
			"address":  s.addr,
			"error":    err.Error(),
		}).Error("Failed to create TCP listener")
		return err
	}
	s.listener = ln

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(loopCtx, ln)

	s.log.WithFields(logrus.Fields{
		"function":   "TCPServer.Start",
		"local_addr": ln.Addr().String(),
	}).Info("TCP listener started")
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return
			}
			s.log.WithFields(logrus.Fields{
				"function": "TCPServer.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		s.accept(ctx, conn)
	}
}

// accept registers one connection. A panic here costs only that connection.
func (s *TCPServer) accept(ctx context.Context, conn net.Conn) {
	defer recoverLoop(s.log, "TCPServer.accept")

	if limit := s.opts.Config.MaxConnections; limit > 0 && s.Len() >= limit {
		s.log.WithFields(logrus.Fields{
			"function":    "TCPServer.accept",
			"remote_addr": conn.RemoteAddr().String(),
			"limit":       limit,
		}).Warn("Connection limit reached, rejecting peer")
		_ = conn.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(s.opts.Config.NoDelay)
	}

	s.mu.RLock()
	cb := s.cb
	s.mu.RUnlock()

	tc := &TCPConn{id: s.nextID.Add(1), server: s}
	tc.link = newTCPLink(conn, s.opts, "TCPServer", func(data []byte) {
		if cb.OnPacket != nil {
			cb.OnPacket(tc, data)
		}
	})

	s.mu.Lock()
	s.conns[tc.id] = tc
	s.mu.Unlock()
	s.opts.Stats.ConnectionOpened()

	s.log.WithFields(logrus.Fields{
		"function":    "TCPServer.accept",
		"conn_id":     tc.id,
		"session":     tc.link.session.String(),
		"remote_addr": conn.RemoteAddr().String(),
	}).Debug("Accepted connection")
	if cb.OnConnect != nil {
		cb.OnConnect(tc)
	}

	s.wg.Add(1)
	tc.link.start(ctx, func(error) {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.conns, tc.id)
		s.mu.Unlock()
		s.opts.Stats.ConnectionClosed()
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(tc)
		}
	})
}

// Len returns the number of live connections.
func (s *TCPServer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connection looks up a live connection by id.
func (s *TCPServer) Connection(id uint64) (*TCPConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Connections returns a snapshot of the live connections.
func (s *TCPServer) Connections() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Send queues data for connection id.
func (s *TCPServer) Send(id uint64, data []byte) error {
	c, ok := s.Connection(id)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(data)
}

// Disconnect drops connection id.
func (s *TCPServer) Disconnect(id uint64) error {
	c, ok := s.Connection(id)
	if !ok {
		return ErrNotConnected
	}
	return c.Close()
}

// Stop closes the listener and every connection, then waits for all loops.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	ln := s.listener
	cancel := s.cancel
	conns := make([]*TCPConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	cancel()
	err := ln.Close()
	for _, c := range conns {
		c.link.close()
	}
	s.wg.Wait()

	s.log.WithField("function", "TCPServer.Stop").Info("TCP server stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
