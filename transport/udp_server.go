package transport

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/wire"
)

// udpServerReceiveLoops is how many goroutines read the server socket.
const udpServerReceiveLoops = 2

type datagram struct {
	to   netip.AddrPort
	data []byte
}

// UDPConn is a logical connection identified by the peer's address and port.
type UDPConn struct {
	addr    netip.AddrPort
	session uuid.UUID
	seen    lastSeen
	server  *UDPServer
	closed  atomic.Bool
}

// AddrPort returns the peer endpoint, which is also the connection's identity.
func (c *UDPConn) AddrPort() netip.AddrPort { return c.addr }

func (c *UDPConn) Key() string          { return "udp/" + c.addr.String() }
func (c *UDPConn) Session() uuid.UUID   { return c.session }
func (c *UDPConn) RemoteAddr() net.Addr { return net.UDPAddrFromAddrPort(c.addr) }
func (c *UDPConn) LastSeen() time.Time  { return c.seen.get() }

// Send queues one datagram for the peer.
func (c *UDPConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if err := checkOutbound(data, c.server.opts.Config.MaxPacketSize); err != nil {
		return err
	}
	return c.server.enqueue(c.addr, data)
}

// Close removes the peer, sends it the disconnect frame and fires
// OnDisconnect.
func (c *UDPConn) Close() error {
	if err := c.server.Disconnect(c.addr); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

// UDPServer accepts logical connections over one datagram socket.
type UDPServer struct {
	addr string
	opts Options
	log  *logrus.Entry

	mu     sync.RWMutex
	cb     ServerCallbacks
	sock   *net.UDPConn
	conns  map[netip.AddrPort]*UDPConn
	queue  *Queue[datagram]
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPServer returns a server that will bind addr.
func NewUDPServer(addr string, opts Options) *UDPServer {
	return &UDPServer{
		addr:  addr,
		opts:  opts.withDefaults(),
		log:   logrus.WithField("component", "UDPServer"),
		conns: make(map[netip.AddrPort]*UDPConn),
	}
}

// SetCallbacks installs the event callbacks. Call before Start.
func (s *UDPServer) SetCallbacks(cb ServerCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Reliable reports that datagrams need application-level acknowledgment.
func (s *UDPServer) Reliable() bool { return false }

// Start binds the socket and launches the receive, send and sweep loops.
func (s *UDPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "UDPServer.Start",
			"address":  s.addr,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return err
	}
	s.sock = pc.(*net.UDPConn)
	s.queue = NewQueue[datagram]()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(2 + udpServerReceiveLoops)
	go s.sendLoop(loopCtx, s.sock, s.queue)
	go s.sweepLoop(loopCtx)
	for i := 0; i < udpServerReceiveLoops; i++ {
		go s.receiveLoop(loopCtx, s.sock)
	}

	s.log.WithFields(logrus.Fields{
		"function":   "UDPServer.Start",
		"local_addr": s.sock.LocalAddr().String(),
	}).Info("UDP server bound")
	return nil
}

// Addr returns the bound socket address, or nil before Start.
func (s *UDPServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}

func (s *UDPServer) enqueue(to netip.AddrPort, data []byte) error {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil || !q.Push(datagram{to: to, data: data}) {
		return ErrClosed
	}
	return nil
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (s *UDPServer) receiveLoop(ctx context.Context, sock *net.UDPConn) {
	defer s.wg.Done()
	defer recoverLoop(s.log, "UDPServer.receiveLoop")

	buf := make([]byte, s.opts.Config.MaxBufferSize)
	for {
		n, from, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return
			}
			// Unconnected sockets can surface ICMP errors from earlier
			// writes; they concern one peer, not the socket.
			s.log.WithFields(logrus.Fields{
				"function": "UDPServer.receiveLoop",
				"error":    err.Error(),
			}).Debug("Read failed")
			continue
		}
		s.opts.Stats.RecordReceived(n)
		s.handleDatagram(normalize(from), buf[:n])
	}
}

func (s *UDPServer) handleDatagram(from netip.AddrPort, data []byte) {
	s.mu.RLock()
	conn := s.conns[from]
	cb := s.cb
	s.mu.RUnlock()
	if conn != nil {
		conn.seen.touch()
	}

	if wire.IsSignatureFrame(len(data)) {
		if sig := wire.ParseSignature(data); sig.Valid() {
			if sig.Connect {
				s.handleConnect(from)
			} else {
				_ = s.Disconnect(from)
			}
			return
		}
	}

	if conn == nil {
		s.opts.Stats.RecordDropped("unknown_peer")
		return
	}
	if cb.OnPacket != nil {
		cb.OnPacket(conn, append([]byte(nil), data...))
	}
}

// handleConnect registers from on its first connect frame. Repeated connect
// frames are answered again without creating a second connection.
func (s *UDPServer) handleConnect(from netip.AddrPort) {
	s.mu.Lock()
	if _, ok := s.conns[from]; ok {
		s.mu.Unlock()
		_ = s.enqueue(from, wire.ConnectFrame())
		return
	}
	if limit := s.opts.Config.MaxConnections; limit > 0 && len(s.conns) >= limit {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"function":    "UDPServer.handleConnect",
			"remote_addr": from.String(),
			"limit":       limit,
		}).Warn("Connection limit reached, rejecting peer")
		_ = s.enqueue(from, wire.DisconnectFrame())
		return
	}
	conn := &UDPConn{addr: from, session: uuid.New(), server: s}
	conn.seen.touch()
	s.conns[from] = conn
	cb := s.cb
	s.mu.Unlock()

	s.opts.Stats.ConnectionOpened()
	s.log.WithFields(logrus.Fields{
		"function":    "UDPServer.handleConnect",
		"remote_addr": from.String(),
		"session":     conn.session.String(),
	}).Info("Peer connected")
	// Acknowledge only after OnConnect so the peer's first packets find it
	// registered.
	if cb.OnConnect != nil {
		cb.OnConnect(conn)
	}
	_ = s.enqueue(from, wire.ConnectFrame())
}

// Disconnect removes the peer at addr, sends it the disconnect frame and
// fires OnDisconnect. It is a no-op for unknown peers.
func (s *UDPServer) Disconnect(addr netip.AddrPort) error {
	addr = normalize(addr)
	s.mu.Lock()
	conn, ok := s.conns[addr]
	if !ok {
		s.mu.Unlock()
		return ErrNotConnected
	}
	delete(s.conns, addr)
	cb := s.cb
	s.mu.Unlock()

	s.drop(conn, cb, "disconnect requested")
	return nil
}

// drop finishes a connection that has already left the table.
func (s *UDPServer) drop(conn *UDPConn, cb ServerCallbacks, reason string) {
	_ = s.enqueue(conn.addr, wire.DisconnectFrame())
	conn.closed.Store(true)
	s.opts.Stats.ConnectionClosed()
	s.log.WithFields(logrus.Fields{
		"function":    "UDPServer.drop",
		"remote_addr": conn.addr.String(),
		"session":     conn.session.String(),
		"reason":      reason,
	}).Info("Peer disconnected")
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(conn)
	}
}

func (s *UDPServer) sendLoop(ctx context.Context, sock *net.UDPConn, q *Queue[datagram]) {
	defer s.wg.Done()
	defer recoverLoop(s.log, "UDPServer.sendLoop")

	var batch []datagram
	for {
		if err := q.Wait(ctx); err != nil || q.Closed() {
			return
		}
		batch = q.Drain(batch)
		for _, d := range batch {
			if t := s.opts.Config.SendTimeout; t > 0 {
				_ = sock.SetWriteDeadline(time.Now().Add(t))
			}
			if _, err := sock.WriteToUDPAddrPort(d.data, d.to); err != nil {
				if ctx.Err() != nil || isClosedErr(err) {
					return
				}
				s.log.WithFields(logrus.Fields{
					"function":    "UDPServer.sendLoop",
					"remote_addr": d.to.String(),
					"error":       err.Error(),
				}).Debug("Datagram write failed")
				continue
			}
			s.opts.Stats.RecordSent(len(d.data))
		}
	}
}

func (s *UDPServer) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recoverLoop(s.log, "UDPServer.sweepLoop")

	ticker := time.NewTicker(s.opts.Config.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.Sweep()
	}
}

// Sweep removes every peer silent for longer than the timeout and returns
// how many were dropped. Each fires OnDisconnect exactly once.
func (s *UDPServer) Sweep() int {
	s.mu.Lock()
	var expired []*UDPConn
	for addr, conn := range s.conns {
		if conn.seen.since() > s.opts.Config.Timeout {
			expired = append(expired, conn)
			delete(s.conns, addr)
		}
	}
	cb := s.cb
	s.mu.Unlock()

	for _, conn := range expired {
		s.drop(conn, cb, "timeout")
	}
	return len(expired)
}

// Len returns the number of live connections.
func (s *UDPServer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connection looks up a live connection by endpoint.
func (s *UDPServer) Connection(addr netip.AddrPort) (*UDPConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[normalize(addr)]
	return c, ok
}

// Connections returns a snapshot of the live connections.
func (s *UDPServer) Connections() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Stop tells every peer it is disconnected, closes the socket and waits for
// the loops.
func (s *UDPServer) Stop() error {
	s.mu.Lock()
	sock := s.sock
	if sock == nil {
		s.mu.Unlock()
		return nil
	}
	conns := s.conns
	s.conns = make(map[netip.AddrPort]*UDPConn)
	cb := s.cb
	s.mu.Unlock()

	for _, conn := range conns {
		_, _ = sock.WriteToUDPAddrPort(wire.DisconnectFrame(), conn.addr)
		conn.closed.Store(true)
		s.opts.Stats.ConnectionClosed()
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(conn)
		}
	}

	s.mu.Lock()
	s.cancel()
	s.queue.Close()
	err := sock.Close()
	s.sock = nil
	s.mu.Unlock()
	s.wg.Wait()

	s.log.WithField("function", "UDPServer.Stop").Info("UDP server stopped")
	return err
}
