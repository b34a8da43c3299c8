package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/wire"
)

// UDPState is the logical connection state of a UDPClient.
type UDPState int32

const (
	UDPReadyToConnect UDPState = iota
	UDPConnecting
	UDPConnected
	UDPDisconnecting
	UDPTerminated
)

func (s UDPState) String() string {
	switch s {
	case UDPReadyToConnect:
		return "ready-to-connect"
	case UDPConnecting:
		return "connecting"
	case UDPConnected:
		return "connected"
	case UDPDisconnecting:
		return "disconnecting"
	case UDPTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("udp-state-%d", int32(s))
	}
}

// udpReceiveLoops is how many goroutines read the client socket.
const udpReceiveLoops = 2

// udpSession is the socket and loops of one Connect call.
type udpSession struct {
	conn    *net.UDPConn
	queue   *SendQueue
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	readers atomic.Int32
	id      uuid.UUID
}

// UDPClient is a raw datagram client with a signature-frame handshake,
// liveness timeout and automatic reconnection.
type UDPClient struct {
	addr string
	opts Options
	log  *logrus.Entry

	// AutoReconnect keeps the handshake going after the server drops us.
	// Disconnect and Close always stop it.
	AutoReconnect bool

	mu             sync.Mutex
	cb             ClientCallbacks
	state          UDPState
	sess           *udpSession
	attemptStarted time.Time
	stopRequested  bool

	seen          lastSeen
	serverOffline atomic.Bool
}

// NewUDPClient returns a client for the server at addr.
func NewUDPClient(addr string, opts Options) *UDPClient {
	return &UDPClient{
		addr:          addr,
		opts:          opts.withDefaults(),
		log:           logrus.WithFields(logrus.Fields{"component": "UDPClient", "address": addr}),
		AutoReconnect: true,
		state:         UDPReadyToConnect,
	}
}

// SetCallbacks installs the event callbacks. Call before Connect.
func (c *UDPClient) SetCallbacks(cb ClientCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// State returns the current state.
func (c *UDPClient) State() UDPState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the handshake has completed.
func (c *UDPClient) Connected() bool { return c.State() == UDPConnected }

// Reliable reports that datagrams need application-level acknowledgment.
func (c *UDPClient) Reliable() bool { return false }

// Session returns the identifier of the current socket session.
func (c *UDPClient) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return uuid.Nil
	}
	return c.sess.id
}

// LocalAddr returns the bound local address of the current session.
func (c *UDPClient) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.conn.LocalAddr()
}

// Connect opens the socket, starts the loops and sends the connect frame.
// It returns once the frame is on its way; OnConnect fires when the server
// answers.
func (c *UDPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case UDPTerminated:
		return ErrClosed
	case UDPReadyToConnect:
	default:
		return ErrAlreadyStarted
	}

	raddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.addr, err)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &udpSession{
		conn:   nc.(*net.UDPConn),
		queue:  NewSendQueue(),
		ctx:    sessCtx,
		cancel: cancel,
		id:     uuid.New(),
	}
	c.sess = s
	c.stopRequested = false
	c.serverOffline.Store(false)
	c.seen.touch()

	s.wg.Add(2)
	go c.sendLoop(s)
	go c.livenessLoop(s)
	for i := 0; i < udpReceiveLoops; i++ {
		c.spawnReceiver(s)
	}

	c.beginAttemptLocked()
	c.log.WithFields(logrus.Fields{
		"function":   "UDPClient.Connect",
		"session":    s.id.String(),
		"local_addr": s.conn.LocalAddr().String(),
	}).Info("Handshake started")
	return nil
}

// beginAttemptLocked moves to Connecting and sends the connect frame.
func (c *UDPClient) beginAttemptLocked() {
	c.state = UDPConnecting
	c.attemptStarted = time.Now()
	c.sendFrameLocked(wire.ConnectFrame())
}

func (c *UDPClient) sendFrameLocked(frame []byte) {
	if c.sess != nil {
		c.sess.queue.Push(frame)
	}
}

// Send queues one serialized message. Messages queued before the handshake
// completes are sent anyway; the server drops them.
func (c *UDPClient) Send(data []byte) error {
	if err := checkOutbound(data, c.opts.Config.MaxPacketSize); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != UDPConnected || c.sess == nil {
		return ErrNotConnected
	}
	if !c.sess.queue.Push(data) {
		return ErrNotConnected
	}
	return nil
}

// Disconnect politely asks the server to drop us. The client returns to
// ReadyToConnect when the server confirms or the timeout passes.
func (c *UDPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != UDPConnected {
		return ErrNotConnected
	}
	c.stopRequested = true
	c.sendFrameLocked(wire.DisconnectFrame())
	return nil
}

// ForceDisconnect drops the connection immediately, optionally telling the
// server. OnDisconnect fires once. Unless Disconnect was requested, the
// client starts a new handshake when AutoReconnect is set.
func (c *UDPClient) ForceDisconnect(notifyServer bool) {
	c.mu.Lock()
	if c.state != UDPConnected {
		c.mu.Unlock()
		return
	}
	c.state = UDPDisconnecting
	if notifyServer {
		c.writeDirectLocked(wire.DisconnectFrame())
	}
	cb := c.cb
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "UDPClient.ForceDisconnect",
		"notified": notifyServer,
	}).Info("Disconnected")
	c.opts.Stats.ConnectionClosed()
	if cb.OnDisconnect != nil {
		cb.OnDisconnect()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != UDPDisconnecting {
		return
	}
	if c.AutoReconnect && !c.stopRequested {
		c.beginAttemptLocked()
		return
	}
	c.teardownLocked()
	c.state = UDPReadyToConnect
}

// writeDirectLocked bypasses the queue so the frame leaves before teardown.
func (c *UDPClient) writeDirectLocked(frame []byte) {
	if c.sess == nil {
		return
	}
	if _, err := c.sess.conn.Write(frame); err == nil {
		c.opts.Stats.RecordSent(len(frame))
	}
}

// teardownLocked stops the session loops without waiting for them.
func (c *UDPClient) teardownLocked() {
	if c.sess == nil {
		return
	}
	c.sess.cancel()
	c.sess.queue.Close()
	_ = c.sess.conn.Close()
}

// Close tells the server we are leaving, then permanently shuts the client
// down and waits for its loops.
func (c *UDPClient) Close() error {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
	c.ForceDisconnect(true)

	c.mu.Lock()
	if c.state == UDPTerminated {
		c.mu.Unlock()
		return nil
	}
	c.state = UDPTerminated
	sess := c.sess
	c.teardownLocked()
	c.mu.Unlock()

	if sess != nil {
		sess.wg.Wait()
	}
	c.log.WithField("function", "UDPClient.Close").Debug("Client closed")
	return nil
}

func (c *UDPClient) spawnReceiver(s *udpSession) {
	s.readers.Add(1)
	s.wg.Add(1)
	go c.receiveLoop(s)
}

func (c *UDPClient) receiveLoop(s *udpSession) {
	defer s.wg.Done()
	defer s.readers.Add(-1)
	defer recoverLoop(c.log, "UDPClient.receiveLoop")

	buf := make([]byte, c.opts.Config.MaxBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if s.ctx.Err() != nil || isClosedErr(err) {
				return
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				c.serverOffline.Store(true)
				c.log.WithField("function", "UDPClient.receiveLoop").Debug("Server unreachable, receive loop parked")
				return
			}
			c.log.WithFields(logrus.Fields{
				"function": "UDPClient.receiveLoop",
				"error":    err.Error(),
			}).Warn("Read failed")
			continue
		}

		c.seen.touch()
		c.serverOffline.Store(false)
		c.opts.Stats.RecordReceived(n)
		c.handleDatagram(buf[:n])
	}
}

func (c *UDPClient) handleDatagram(data []byte) {
	if wire.IsSignatureFrame(len(data)) {
		if sig := wire.ParseSignature(data); sig.Valid() {
			if sig.Connect {
				c.onConnectFrame()
			} else {
				c.ForceDisconnect(false)
			}
			return
		}
	}

	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb.OnPacket != nil {
		cb.OnPacket(append([]byte(nil), data...))
	}
}

func (c *UDPClient) onConnectFrame() {
	c.mu.Lock()
	if c.state != UDPConnecting {
		c.mu.Unlock()
		return
	}
	c.state = UDPConnected
	cb := c.cb
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "UDPClient.onConnectFrame",
		"session":  c.Session().String(),
	}).Info("Connected")
	c.opts.Stats.ConnectionOpened()
	if cb.OnConnect != nil {
		cb.OnConnect()
	}
}

func (c *UDPClient) sendLoop(s *udpSession) {
	defer s.wg.Done()
	defer recoverLoop(c.log, "UDPClient.sendLoop")

	var batch [][]byte
	for {
		if err := s.queue.Wait(s.ctx); err != nil || s.queue.Closed() {
			return
		}
		batch = s.queue.Drain(batch)
		for _, datagram := range batch {
			if t := c.opts.Config.SendTimeout; t > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(t))
			}
			if _, err := s.conn.Write(datagram); err != nil {
				if s.ctx.Err() != nil || isClosedErr(err) {
					return
				}
				if errors.Is(err, syscall.ECONNREFUSED) {
					c.serverOffline.Store(true)
					continue
				}
				c.log.WithFields(logrus.Fields{
					"function": "UDPClient.sendLoop",
					"size":     len(datagram),
					"error":    err.Error(),
				}).Warn("Datagram write failed")
				continue
			}
			c.opts.Stats.RecordSent(len(datagram))
		}
	}
}

// livenessLoop enforces the timeout and drives handshake retries.
func (c *UDPClient) livenessLoop(s *udpSession) {
	defer s.wg.Done()
	defer recoverLoop(c.log, "UDPClient.livenessLoop")

	ticker := time.NewTicker(c.opts.Config.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		c.checkLiveness(s)
	}
}

func (c *UDPClient) checkLiveness(s *udpSession) {
	if c.seen.since() > c.opts.Config.Timeout && c.Connected() {
		c.log.WithFields(logrus.Fields{
			"function": "UDPClient.checkLiveness",
			"timeout":  c.opts.Config.Timeout.String(),
		}).Warn("Server silent for longer than timeout")
		c.ForceDisconnect(true)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != UDPConnecting || c.sess != s {
		return
	}
	if time.Since(c.attemptStarted) < c.opts.Config.ConnectAttemptTimeout {
		return
	}

	c.log.WithFields(logrus.Fields{
		"function":       "UDPClient.checkLiveness",
		"server_offline": c.serverOffline.Load(),
	}).Debug("Handshake attempt timed out, retrying")
	for n := s.readers.Load(); n < udpReceiveLoops; n++ {
		c.spawnReceiver(s)
	}
	c.seen.touch()
	c.beginAttemptLocked()
}
