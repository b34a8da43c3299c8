package messaging

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/config"
	"github.com/opd-ai/dualnet/limits"
	"github.com/opd-ai/dualnet/metrics"
	"github.com/opd-ai/dualnet/transport"
	"github.com/opd-ai/dualnet/wire"
)

// rawServer is the byte-level server underneath a Server.
type rawServer interface {
	SetCallbacks(cb transport.ServerCallbacks)
	Start(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	Reliable() bool
}

// Peer is one client connected to a Server.
type Peer struct {
	conn   transport.Conn
	server *Server
	ep     *endpoint
	cancel context.CancelFunc
	// fttBits holds the float32 milliseconds last reported by the client.
	fttBits atomic.Uint32
}

// Key identifies the peer among the server's live connections.
func (p *Peer) Key() string { return p.conn.Key() }

// Session is the transport session id, useful for log correlation.
func (p *Peer) Session() uuid.UUID { return p.conn.Session() }

// RemoteAddr is the client's address.
func (p *Peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// LastSeen is when the peer last sent anything.
func (p *Peer) LastSeen() time.Time { return p.conn.LastSeen() }

// EncryptionReady reports whether the peer finished the key exchange.
func (p *Peer) EncryptionReady() bool { return p.ep.encryptionReady() }

// FTT is the full trip time the client last reported in a ping.
func (p *Peer) FTT() time.Duration {
	ms := math.Float32frombits(p.fttBits.Load())
	return time.Duration(float64(ms) * float64(time.Millisecond))
}

// Close drops the peer.
func (p *Peer) Close() error { return p.conn.Close() }

func (p *Peer) onPing(data []byte, ping *wire.Ping) {
	p.fttBits.Store(math.Float32bits(ping.LastKnownFTT))
	echo := make([]byte, len(data))
	copy(echo, data)
	if err := p.conn.Send(echo); err != nil {
		p.ep.log.WithFields(logrus.Fields{
			"function": "Peer.onPing",
			"error":    err.Error(),
		}).Debug("Failed to echo ping")
	}
}

func (p *Peer) onRegistration(r *wire.RSARegistration) {
	// Key generation is slow; keep it off the receive goroutine so other
	// traffic keeps flowing.
	go func() {
		if err := p.ep.responderStep(r); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			p.violation(err)
		}
	}()
}

func (p *Peer) deliver(m wire.Message) { p.server.deliver(p, m) }

func (p *Peer) violation(err error) {
	p.server.stats.RecordDropped("protocol")
	p.ep.log.WithFields(logrus.Fields{
		"function": "Peer.violation",
		"error":    err.Error(),
	}).Warn("Protocol violation, dropping peer")
	go func() { _ = p.conn.Close() }()
}

// Server is the typed server. Peers are created when the transport accepts a
// connection and removed when it closes.
type Server struct {
	// OnConnect and OnDisconnect are called from transport goroutines. Set
	// them before Start.
	OnConnect    func(*Peer)
	OnDisconnect func(*Peer)

	cfg      *config.Config
	raw      rawServer
	registry *wire.Registry
	stats    metrics.Recorder
	log      *logrus.Entry
	ids      wire.IDAllocator
	handlers *handlers[PeerHandlerFunc]
	queue    *syncQueue

	mu    sync.RWMutex
	peers map[string]*Peer
	loops sync.WaitGroup
}

// NewTCPServer returns a server that will listen on addr over TCP. A nil cfg
// means config.Default.
func NewTCPServer(addr string, cfg *config.Config, opts ...Option) *Server {
	cfg = orDefault(cfg)
	o := buildOptions(opts)
	raw := transport.NewTCPServer(addr, transport.Options{Config: cfg.Transport, Stats: o.stats})
	return newServer(raw, "tcp", cfg, o)
}

// NewUDPServer returns a server that will listen on addr over UDP. A nil cfg
// means config.Default.
func NewUDPServer(addr string, cfg *config.Config, opts ...Option) *Server {
	cfg = orDefault(cfg)
	o := buildOptions(opts)
	raw := transport.NewUDPServer(addr, transport.Options{Config: cfg.Transport, Stats: o.stats})
	return newServer(raw, "udp", cfg, o)
}

func newServer(raw rawServer, network string, cfg *config.Config, o options) *Server {
	s := &Server{
		cfg:      cfg,
		raw:      raw,
		registry: o.registry,
		stats:    o.stats,
		log: logrus.WithFields(logrus.Fields{
			"component": "messaging.Server",
			"network":   network,
		}),
		handlers: newHandlers[PeerHandlerFunc](),
		queue:    newSyncQueue(cfg.Messaging.SyncQueueSize),
		ids:      wire.IDAllocator{Space: wire.ServerIDs},
		peers:    make(map[string]*Peer),
	}
	raw.SetCallbacks(transport.ServerCallbacks{
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnPacket:     s.handlePacket,
	})
	return s
}

// Register installs a typed decoder for an application channel.
func (s *Server) Register(ch wire.Channel, factory wire.Factory) error {
	return s.registry.Register(ch, factory)
}

// Bind sets the handler for an application channel.
func (s *Server) Bind(ch wire.Channel, fn PeerHandlerFunc) error {
	return s.handlers.bind(ch, fn)
}

// Unbind removes the handler for ch.
func (s *Server) Unbind(ch wire.Channel) { s.handlers.unbind(ch) }

// Start begins accepting clients.
func (s *Server) Start(ctx context.Context) error { return s.raw.Start(ctx) }

// Stop disconnects every peer and closes the listener.
func (s *Server) Stop() error {
	err := s.raw.Stop()
	s.loops.Wait()
	return err
}

// Addr is the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.raw.Addr() }

// Peers returns a snapshot of the connected peers.
func (s *Server) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Peer looks a peer up by key.
func (s *Server) Peer(key string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[key]
	return p, ok
}

func (s *Server) handleConnect(conn transport.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	log := s.log.WithFields(logrus.Fields{
		"peer":    conn.Key(),
		"session": conn.Session().String(),
	})
	p := &Peer{conn: conn, server: s, cancel: cancel}
	p.ep = newEndpoint(s.cfg, s.registry, &s.ids, conn.Send, s.raw.Reliable(), s.stats, log)
	p.ep.role = p

	s.mu.Lock()
	s.peers[conn.Key()] = p
	s.mu.Unlock()

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		p.ep.run(ctx)
	}()

	log.WithField("function", "Server.handleConnect").Info("Peer connected")
	if s.OnConnect != nil {
		s.OnConnect(p)
	}
}

func (s *Server) handleDisconnect(conn transport.Conn) {
	s.mu.Lock()
	p, ok := s.peers[conn.Key()]
	if ok {
		delete(s.peers, conn.Key())
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.cancel()
	p.ep.reset()
	p.ep.log.WithField("function", "Server.handleDisconnect").Info("Peer disconnected")
	if s.OnDisconnect != nil {
		s.OnDisconnect(p)
	}
}

func (s *Server) handlePacket(conn transport.Conn, data []byte) {
	s.mu.RLock()
	p, ok := s.peers[conn.Key()]
	s.mu.RUnlock()
	if !ok {
		return
	}
	p.ep.receive(data)
}

func (s *Server) deliver(p *Peer, m wire.Message) {
	h := m.Envelope()
	fn, ok := s.handlers.lookup(h.Channel)
	if !ok {
		s.stats.RecordDropped("unbound")
		p.ep.log.WithFields(logrus.Fields{
			"function": "Server.deliver",
			"channel":  h.Channel.String(),
		}).Debug("No handler bound")
		return
	}
	call := func() { fn(p, m) }
	if h.IsAsync {
		safeCall(p.ep.log, call)
		return
	}
	if !s.queue.push(call) {
		s.stats.RecordDropped("sync_queue_full")
		p.ep.log.WithFields(logrus.Fields{
			"function": "Server.deliver",
			"channel":  h.Channel.String(),
		}).Warn("Sync queue full, dropping message")
	}
}

// Send sends m to p in one packet.
func (s *Server) Send(p *Peer, m wire.Message) error { return p.ep.send(m) }

// SendLarge sends m to p, split into parts when needed.
func (s *Server) SendLarge(p *Peer, m wire.Message) error { return p.ep.sendLarge(m) }

// EncryptedSend seals m with p's session key and sends it in one packet.
func (s *Server) EncryptedSend(p *Peer, m wire.Message) error { return p.ep.encryptedSend(m) }

// EncryptedSendLarge seals m with p's session key and sends it, split when
// needed.
func (s *Server) EncryptedSendLarge(p *Peer, m wire.Message) error {
	return p.ep.encryptedSendLarge(m)
}

// Reply answers req with resp. The reply carries req's id so the client can
// match it to its request. Client ids are odd and server ids even, so the
// reply id never clashes with the server's own traffic. It is encrypted when the peer has a session key
// and split when it does not fit in one packet.
func (s *Server) Reply(p *Peer, req, resp wire.Message) error {
	resp.Envelope().ID = req.Envelope().ID
	if p.EncryptionReady() {
		return p.ep.encryptedSendLarge(resp)
	}
	return p.ep.sendLarge(resp)
}

// Broadcast serializes m once and sends it to every listed peer, or to all
// peers when none are listed. It returns the first send error after trying
// everyone.
func (s *Server) Broadcast(m wire.Message, peers ...*Peer) error {
	s.ids.Assign(m)
	data, err := wire.EncodeSingle(m)
	if err != nil {
		return err
	}
	if err := limits.ValidatePacket(data, s.cfg.Transport.MaxPacketSize); err != nil {
		return fmt.Errorf("broadcast %s: %w", m.Envelope().Channel, err)
	}
	if len(peers) == 0 {
		peers = s.Peers()
	}

	var first error
	for _, p := range peers {
		if err := p.conn.Send(data); err != nil && first == nil {
			first = fmt.Errorf("broadcast to %s: %w", p.Key(), err)
		}
	}
	return first
}

// ProcessSync runs the handlers of queued synchronous messages on the
// calling goroutine and returns how many ran.
func (s *Server) ProcessSync() int { return s.queue.drain(s.log) }
