package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/config"
	"github.com/opd-ai/dualnet/metrics"
	"github.com/opd-ai/dualnet/transport"
	"github.com/opd-ai/dualnet/wire"
)

// rawClient is the byte-level client underneath a Client.
type rawClient interface {
	SetCallbacks(cb transport.ClientCallbacks)
	Connect(ctx context.Context) error
	Disconnect() error
	Send(data []byte) error
	Connected() bool
	Reliable() bool
	Close() error
}

// Client is the typed client for one server.
type Client struct {
	// OnConnect and OnDisconnect are called from transport goroutines. Set
	// them before Connect.
	OnConnect    func()
	OnDisconnect func()

	cfg      *config.Config
	raw      rawClient
	registry *wire.Registry
	stats    metrics.Recorder
	log      *logrus.Entry
	ids      wire.IDAllocator
	handlers *handlers[HandlerFunc]
	queue    *syncQueue
	waiters  *waiters

	mu      sync.Mutex
	ep      *endpoint
	cancel  context.CancelFunc
	ready   chan struct{}
	loops   sync.WaitGroup
	fttNano atomic.Int64
}

// NewTCPClient returns a client for the TCP server at addr. A nil cfg means
// config.Default.
func NewTCPClient(addr string, cfg *config.Config, opts ...Option) *Client {
	cfg = orDefault(cfg)
	o := buildOptions(opts)
	raw := transport.NewTCPClient(addr, transport.Options{Config: cfg.Transport, Stats: o.stats})
	return newClient(raw, "tcp", cfg, o)
}

// NewUDPClient returns a client for the UDP server at addr. A nil cfg means
// config.Default.
func NewUDPClient(addr string, cfg *config.Config, opts ...Option) *Client {
	cfg = orDefault(cfg)
	o := buildOptions(opts)
	raw := transport.NewUDPClient(addr, transport.Options{Config: cfg.Transport, Stats: o.stats})
	return newClient(raw, "udp", cfg, o)
}

func newClient(raw rawClient, network string, cfg *config.Config, o options) *Client {
	c := &Client{
		cfg:      cfg,
		raw:      raw,
		registry: o.registry,
		stats:    o.stats,
		log: logrus.WithFields(logrus.Fields{
			"component": "messaging.Client",
			"network":   network,
		}),
		handlers: newHandlers[HandlerFunc](),
		queue:    newSyncQueue(cfg.Messaging.SyncQueueSize),
		waiters:  newWaiters(),
		ids:      wire.IDAllocator{Space: wire.ClientIDs},
		ready:    make(chan struct{}),
	}
	raw.SetCallbacks(transport.ClientCallbacks{
		OnConnect:    c.handleConnect,
		OnDisconnect: c.handleDisconnect,
		OnPacket:     c.handlePacket,
	})
	return c
}

func orDefault(cfg *config.Config) *config.Config {
	if cfg == nil {
		return config.Default()
	}
	return cfg
}

// Register installs a typed decoder for an application channel.
func (c *Client) Register(ch wire.Channel, factory wire.Factory) error {
	return c.registry.Register(ch, factory)
}

// Bind sets the handler for an application channel, replacing any previous
// one.
func (c *Client) Bind(ch wire.Channel, fn HandlerFunc) error {
	return c.handlers.bind(ch, fn)
}

// Unbind removes the handler for ch. Later messages on ch are dropped.
func (c *Client) Unbind(ch wire.Channel) { c.handlers.unbind(ch) }

// Connect starts the transport and waits until the server has accepted the
// connection or ctx ends. A UDP client whose context ends first keeps
// retrying in the background until Disconnect or Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	if err := c.raw.Connect(ctx); err != nil {
		return err
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool { return c.raw.Connected() }

// Disconnect closes the connection. It must not be called synchronously from
// a handler of a TCP client.
func (c *Client) Disconnect() error { return c.raw.Disconnect() }

// Close disconnects and releases the client. A closed UDP client cannot
// reconnect.
func (c *Client) Close() error {
	err := c.raw.Close()
	c.loops.Wait()
	return err
}

func (c *Client) handleConnect() {
	ctx, cancel := context.WithCancel(context.Background())
	ep := newEndpoint(c.cfg, c.registry, &c.ids, c.raw.Send, c.raw.Reliable(), c.stats, c.log)
	ep.role = c

	c.mu.Lock()
	c.ep = ep
	c.cancel = cancel
	ready := c.ready
	c.mu.Unlock()

	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		ep.run(ctx)
	}()
	if c.cfg.Messaging.PingInterval > 0 {
		c.loops.Add(1)
		go c.pingLoop(ctx)
	}

	c.log.WithField("function", "Client.handleConnect").Info("Connected")
	if c.OnConnect != nil {
		c.OnConnect()
	}
	select {
	case <-ready:
	default:
		close(ready)
	}

	if c.cfg.Crypto.AutoEncryption {
		c.loops.Add(1)
		go func() {
			defer c.loops.Done()
			if err := c.SetupEncryption(ctx); err != nil && ctx.Err() == nil {
				c.log.WithFields(logrus.Fields{
					"function": "Client.handleConnect",
					"error":    err.Error(),
				}).Warn("Automatic encryption setup failed")
			}
		}()
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	ep, cancel := c.ep, c.cancel
	c.ep, c.cancel = nil, nil
	c.ready = make(chan struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ep != nil {
		ep.reset()
	}
	c.waiters.abandon()

	c.log.WithField("function", "Client.handleDisconnect").Info("Disconnected")
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
}

func (c *Client) handlePacket(data []byte) {
	ep := c.endpoint()
	if ep == nil {
		return
	}
	ep.receive(data)
}

func (c *Client) endpoint() *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep
}

func (c *Client) current() (*endpoint, error) {
	ep := c.endpoint()
	if ep == nil {
		return nil, ErrNotConnected
	}
	return ep, nil
}

// Send sends m in one packet. Messages larger than the configured packet
// size fail with limits.ErrMessageTooLarge.
func (c *Client) Send(m wire.Message) error {
	ep, err := c.current()
	if err != nil {
		return err
	}
	return ep.send(m)
}

// SendLarge sends m, splitting it into parts when it does not fit in one
// packet.
func (c *Client) SendLarge(m wire.Message) error {
	ep, err := c.current()
	if err != nil {
		return err
	}
	return ep.sendLarge(m)
}

// EncryptedSend seals m with the session key and sends it in one packet.
func (c *Client) EncryptedSend(m wire.Message) error {
	ep, err := c.current()
	if err != nil {
		return err
	}
	return ep.encryptedSend(m)
}

// EncryptedSendLarge seals m and sends the envelope, split if needed.
func (c *Client) EncryptedSendLarge(m wire.Message) error {
	ep, err := c.current()
	if err != nil {
		return err
	}
	return ep.encryptedSendLarge(m)
}

// Request sends m and waits for the server's reply carrying the same id.
// Without a deadline on ctx the configured request timeout applies.
func (c *Client) Request(ctx context.Context, m wire.Message, opts RequestOptions) (wire.Message, error) {
	ep, err := c.current()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.Messaging.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Messaging.RequestTimeout)
		defer cancel()
	}

	id := c.ids.Assign(m)
	w, err := c.waiters.add(id, opts.ReplyChannel)
	if err != nil {
		return nil, err
	}
	defer c.waiters.remove(id)

	switch {
	case opts.Encrypted && opts.Large:
		err = ep.encryptedSendLarge(m)
	case opts.Encrypted:
		err = ep.encryptedSend(m)
	case opts.Large:
		err = ep.sendLarge(m)
	default:
		err = ep.send(m)
	}
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-w.reply:
		return reply, nil
	case <-w.gone:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping measures one round trip to the server. The result also becomes the
// FTT reported to the server by later pings.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ping := wire.NewPing(float32(c.FTT().Seconds() * 1000))
	start := time.Now()
	if _, err := c.Request(ctx, ping, RequestOptions{ReplyChannel: wire.ChannelPing}); err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	c.fttNano.Store(int64(rtt))
	return rtt, nil
}

// FTT returns the last measured full trip time: send, processing on the
// server, and reply.
func (c *Client) FTT() time.Duration { return time.Duration(c.fttNano.Load()) }

func (c *Client) pingLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.cfg.Messaging.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Ping(ctx); err != nil && ctx.Err() == nil {
				c.log.WithFields(logrus.Fields{
					"function": "Client.pingLoop",
					"error":    err.Error(),
				}).Debug("Ping failed")
			}
		}
	}
}

// SetupEncryption runs the key exchange and waits for it to finish. It
// returns at once when a session key is already in place.
func (c *Client) SetupEncryption(ctx context.Context) error {
	ep, err := c.current()
	if err != nil {
		return err
	}
	done, start := ep.hs.begin()
	if start {
		if err := ep.initiate(); err != nil {
			ep.hs.finish(nil, err)
			return err
		}
	}
	select {
	case <-done:
		if ep.encryptionReady() {
			return nil
		}
		return ep.hs.result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EncryptionReady reports whether encrypted sends can be used.
func (c *Client) EncryptionReady() bool {
	ep := c.endpoint()
	return ep != nil && ep.encryptionReady()
}

// ProcessSync runs the handlers of queued synchronous messages on the
// calling goroutine and returns how many ran.
func (c *Client) ProcessSync() int { return c.queue.drain(c.log) }

// SendProgress reports the confirmed fraction of a fragmented UDP message
// still in flight.
func (c *Client) SendProgress(id uint16) (float64, bool) {
	ep := c.endpoint()
	if ep == nil {
		return 0, false
	}
	return ep.sendProgress(id)
}

// ReceiveProgress reports the received fraction of an incoming fragmented
// message.
func (c *Client) ReceiveProgress(id uint16) (float64, bool) {
	ep := c.endpoint()
	if ep == nil {
		return 0, false
	}
	return ep.receiveProgress(id)
}

func (c *Client) onPing(_ []byte, p *wire.Ping) {
	if !c.waiters.complete(p) {
		c.log.WithFields(logrus.Fields{
			"function": "Client.onPing",
			"id":       p.ID,
		}).Debug("Unsolicited ping reply")
	}
}

func (c *Client) onRegistration(r *wire.RSARegistration) {
	ep := c.endpoint()
	if ep == nil {
		return
	}
	if err := ep.initiatorStep(r); err != nil {
		ep.hs.finish(nil, err)
		c.violation(err)
	}
}

func (c *Client) deliver(m wire.Message) {
	if c.waiters.complete(m) {
		return
	}
	h := m.Envelope()
	fn, ok := c.handlers.lookup(h.Channel)
	if !ok {
		c.stats.RecordDropped("unbound")
		c.log.WithFields(logrus.Fields{
			"function": "Client.deliver",
			"channel":  h.Channel.String(),
		}).Debug("No handler bound")
		return
	}
	call := func() { fn(m) }
	if h.IsAsync {
		safeCall(c.log, call)
		return
	}
	if !c.queue.push(call) {
		c.stats.RecordDropped("sync_queue_full")
		c.log.WithFields(logrus.Fields{
			"function": "Client.deliver",
			"channel":  h.Channel.String(),
		}).Warn("Sync queue full, dropping message")
	}
}

func (c *Client) violation(err error) {
	c.stats.RecordDropped("protocol")
	c.log.WithFields(logrus.Fields{
		"function": "Client.violation",
		"error":    err.Error(),
	}).Warn("Protocol violation, disconnecting")
	// The receive goroutine is the caller; disconnecting waits for it.
	go func() { _ = c.raw.Disconnect() }()
}
