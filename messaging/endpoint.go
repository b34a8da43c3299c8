package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/config"
	"github.com/opd-ai/dualnet/crypto"
	"github.com/opd-ai/dualnet/fragment"
	"github.com/opd-ai/dualnet/limits"
	"github.com/opd-ai/dualnet/metrics"
	"github.com/opd-ai/dualnet/wire"
)

// maxNesting bounds how often one inbound buffer may unwrap into another
// (fragment, then AES envelope, then the application message).
const maxNesting = 3

// role receives what the endpoint does not handle itself.
type role interface {
	onPing(data []byte, p *wire.Ping)
	onRegistration(r *wire.RSARegistration)
	deliver(m wire.Message)
	// violation is called for protocol errors that must end the connection.
	violation(err error)
}

// endpoint is the per-connection message engine shared by Client and Peer.
// It owns fragment state and the session key; the role decides what
// handshake and ping messages mean.
type endpoint struct {
	cfg      *config.Config
	registry *wire.Registry
	ids      *wire.IDAllocator
	raw      func([]byte) error
	reliable bool
	stats    metrics.Recorder
	log      *logrus.Entry
	role     role

	reasm  *fragment.Reassembler
	outbox *fragment.Outbox
	kick   chan struct{}

	hs handshake
}

func newEndpoint(cfg *config.Config, registry *wire.Registry, ids *wire.IDAllocator,
	raw func([]byte) error, reliable bool, stats metrics.Recorder, log *logrus.Entry,
) *endpoint {
	linger := fragment.CompletionWindow(cfg.Fragment.WaitTime)
	e := &endpoint{
		cfg:      cfg,
		registry: registry,
		ids:      ids,
		raw:      raw,
		reliable: reliable,
		stats:    stats,
		log:      log,
		reasm:    fragment.NewReassembler(cfg.Transport.MaxPacketSize, cfg.Fragment.ReassemblyTTL, linger),
		kick:     make(chan struct{}, 1),
	}
	if !reliable {
		e.outbox = fragment.NewOutbox(cfg.Fragment.MaxInFlight, cfg.Fragment.WaitTime)
	}
	return e
}

func (e *endpoint) send(m wire.Message) error {
	e.ids.Assign(m)
	data, err := wire.EncodeSingle(m)
	if err != nil {
		return err
	}
	if err := limits.ValidatePacket(data, e.cfg.Transport.MaxPacketSize); err != nil {
		return fmt.Errorf("send %s: %w", m.Envelope().Channel, err)
	}
	return e.raw(data)
}

func (e *endpoint) sendLarge(m wire.Message) error {
	e.ids.Assign(m)
	data, err := wire.EncodeSingle(m)
	if err != nil {
		return err
	}
	return e.sendSerialized(*m.Envelope(), data)
}

// sendSerialized sends data whole when it fits and in parts otherwise.
func (e *endpoint) sendSerialized(h wire.Header, data []byte) error {
	limit := e.cfg.Transport.MaxPacketSize
	if len(data) <= limit {
		return e.raw(data)
	}
	if err := limits.ValidateReassembledLength(int32(len(data))); err != nil {
		return err
	}
	parts, err := fragment.Split(data, h, limit)
	if err != nil {
		return err
	}

	if e.reliable {
		for _, part := range parts {
			if err := e.raw(part); err != nil {
				return err
			}
		}
		return nil
	}

	if err := e.outbox.Add(h.ID, parts); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"function": "endpoint.sendSerialized",
		"id":       h.ID,
		"parts":    len(parts),
	}).Debug("Queued fragmented message")
	e.pumpNow()
	return nil
}

// seal serializes m and wraps it in an AES envelope carrying the same id.
func (e *endpoint) seal(m wire.Message) (*wire.AESMessage, error) {
	key := e.hs.sessionKey()
	if key == nil {
		return nil, ErrEncryptionNotReady
	}
	id := e.ids.Assign(m)
	inner, err := wire.EncodeSingle(m)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(key, inner)
	if err != nil {
		return nil, err
	}
	return wire.NewAESMessage(id, sealed), nil
}

func (e *endpoint) encryptedSend(m wire.Message) error {
	env, err := e.seal(m)
	if err != nil {
		return err
	}
	return e.send(env)
}

func (e *endpoint) encryptedSendLarge(m wire.Message) error {
	env, err := e.seal(m)
	if err != nil {
		return err
	}
	return e.sendLarge(env)
}

func (e *endpoint) encryptionReady() bool { return e.hs.sessionKey() != nil }

// receive handles one inbound buffer from the transport.
func (e *endpoint) receive(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"function": "endpoint.receive",
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Recovered panic while processing message")
		}
	}()
	e.process(data, 0)
}

func (e *endpoint) process(data []byte, depth int) {
	if depth >= maxNesting {
		e.drop("nesting", fmt.Errorf("%w: message nested %d levels deep", wire.ErrMalformed, depth))
		return
	}

	h, err := wire.DecodeHeader(data)
	if err != nil {
		e.role.violation(err)
		return
	}

	if h.Parted() {
		e.processPart(data, depth)
		return
	}

	switch h.Channel {
	case wire.ChannelAESMessage:
		e.processEncrypted(data, depth)
	case wire.ChannelPartConfirmation:
		e.processConfirmation(data)
	case wire.ChannelPing:
		p := &wire.Ping{}
		if err := wire.DecodeInto(data, p); err != nil {
			e.role.violation(err)
			return
		}
		e.role.onPing(data, p)
	case wire.ChannelRSARegistration:
		r := &wire.RSARegistration{}
		if err := wire.DecodeInto(data, r); err != nil {
			e.role.violation(err)
			return
		}
		e.role.onRegistration(r)
	case wire.ChannelInternal, wire.ChannelRSAMessage:
		e.drop("reserved", fmt.Errorf("unexpected message on %s", h.Channel))
	default:
		m, err := e.registry.Decode(data)
		if err != nil {
			e.role.violation(err)
			return
		}
		e.role.deliver(m)
	}
}

func (e *endpoint) processPart(data []byte, depth int) {
	part := &wire.MessagePart{}
	if err := wire.DecodeInto(data, part); err != nil {
		e.role.violation(err)
		return
	}

	whole, done, err := e.reasm.Accept(part)
	if err != nil {
		e.role.violation(err)
		return
	}
	if !e.reliable {
		if err := e.send(wire.NewPartConfirmation(part.ID, part.Part)); err != nil {
			e.log.WithFields(logrus.Fields{
				"function": "endpoint.processPart",
				"id":       part.ID,
				"part":     part.Part,
				"error":    err.Error(),
			}).Debug("Failed to confirm part")
		}
	}
	if done {
		e.process(whole, depth+1)
	}
}

func (e *endpoint) processEncrypted(data []byte, depth int) {
	env := &wire.AESMessage{}
	if err := wire.DecodeInto(data, env); err != nil {
		e.role.violation(err)
		return
	}
	key := e.hs.sessionKey()
	if key == nil {
		e.drop("decrypt", ErrEncryptionNotReady)
		return
	}
	inner, err := crypto.Open(key, env.Payload)
	if err != nil {
		e.drop("decrypt", err)
		return
	}
	e.process(inner, depth+1)
}

func (e *endpoint) processConfirmation(data []byte) {
	c := &wire.MessagePartConfirmation{}
	if err := wire.DecodeInto(data, c); err != nil {
		e.role.violation(err)
		return
	}
	if e.outbox == nil {
		return
	}
	if e.outbox.Confirm(c.MessageID, c.PartNumber) {
		e.pumpNow()
	}
}

// drop discards one message. The connection stays up.
func (e *endpoint) drop(reason string, err error) {
	e.stats.RecordDropped(reason)
	e.log.WithFields(logrus.Fields{
		"function": "endpoint.drop",
		"reason":   reason,
		"error":    err.Error(),
	}).Warn("Dropped inbound message")
}

func (e *endpoint) pumpNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// run resends due fragments and expires stale reassemblies until ctx ends.
func (e *endpoint) run(ctx context.Context) {
	tick := e.cfg.Fragment.WaitTime
	if e.reliable || tick <= 0 {
		tick = e.cfg.Fragment.ReassemblyTTL / 2
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.reasm.Expire(); n > 0 {
				e.log.WithFields(logrus.Fields{
					"function": "endpoint.run",
					"expired":  n,
				}).Debug("Expired incomplete messages")
			}
		case <-e.kick:
		}
		e.pump()
	}
}

func (e *endpoint) pump() {
	if e.outbox == nil {
		return
	}
	n, err := e.outbox.Pump(time.Now(), e.raw)
	if n > 0 {
		e.stats.RecordResent(n)
	}
	if err != nil && !errors.Is(err, ErrNotConnected) {
		e.log.WithFields(logrus.Fields{
			"function": "endpoint.pump",
			"error":    err.Error(),
		}).Debug("Fragment burst interrupted")
	}
}

// reset forgets every partial transfer and the session key.
func (e *endpoint) reset() {
	e.reasm.Reset()
	if e.outbox != nil {
		e.outbox.Reset()
	}
	e.hs.reset()
}

// sendProgress reports how much of outbound message id the peer confirmed.
func (e *endpoint) sendProgress(id uint16) (float64, bool) {
	if e.outbox == nil {
		return 0, false
	}
	return e.outbox.Progress(id)
}

func (e *endpoint) receiveProgress(id uint16) (float64, bool) {
	return e.reasm.Progress(id)
}
