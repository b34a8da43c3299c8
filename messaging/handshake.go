package messaging

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dualnet/crypto"
	"github.com/opd-ai/dualnet/wire"
)

// handshake holds one connection's key exchange state. A new connection
// starts with no key; the session key is dropped when the connection ends.
type handshake struct {
	mu      sync.Mutex
	keys    *crypto.KeyPair
	peerPub []byte
	key     []byte
	next    wire.RegistrationStep
	done    chan struct{}
	err     error
}

func (h *handshake) sessionKey() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

// begin returns the channel closed when the current exchange finishes and
// whether the caller is the one that has to start it.
func (h *handshake) begin() (<-chan struct{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil && (h.err == nil || h.key != nil) {
		return h.done, false
	}
	h.done = make(chan struct{})
	h.err = nil
	return h.done, true
}

// finish records the outcome and wakes waiters. Key material no longer
// needed is wiped.
func (h *handshake) finish(key []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key != nil {
		h.key = key
	}
	h.err = err
	if h.keys != nil {
		h.keys.Wipe()
		h.keys = nil
	}
	if h.done == nil {
		h.done = make(chan struct{})
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *handshake) result() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// forget drops an established key after the exchange failed late.
func (h *handshake) forget(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.key != nil {
		crypto.ZeroBytes(h.key)
		h.key = nil
	}
	h.err = err
}

func (h *handshake) reset() {
	h.mu.Lock()
	key := h.key
	h.key = nil
	h.peerPub = nil
	h.next = wire.StepInitialRequest
	h.mu.Unlock()
	if key != nil {
		crypto.ZeroBytes(key)
	}
	h.finish(nil, ErrNotConnected)
}

// initiate generates the initiator keypair and asks the peer for its key.
func (e *endpoint) initiate() error {
	kp, err := crypto.GenerateKeyPair(e.cfg.Crypto.RSABits)
	if err != nil {
		return err
	}
	e.hs.mu.Lock()
	e.hs.keys = kp
	e.hs.next = wire.StepServerKey
	e.hs.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"function": "endpoint.initiate",
		"bits":     e.cfg.Crypto.RSABits,
	}).Debug("Starting key exchange")
	return e.send(wire.NewRSARegistration(wire.StepInitialRequest, nil))
}

// initiatorStep handles the responder's messages: its public key, then the
// encrypted session key.
func (e *endpoint) initiatorStep(r *wire.RSARegistration) error {
	e.hs.mu.Lock()
	kp, expected := e.hs.keys, e.hs.next
	e.hs.mu.Unlock()

	if kp == nil || r.Step != expected {
		return fmt.Errorf("%w: unexpected %s", ErrHandshake, r.Step)
	}

	switch r.Step {
	case wire.StepServerKey:
		pub, err := crypto.ParsePublicKey(r.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		sealed, err := crypto.EncryptOAEP(pub, kp.PublicBytes())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		e.hs.mu.Lock()
		e.hs.peerPub = r.Data
		e.hs.next = wire.StepAESKey
		e.hs.mu.Unlock()
		return e.send(wire.NewRSARegistration(wire.StepClientResponse, sealed))

	case wire.StepAESKey:
		key, err := crypto.DecryptOAEP(kp, r.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if len(key) != crypto.SessionKeySize {
			return fmt.Errorf("%w: session key is %d bytes", ErrHandshake, len(key))
		}
		e.hs.finish(key, nil)
		e.log.WithField("function", "endpoint.initiatorStep").Debug("Session key established")
		return nil
	}
	return fmt.Errorf("%w: unexpected %s", ErrHandshake, r.Step)
}

// responderStep answers the initiator. A fresh InitialRequest restarts the
// exchange with a new keypair.
func (e *endpoint) responderStep(r *wire.RSARegistration) error {
	switch r.Step {
	case wire.StepInitialRequest:
		kp, err := crypto.GenerateKeyPair(e.cfg.Crypto.RSABits)
		if err != nil {
			return err
		}
		e.hs.mu.Lock()
		if e.hs.keys != nil {
			e.hs.keys.Wipe()
		}
		e.hs.keys = kp
		e.hs.next = wire.StepClientResponse
		e.hs.mu.Unlock()
		return e.send(wire.NewRSARegistration(wire.StepServerKey, kp.PublicBytes()))

	case wire.StepClientResponse:
		e.hs.mu.Lock()
		kp, expected := e.hs.keys, e.hs.next
		e.hs.mu.Unlock()
		if kp == nil || expected != wire.StepClientResponse {
			return fmt.Errorf("%w: unexpected %s", ErrHandshake, r.Step)
		}

		clientPub, err := crypto.DecryptOAEP(kp, r.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		pub, err := crypto.ParsePublicKey(clientPub)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		key, err := crypto.DeriveSessionKey(clientPub, kp.PublicBytes())
		if err != nil {
			return err
		}
		sealed, err := crypto.EncryptOAEP(pub, key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		e.hs.mu.Lock()
		e.hs.peerPub = clientPub
		e.hs.next = wire.StepInitialRequest
		e.hs.mu.Unlock()

		// The key must be usable before AESKey reaches the initiator.
		e.hs.finish(key, nil)
		if err := e.send(wire.NewRSARegistration(wire.StepAESKey, sealed)); err != nil {
			e.hs.forget(err)
			return err
		}
		e.log.WithField("function", "endpoint.responderStep").Debug("Session key established")
		return nil
	}
	return fmt.Errorf("%w: unexpected %s", ErrHandshake, r.Step)
}
