package wire

import (
	"errors"
	"fmt"
	"sync"
)

// ErrReservedChannel is returned when registering over a control channel.
var ErrReservedChannel = errors.New("channel is reserved for control traffic")

// Factory allocates an empty message for a channel.
type Factory func() Message

// Registry maps channel ids to message factories. Channels without a factory
// decode as *Raw.
type Registry struct {
	mu        sync.RWMutex
	factories map[Channel]Factory
}

// NewRegistry returns a registry preloaded with the control message types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Channel]Factory)}
	r.factories[ChannelPing] = func() Message { return &Ping{} }
	r.factories[ChannelPartConfirmation] = func() Message { return &MessagePartConfirmation{} }
	r.factories[ChannelRSARegistration] = func() Message { return &RSARegistration{} }
	r.factories[ChannelAESMessage] = func() Message { return &AESMessage{} }
	r.factories[ChannelRSAMessage] = func() Message { return &RSAMessage{} }
	return r
}

// Register binds a factory to an application channel.
func (r *Registry) Register(channel Channel, factory Factory) error {
	if channel.IsReserved() {
		return fmt.Errorf("%w: %s", ErrReservedChannel, channel)
	}
	if factory == nil {
		return errors.New("nil message factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[channel] = factory
	return nil
}

// Registered reports whether channel has a factory.
func (r *Registry) Registered(channel Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[channel]
	return ok
}

// Decode parses a complete message. Fragments decode as *MessagePart
// regardless of channel.
func (r *Registry) Decode(data []byte) (Message, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	var m Message
	if h.Parted() {
		m = &MessagePart{}
	} else {
		r.mu.RLock()
		factory, ok := r.factories[h.Channel]
		r.mu.RUnlock()
		if ok {
			m = factory()
		} else {
			m = &Raw{}
		}
	}

	if err := DecodeInto(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
