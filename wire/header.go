package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the serialized size of a Header.
const HeaderSize = 13

// lengthOffset is the position of the length field inside the header.
const lengthOffset = 6

var (
	// ErrShortBuffer indicates the input is smaller than a header.
	ErrShortBuffer = errors.New("buffer shorter than message header")

	// ErrMalformed indicates a body that does not match its declared type.
	ErrMalformed = errors.New("malformed message payload")
)

// Channel identifies a message's semantic type.
type Channel uint16

// Reserved control channels.
const (
	ChannelInternal         Channel = 0
	ChannelPing             Channel = 1
	ChannelPartConfirmation Channel = 2
	ChannelRSARegistration  Channel = 3
	ChannelAESMessage       Channel = 4
	ChannelRSAMessage       Channel = 5

	// FirstUserChannel is the lowest channel id available to applications.
	FirstUserChannel Channel = 16
)

// IsReserved reports whether the channel belongs to transport control traffic.
func (c Channel) IsReserved() bool {
	return c < FirstUserChannel
}

func (c Channel) String() string {
	switch c {
	case ChannelInternal:
		return "internal"
	case ChannelPing:
		return "ping"
	case ChannelPartConfirmation:
		return "part-confirmation"
	case ChannelRSARegistration:
		return "rsa-registration"
	case ChannelAESMessage:
		return "aes-message"
	case ChannelRSAMessage:
		return "rsa-message"
	default:
		return fmt.Sprintf("channel-%d", uint16(c))
	}
}

// Header is the envelope shared by every message.
type Header struct {
	Channel    Channel
	Part       uint16
	TotalParts uint16
	Length     int32
	ID         uint16
	IsAsync    bool
}

// NewHeader returns an unfragmented, asynchronously dispatched header.
func NewHeader(channel Channel) Header {
	return Header{
		Channel:    channel,
		TotalParts: 1,
		IsAsync:    true,
	}
}

// Envelope returns the header itself so that types embedding Header satisfy
// the Envelope part of the Message interface.
func (h *Header) Envelope() *Header {
	return h
}

// Parted reports whether the message is one fragment of a larger message.
func (h Header) Parted() bool {
	return h.TotalParts > 1
}

// AppendHeader appends the 13-byte encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.Channel))
	dst = binary.LittleEndian.AppendUint16(dst, h.Part)
	dst = binary.LittleEndian.AppendUint16(dst, h.TotalParts)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(h.Length))
	dst = binary.LittleEndian.AppendUint16(dst, h.ID)
	if h.IsAsync {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// DecodeHeader parses the header at the start of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortBuffer, len(data))
	}
	return Header{
		Channel:    Channel(binary.LittleEndian.Uint16(data[0:2])),
		Part:       binary.LittleEndian.Uint16(data[2:4]),
		TotalParts: binary.LittleEndian.Uint16(data[4:6]),
		Length:     int32(binary.LittleEndian.Uint32(data[6:10])),
		ID:         binary.LittleEndian.Uint16(data[10:12]),
		IsAsync:    data[12] != 0,
	}, nil
}

// PatchLength overwrites the length field of an encoded message in place.
func PatchLength(data []byte, length int32) error {
	if len(data) < HeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(data[lengthOffset:lengthOffset+4], uint32(length))
	return nil
}
