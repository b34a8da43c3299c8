package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxPacketSize is the default largest message a transport accepts in one frame.
	MaxPacketSize = 64000

	// MaxBufferSize is the receive buffer and send-batch scratch size.
	MaxBufferSize = 64512

	// MaxReassembledSize caps the declared length of a fragmented message (64 MiB).
	MaxReassembledSize = 64 * 1024 * 1024

	// LengthPrefixSize is the size of the big-endian TCP frame length prefix.
	LengthPrefixSize = 4

	// FragmentOverhead is what a fragment adds around its data slice: the
	// 13-byte envelope plus the int32 slice length.
	FragmentOverhead = 13 + 4

	// DefaultTimeout is how long a peer may stay silent before it is dropped.
	DefaultTimeout = 120 * time.Second

	// DefaultConnectAttemptTimeout is how long a UDP client waits for the
	// handshake reply before resending its connect signature.
	DefaultConnectAttemptTimeout = 1500 * time.Millisecond

	// DefaultSendTimeout bounds a single socket write.
	DefaultSendTimeout = 5 * time.Second

	// DefaultNoDelay disables Nagle's algorithm on TCP sockets.
	DefaultNoDelay = true
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidatePacket validates a serialized message against the packet limit.
// A non-positive maxPacketSize falls back to MaxPacketSize.
func ValidatePacket(data []byte, maxPacketSize int) error {
	if maxPacketSize <= 0 {
		maxPacketSize = MaxPacketSize
	}
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > maxPacketSize {
		return fmt.Errorf("%w: packet size %d exceeds limit %d", ErrMessageTooLarge, len(data), maxPacketSize)
	}
	return nil
}

// MaxFrameSize is the largest frame a transport carries for a given packet
// limit. Fragments hold a full packet-sized slice plus their own envelope.
func MaxFrameSize(maxPacketSize int) int {
	if maxPacketSize <= 0 {
		maxPacketSize = MaxPacketSize
	}
	return maxPacketSize + FragmentOverhead
}

// ValidateFrameLength checks a length read off the wire before anything is
// allocated for it. The ceiling is MaxFrameSize(maxPacketSize).
func ValidateFrameLength(length uint32, maxPacketSize int) error {
	if maxPacketSize <= 0 {
		maxPacketSize = MaxPacketSize
	}
	if length == 0 {
		return ErrMessageEmpty
	}
	if uint64(length) > uint64(MaxFrameSize(maxPacketSize)) {
		return fmt.Errorf("%w: declared frame length %d exceeds limit %d", ErrMessageTooLarge, length, MaxFrameSize(maxPacketSize))
	}
	return nil
}

// ValidateReassembledLength checks the total length announced by a fragment header.
func ValidateReassembledLength(length int32) error {
	if length <= 0 {
		return ErrMessageEmpty
	}
	if length > MaxReassembledSize {
		return fmt.Errorf("%w: reassembled size %d exceeds limit %d", ErrMessageTooLarge, length, MaxReassembledSize)
	}
	return nil
}
