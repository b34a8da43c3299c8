package fragment

import (
	"errors"
	"fmt"

	"github.com/opd-ai/dualnet/wire"
)

// MaxParts is the largest number of parts a message can be split into.
const MaxParts = 0xFFFF

var (
	// ErrTooManyParts indicates a payload that needs more than MaxParts parts.
	ErrTooManyParts = errors.New("payload needs too many fragments")

	// ErrNotOversized indicates a payload that fits in one packet.
	ErrNotOversized = errors.New("payload fits in a single packet")

	// ErrInvalidPart indicates a fragment inconsistent with its message.
	ErrInvalidPart = errors.New("invalid fragment")
)

// PartCount returns ceil(length/chunkSize).
func PartCount(length, chunkSize int) int {
	if length <= 0 || chunkSize <= 0 {
		return 0
	}
	return (length + chunkSize - 1) / chunkSize
}

// Split cuts a fully serialized message into serialized MessageParts of at
// most chunkSize data bytes. Every part shares the channel, id and async flag
// of h, carries the total length of data, and has its own part index.
func Split(data []byte, h wire.Header, chunkSize int) ([][]byte, error) {
	total := PartCount(len(data), chunkSize)
	if total < 2 {
		return nil, ErrNotOversized
	}
	if total > MaxParts {
		return nil, fmt.Errorf("%w: %d bytes in %d-byte chunks needs %d parts", ErrTooManyParts, len(data), chunkSize, total)
	}

	parts := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}

		part := &wire.MessagePart{
			Header: wire.Header{
				Channel:    h.Channel,
				Part:       uint16(i),
				TotalParts: uint16(total),
				Length:     int32(len(data)),
				ID:         h.ID,
				IsAsync:    h.IsAsync,
			},
			Data: data[start:end],
		}
		encoded, err := wire.Encode(part)
		if err != nil {
			return nil, err
		}
		parts = append(parts, encoded)
	}
	return parts, nil
}
