package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/dualnet/limits"
)

// readFrame reads one length-prefixed frame. The declared length is checked
// against the frame limit before the body is allocated or read.
func readFrame(r io.Reader, prefix []byte, maxPacketSize int) ([]byte, error) {
	if _, err := io.ReadFull(r, prefix[:limits.LengthPrefixSize]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix)
	if err := limits.ValidateFrameLength(length, maxPacketSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeBatch packs frames back to back into scratch and writes the batch with
// as few calls as possible. The scratch buffer is flushed whenever the next
// frame would not fit; a frame larger than scratch is written on its own.
func writeBatch(w io.Writer, frames [][]byte, scratch []byte) (writes int, err error) {
	buf := scratch[:0]
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		_, err := w.Write(buf)
		writes++
		buf = buf[:0]
		return err
	}

	for _, f := range frames {
		need := limits.LengthPrefixSize + len(f)
		if len(buf)+need > cap(scratch) {
			if err := flush(); err != nil {
				return writes, err
			}
		}
		if need > cap(scratch) {
			big := make([]byte, 0, need)
			big = binary.BigEndian.AppendUint32(big, uint32(len(f)))
			big = append(big, f...)
			if _, err := w.Write(big); err != nil {
				return writes + 1, err
			}
			writes++
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return writes, flush()
}
