package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer accumulates a little-endian message body.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the accumulated bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of accumulated bytes.
func (w *Writer) Len() int { return len(w.buf) }

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

// WriteBool appends a bool as one byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteInt32 appends a little-endian int32.
func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteFloat32 appends an IEEE-754 float32.
func (w *Writer) WriteFloat32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// WriteBytes appends an int32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteRaw appends b without a prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteString appends s with a 7-bit varint length prefix.
func (w *Writer) WriteString(s string) {
	n := uint32(len(s))
	for n >= 0x80 {
		w.buf = append(w.buf, byte(n)|0x80)
		n >>= 7
	}
	w.buf = append(w.buf, byte(n))
	w.buf = append(w.buf, s...)
}

// Reader consumes a little-endian message body. The first failure is sticky:
// later reads return zero values and Err reports the original problem.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first decoding error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("%w: need %d bytes for %s at offset %d, have %d", ErrMalformed, n, what, r.pos, r.Remaining())
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a one-byte bool.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadFloat32 reads an IEEE-754 float32.
func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadBytes reads an int32 length prefix followed by that many bytes.
// The returned slice is a copy.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.err = fmt.Errorf("%w: negative byte slice length %d", ErrMalformed, n)
		return nil
	}
	b := r.take(int(n), "bytes")
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadRest returns a copy of all unread bytes.
func (r *Reader) ReadRest() []byte {
	b := r.take(r.Remaining(), "rest")
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadString reads a 7-bit varint length-prefixed string.
func (r *Reader) ReadString() string {
	var n uint32
	for shift := 0; ; shift += 7 {
		if shift > 28 {
			if r.err == nil {
				r.err = fmt.Errorf("%w: string length prefix too long", ErrMalformed)
			}
			return ""
		}
		c := r.ReadUint8()
		if r.err != nil {
			return ""
		}
		n |= uint32(c&0x7F) << shift
		if c&0x80 == 0 {
			break
		}
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.err = fmt.Errorf("%w: string length %d exceeds remaining %d", ErrMalformed, n, r.Remaining())
		return ""
	}
	return string(r.take(int(n), "string"))
}
