package wire

// SignatureMagic identifies dualnet UDP handshake frames.
const SignatureMagic = "ZTUDP255"

// Signature establishes or tears down the logical connection of a UDP peer.
type Signature struct {
	Magic   string
	Connect bool
}

// Valid reports whether the frame carried the expected magic.
func (s Signature) Valid() bool {
	return s.Magic == SignatureMagic
}

// Encode serializes the frame.
func (s Signature) Encode() []byte {
	w := NewWriter(len(s.Magic) + 2)
	w.WriteString(s.Magic)
	w.WriteBool(s.Connect)
	return w.Bytes()
}

var (
	connectFrame    = Signature{Magic: SignatureMagic, Connect: true}.Encode()
	disconnectFrame = Signature{Magic: SignatureMagic, Connect: false}.Encode()
)

// SignatureSize is the length of every valid handshake frame.
var SignatureSize = len(connectFrame)

// ConnectFrame returns a fresh copy of the connect handshake frame.
func ConnectFrame() []byte {
	return append([]byte(nil), connectFrame...)
}

// DisconnectFrame returns a fresh copy of the disconnect handshake frame.
func DisconnectFrame() []byte {
	return append([]byte(nil), disconnectFrame...)
}

// IsSignatureFrame reports whether a datagram of n bytes should be tried as a
// handshake frame. Detection is by length alone; see ParseSignature.
func IsSignatureFrame(n int) bool {
	return n == SignatureSize
}

// ParseSignature decodes a handshake frame. Frames that fail to parse come
// back with Valid() == false, and callers treat them as ordinary payload.
func ParseSignature(data []byte) Signature {
	r := NewReader(data)
	s := Signature{Magic: r.ReadString(), Connect: r.ReadBool()}
	if r.Err() != nil {
		return Signature{Magic: "INVALID"}
	}
	return s
}
