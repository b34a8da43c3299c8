package wire

import "fmt"

// Message is implemented by every value that travels over a transport.
// Types usually embed Header to satisfy Envelope.
type Message interface {
	Envelope() *Header
	MarshalBody(w *Writer)
	UnmarshalBody(r *Reader) error
}

// Encode serializes m verbatim: header followed by body.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	h := m.Envelope()
	w := NewWriter(HeaderSize + 64)
	w.buf = AppendHeader(w.buf, *h)
	m.MarshalBody(w)
	return w.Bytes(), nil
}

// EncodeSingle serializes m as an unfragmented message. Part and TotalParts
// are reset and the length field is set to the full serialized length, both in
// the output and on m itself.
func EncodeSingle(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	h := m.Envelope()
	h.Part = 0
	h.TotalParts = 1
	data, err := Encode(m)
	if err != nil {
		return nil, err
	}
	h.Length = int32(len(data))
	if err := PatchLength(data, h.Length); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeInto parses data into m, header included.
func DecodeInto(data []byte, m Message) error {
	h, err := DecodeHeader(data)
	if err != nil {
		return err
	}
	*m.Envelope() = h
	r := NewReader(data[HeaderSize:])
	if err := m.UnmarshalBody(r); err != nil {
		return fmt.Errorf("decode %s body: %w", h.Channel, err)
	}
	return nil
}

// Ping measures round trips. The server echoes it unchanged.
type Ping struct {
	Header
	LastKnownFTT float32
}

// NewPing returns a ping carrying the sender's last measured full trip time
// in milliseconds.
func NewPing(lastKnownFTT float32) *Ping {
	return &Ping{Header: NewHeader(ChannelPing), LastKnownFTT: lastKnownFTT}
}

func (p *Ping) MarshalBody(w *Writer) { w.WriteFloat32(p.LastKnownFTT) }

func (p *Ping) UnmarshalBody(r *Reader) error {
	p.LastKnownFTT = r.ReadFloat32()
	return r.Err()
}

// MessagePart is one slice of a fragmented message. It rides on the original
// message's channel with TotalParts > 1.
type MessagePart struct {
	Header
	Data []byte
}

func (p *MessagePart) MarshalBody(w *Writer) { w.WriteBytes(p.Data) }

func (p *MessagePart) UnmarshalBody(r *Reader) error {
	p.Data = r.ReadBytes()
	return r.Err()
}

// MessagePartConfirmation acknowledges one received UDP fragment.
type MessagePartConfirmation struct {
	Header
	MessageID  uint16
	PartNumber uint16
}

// NewPartConfirmation acknowledges part of message id.
func NewPartConfirmation(id, part uint16) *MessagePartConfirmation {
	h := NewHeader(ChannelPartConfirmation)
	h.ID = id
	h.Part = part
	return &MessagePartConfirmation{Header: h, MessageID: id, PartNumber: part}
}

func (c *MessagePartConfirmation) MarshalBody(w *Writer) {
	w.WriteUint16(c.MessageID)
	w.WriteUint16(c.PartNumber)
}

func (c *MessagePartConfirmation) UnmarshalBody(r *Reader) error {
	c.MessageID = r.ReadUint16()
	c.PartNumber = r.ReadUint16()
	return r.Err()
}

// RegistrationStep enumerates the RSA handshake steps.
type RegistrationStep uint8

const (
	StepInitialRequest RegistrationStep = iota
	StepServerKey
	StepClientResponse
	StepAESKey
)

func (s RegistrationStep) String() string {
	switch s {
	case StepInitialRequest:
		return "initial-request"
	case StepServerKey:
		return "server-key"
	case StepClientResponse:
		return "client-response"
	case StepAESKey:
		return "aes-key"
	default:
		return fmt.Sprintf("step-%d", uint8(s))
	}
}

// RSARegistration carries one step of the key exchange.
type RSARegistration struct {
	Header
	Step RegistrationStep
	Data []byte
}

// NewRSARegistration builds a handshake step message.
func NewRSARegistration(step RegistrationStep, data []byte) *RSARegistration {
	if data == nil {
		data = []byte{}
	}
	return &RSARegistration{Header: NewHeader(ChannelRSARegistration), Step: step, Data: data}
}

func (m *RSARegistration) MarshalBody(w *Writer) {
	w.WriteUint8(uint8(m.Step))
	w.WriteBytes(m.Data)
}

func (m *RSARegistration) UnmarshalBody(r *Reader) error {
	m.Step = RegistrationStep(r.ReadUint8())
	m.Data = r.ReadBytes()
	if r.Err() == nil && m.Step > StepAESKey {
		return fmt.Errorf("%w: unknown registration step %d", ErrMalformed, m.Step)
	}
	return r.Err()
}

// RSAMessage pairs a public key with an asymmetrically encrypted payload.
type RSAMessage struct {
	Header
	PublicKey []byte
	Data      []byte
}

func (m *RSAMessage) MarshalBody(w *Writer) {
	w.WriteBytes(m.PublicKey)
	w.WriteBytes(m.Data)
}

func (m *RSAMessage) UnmarshalBody(r *Reader) error {
	m.PublicKey = r.ReadBytes()
	m.Data = r.ReadBytes()
	return r.Err()
}

// AESMessage wraps a sealed, fully serialized inner message.
type AESMessage struct {
	Header
	Payload []byte
}

// NewAESMessage wraps sealed bytes. The envelope inherits the inner id.
func NewAESMessage(id uint16, sealed []byte) *AESMessage {
	h := NewHeader(ChannelAESMessage)
	h.ID = id
	return &AESMessage{Header: h, Payload: sealed}
}

func (m *AESMessage) MarshalBody(w *Writer) { w.WriteBytes(m.Payload) }

func (m *AESMessage) UnmarshalBody(r *Reader) error {
	m.Payload = r.ReadBytes()
	return r.Err()
}

// Raw is an application message whose body is opaque bytes.
type Raw struct {
	Header
	Body []byte
}

// NewRaw returns an asynchronously dispatched opaque message.
func NewRaw(channel Channel, body []byte) *Raw {
	return &Raw{Header: NewHeader(channel), Body: body}
}

func (m *Raw) MarshalBody(w *Writer) { w.WriteRaw(m.Body) }

func (m *Raw) UnmarshalBody(r *Reader) error {
	m.Body = r.ReadRest()
	return r.Err()
}

// Text is an application message carrying one string.
type Text struct {
	Header
	Value string
}

// NewText returns an asynchronously dispatched text message.
func NewText(channel Channel, value string) *Text {
	return &Text{Header: NewHeader(channel), Value: value}
}

func (m *Text) MarshalBody(w *Writer) { w.WriteString(m.Value) }

func (m *Text) UnmarshalBody(r *Reader) error {
	m.Value = r.ReadString()
	return r.Err()
}
