package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSinglePatchesLength(t *testing.T) {
	msg := NewText(FirstUserChannel, "hello")
	msg.Part = 5
	msg.TotalParts = 9

	data, err := EncodeSingle(msg)
	require.NoError(t, err)

	h, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, int32(len(data)), h.Length)
	assert.Equal(t, uint16(0), h.Part)
	assert.Equal(t, uint16(1), h.TotalParts)
	assert.Equal(t, h.Length, msg.Length)
}

func TestMessageVariantsDecode(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name string
		msg  Message
	}{
		{"ping", NewPing(12.5)},
		{"part confirmation", NewPartConfirmation(77, 4)},
		{"rsa registration", NewRSARegistration(StepClientResponse, []byte{1, 2, 3})},
		{"aes message", NewAESMessage(9, []byte("sealed"))},
		{"rsa message", &RSAMessage{Header: NewHeader(ChannelRSAMessage), PublicKey: []byte{9}, Data: []byte{8, 7}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeSingle(tt.msg)
			require.NoError(t, err)

			decoded, err := reg.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestRegistryFallsBackToRaw(t *testing.T) {
	reg := NewRegistry()
	msg := NewRaw(FirstUserChannel+3, []byte("opaque"))

	data, err := EncodeSingle(msg)
	require.NoError(t, err)

	decoded, err := reg.Decode(data)
	require.NoError(t, err)

	raw, ok := decoded.(*Raw)
	require.True(t, ok)
	assert.Equal(t, []byte("opaque"), raw.Body)
	assert.Equal(t, FirstUserChannel+3, raw.Channel)
}

func TestRegistryCustomType(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(FirstUserChannel, func() Message { return &Text{} }))
	assert.True(t, reg.Registered(FirstUserChannel))

	data, err := EncodeSingle(NewText(FirstUserChannel, "héllo wörld"))
	require.NoError(t, err)

	decoded, err := reg.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", decoded.(*Text).Value)
}

func TestRegistryRejectsReservedChannel(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(ChannelPing, func() Message { return &Raw{} })
	assert.ErrorIs(t, err, ErrReservedChannel)
}

func TestRegistryDecodesFragments(t *testing.T) {
	reg := NewRegistry()
	part := &MessagePart{
		Header: Header{Channel: FirstUserChannel, Part: 1, TotalParts: 3, Length: 300, ID: 8, IsAsync: true},
		Data:   []byte{1, 2, 3},
	}
	data, err := Encode(part)
	require.NoError(t, err)

	decoded, err := reg.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, part, decoded)
}

func TestDecodeMalformedBodies(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated ping", AppendHeader(nil, NewHeader(ChannelPing))},
		{"truncated confirmation", append(AppendHeader(nil, NewHeader(ChannelPartConfirmation)), 1)},
		{"oversized byte prefix", append(AppendHeader(nil, NewHeader(ChannelAESMessage)), 0xFF, 0xFF, 0x00, 0x00)},
		{"negative byte prefix", append(AppendHeader(nil, NewHeader(ChannelAESMessage)), 0xFF, 0xFF, 0xFF, 0xFF)},
		{"unknown step", append(AppendHeader(nil, NewHeader(ChannelRSARegistration)), 9, 0, 0, 0, 0)},
		{"short header", []byte{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := reg.Decode(tt.data)
				assert.Error(t, err)
			})
		})
	}
}

func TestStringEncodingMultiByteLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	w := NewWriter(0)
	w.WriteString(string(long))
	// 300 needs two varint bytes
	assert.Equal(t, 302, w.Len())

	r := NewReader(w.Bytes())
	assert.Equal(t, string(long), r.ReadString())
	assert.NoError(t, r.Err())
}
