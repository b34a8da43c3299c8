package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureFrameLayout(t *testing.T) {
	frame := ConnectFrame()
	assert.Equal(t, 10, SignatureSize)
	assert.Equal(t, byte(len(SignatureMagic)), frame[0])
	assert.Equal(t, SignatureMagic, string(frame[1:9]))
	assert.Equal(t, byte(1), frame[9])
	assert.Equal(t, byte(0), DisconnectFrame()[9])
}

func TestParseSignature(t *testing.T) {
	sig := ParseSignature(ConnectFrame())
	assert.True(t, sig.Valid())
	assert.True(t, sig.Connect)

	sig = ParseSignature(DisconnectFrame())
	assert.True(t, sig.Valid())
	assert.False(t, sig.Connect)
}

func TestParseSignatureInvalidMagicSameLength(t *testing.T) {
	frame := ConnectFrame()
	copy(frame[1:], "NOTMAGIC")

	assert.True(t, IsSignatureFrame(len(frame)))
	assert.False(t, ParseSignature(frame).Valid())
}

func TestParseSignatureGarbage(t *testing.T) {
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 0}
	assert.NotPanics(t, func() {
		assert.False(t, ParseSignature(garbage).Valid())
	})
}

func TestConnectFrameIsCopy(t *testing.T) {
	a := ConnectFrame()
	a[0] = 0
	assert.Equal(t, byte(len(SignatureMagic)), ConnectFrame()[0])
}
