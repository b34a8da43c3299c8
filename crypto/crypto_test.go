package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair(DebugRSABits)
	require.NoError(t, err)

	pub, err := ParsePublicKey(kp.PublicBytes())
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))
	assert.Equal(t, PublicFingerprint(kp.PublicBytes()), kp.Fingerprint())

	_, err = GenerateKeyPair(512)
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		der  []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not a key")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublicKey(tt.der)
			assert.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
}

func TestOAEPRoundTrip(t *testing.T) {
	responder, err := GenerateKeyPair(DebugRSABits)
	require.NoError(t, err)
	initiator, err := GenerateKeyPair(DebugRSABits)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello")},
		{"public key spans several blocks", initiator.PublicBytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := EncryptOAEP(responder.Public, tt.data)
			require.NoError(t, err)
			assert.Zero(t, len(ct)%responder.Public.Size())

			pt, err := DecryptOAEP(responder, ct)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.data, pt))
		})
	}
}

func TestOAEPWrongKey(t *testing.T) {
	a, err := GenerateKeyPair(DebugRSABits)
	require.NoError(t, err)
	b, err := GenerateKeyPair(DebugRSABits)
	require.NoError(t, err)

	ct, err := EncryptOAEP(a.Public, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptOAEP(b, ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptOAEP(a, ct[:len(ct)-1])
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSessionKeySealOpen(t *testing.T) {
	k1, err := DeriveSessionKey([]byte("initiator"), []byte("responder"))
	require.NoError(t, err)
	k2, err := DeriveSessionKey([]byte("initiator"), []byte("responder"))
	require.NoError(t, err)
	require.Len(t, k1, SessionKeySize)
	assert.NotEqual(t, k1, k2, "every derivation uses a fresh secret")

	msg := []byte("the quick brown fox")
	sealed, err := Seal(k1, msg)
	require.NoError(t, err)
	assert.Len(t, sealed, NonceSize+len(msg)+16)

	opened, err := Open(k1, sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, opened)

	_, err = Open(k2, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	tampered := append([]byte(nil), sealed...)
	tampered[NonceSize+2] ^= 0x01
	_, err = Open(k1, tampered)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Open(k1, sealed[:NonceSize])
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Open(nil, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Error(t, SecureWipe(nil))
}

func TestKeyPairWipe(t *testing.T) {
	kp, err := GenerateKeyPair(DebugRSABits)
	require.NoError(t, err)
	kp.Wipe()
	assert.Nil(t, kp.Private)

	_, err = DecryptOAEP(kp, make([]byte, 128))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPreviewFields(t *testing.T) {
	fields := PreviewFields([]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5}, "key")
	assert.Equal(t, "deadbeef01020304...", fields["key_preview"])
	assert.Equal(t, 9, fields["key_size"])

	fields = PreviewFields(nil, "key")
	assert.Equal(t, "nil", fields["key_preview"])
}
