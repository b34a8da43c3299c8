package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the AES-256 key length.
	SessionKeySize = 32

	// NonceSize is the GCM nonce length prefixed to every sealed message.
	NonceSize = 12

	sessionKeyInfo = "dualnet session key v1"
)

// DeriveSessionKey produces a fresh symmetric key for one connection. The
// secret is random; HKDF binds it to the initiator and responder public keys
// so a key lifted from one handshake does not match another's transcript.
func DeriveSessionKey(initiatorPub, responderPub []byte) ([]byte, error) {
	secret := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("read session secret: %w", err)
	}
	defer ZeroBytes(secret)

	ifp := PublicFingerprint(initiatorPub)
	rfp := PublicFingerprint(responderPub)
	info := make([]byte, 0, len(sessionKeyInfo)+2*sha256.Size)
	info = append(info, sessionKeyInfo...)
	info = append(info, ifp[:]...)
	info = append(info, rfp[:]...)

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}

	opLog("DeriveSessionKey", keyFields(initiatorPub)).Debug("Derived session key")
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key. The output is nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts the output of Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed message of %d bytes is truncated", ErrDecrypt, len(sealed))
	}
	pt, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}
