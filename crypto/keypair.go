package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RSA modulus sizes.
const (
	DefaultRSABits = 2048
	DebugRSABits   = 1024
	MinRSABits     = 1024
)

var (
	// ErrKeySize indicates an RSA modulus smaller than MinRSABits.
	ErrKeySize = errors.New("rsa key size too small")

	// ErrInvalidPublicKey indicates bytes that do not hold an RSA public key.
	ErrInvalidPublicKey = errors.New("invalid rsa public key")
)

// KeyPair is an ephemeral RSA keypair owned by one side of a handshake.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey

	publicDER []byte
}

// GenerateKeyPair creates a fresh RSA keypair of the given modulus size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	log := opLog("GenerateKeyPair", logrus.Fields{"bits": bits})
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits", ErrKeySize, bits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", logFailure(log, "rsa.GenerateKey", err))
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	log.Debug("Generated RSA keypair")
	return &KeyPair{Private: priv, Public: &priv.PublicKey, publicDER: der}, nil
}

// PublicBytes returns the PKIX DER encoding of the public key.
func (kp *KeyPair) PublicBytes() []byte {
	return append([]byte(nil), kp.publicDER...)
}

// Fingerprint returns the SHA-256 digest of the encoded public key.
func (kp *KeyPair) Fingerprint() [32]byte {
	return sha256.Sum256(kp.publicDER)
}

// Wipe zeroes the private exponent and primes. The keypair is unusable
// afterwards.
func (kp *KeyPair) Wipe() {
	if kp == nil || kp.Private == nil {
		return
	}
	kp.Private.D.SetInt64(0)
	for _, p := range kp.Private.Primes {
		p.SetInt64(0)
	}
	kp.Private = nil
}

// ParsePublicKey decodes a PKIX DER RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidPublicKey, key)
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits", ErrKeySize, pub.N.BitLen())
	}
	return pub, nil
}

// PublicFingerprint returns the SHA-256 digest of an encoded public key.
func PublicFingerprint(der []byte) [32]byte {
	return sha256.Sum256(der)
}

func keyFields(der []byte) logrus.Fields {
	fp := PublicFingerprint(der)
	return PreviewFields(fp[:], "key_fingerprint")
}
