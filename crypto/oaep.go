package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrDecrypt indicates ciphertext that could not be decrypted or
// authenticated.
var ErrDecrypt = errors.New("decryption failed")

// oaepOverhead is what RSA-OAEP with SHA-256 reserves in each block.
const oaepOverhead = 2*sha256.Size + 2

// EncryptOAEP encrypts data to pub with RSA-OAEP/SHA-256. Inputs longer than
// one block are split and each block encrypted separately; the output is the
// concatenation of modulus-sized ciphertext blocks.
func EncryptOAEP(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil public key", ErrInvalidPublicKey)
	}
	blockSize := pub.Size()
	chunk := blockSize - oaepOverhead
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: %d-byte modulus", ErrKeySize, blockSize)
	}

	blocks := (len(data) + chunk - 1) / chunk
	if blocks == 0 {
		blocks = 1
	}
	out := make([]byte, 0, blocks*blockSize)
	for i := 0; i < blocks; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data[start:end], nil)
		if err != nil {
			return nil, fmt.Errorf("oaep block %d: %w", i, err)
		}
		out = append(out, ct...)
	}
	return out, nil
}

// DecryptOAEP reverses EncryptOAEP with the private half of kp.
func DecryptOAEP(kp *KeyPair, data []byte) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, fmt.Errorf("%w: no private key", ErrDecrypt)
	}
	blockSize := kp.Private.Size()
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrDecrypt, len(data), blockSize)
	}

	out := make([]byte, 0, len(data))
	for off := 0; off < len(data); off += blockSize {
		pt, err := rsa.DecryptOAEP(sha256.New(), nil, kp.Private, data[off:off+blockSize], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: oaep block %d: %v", ErrDecrypt, off/blockSize, err)
		}
		out = append(out, pt...)
	}
	return out, nil
}
