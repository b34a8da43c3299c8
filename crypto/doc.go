// Package crypto implements the key material used by the dualnet encryption
// handshake.
//
// A handshake uses two ephemeral RSA keypairs, one per side, to move a
// symmetric session key from the responder to the initiator. The session key
// then seals whole serialized messages with AES-256-GCM.
//
// # Keypairs
//
//	kp, err := crypto.GenerateKeyPair(crypto.DefaultRSABits)
//	pub := kp.PublicBytes() // PKIX DER, safe to send in the clear
//
// # Asymmetric encryption
//
// EncryptOAEP splits its input into OAEP-sized blocks so that payloads larger
// than one block (another public key, for example) can be carried:
//
//	ct, err := crypto.EncryptOAEP(peerPub, secret)
//	pt, err := crypto.DecryptOAEP(kp, ct)
//
// # Session keys
//
// DeriveSessionKey expands fresh randomness with HKDF-SHA256, binding the
// result to both handshake public keys. Seal and Open wrap a message with the
// resulting key; any modification of the sealed bytes yields ErrDecrypt.
//
// Key material is ephemeral and never persisted. Use SecureWipe (or
// KeyPair.Wipe) to scrub it once a connection ends.
package crypto
