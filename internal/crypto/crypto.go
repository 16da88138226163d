// Package crypto provides the ephemeral X25519 key exchange and
// ChaCha20-Poly1305 authenticated encryption primitives used by a peer's
// CryptoBox (see box.go).
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of an X25519 key in bytes.
	KeySize = 32

	// NonceSize is the size of a ChaCha20-Poly1305 nonce in bytes.
	NonceSize = 12

	// TagSize is the size of a Poly1305 authentication tag in bytes.
	TagSize = 16
)

// GenerateKeypair generates a fresh X25519 private/public keypair using
// crypto/rand. Every process run gets its own keypair; nothing is persisted.
func GenerateKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp per the X25519 spec (RFC 7748).
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// ComputeECDH performs the X25519 Diffie-Hellman exchange and returns the
// raw shared secret. Low-order points (a zero public key, or a shared
// secret that collapses to zero) are rejected.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}
	return sharedSecret, nil
}

// ZeroBytes overwrites a byte slice with zeroes, for scrubbing ephemeral
// key material once it has been consumed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeroes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
