package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF context string for every pairwise shared key
// derived by a CryptoBox. It has no secrecy value; it exists only to
// domain-separate this derivation from any other use of the same ECDH
// output.
const hkdfInfo = "anonchat"

var (
	// ErrUnknownPeer is returned by Encrypt/Decrypt when no shared key has
	// been registered yet for the given peer id.
	ErrUnknownPeer = errors.New("crypto: unknown peer")

	// ErrKeyParse is returned by RegisterPeer when the supplied public key
	// is not valid base64url or does not decode to 32 bytes.
	ErrKeyParse = errors.New("crypto: malformed peer public key")

	// ErrDecrypt is returned by Decrypt on malformed framing or AEAD tag
	// verification failure. Callers must treat it as opaque: it is the
	// adversary path and must look identical for "wrong key" and
	// "tampered ciphertext".
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// Box is the ephemeral per-session crypto context described in spec §4.2:
// one process-lifetime X25519 keypair, and a write-once peer_id -> shared
// key table. It has no notion of identity beyond what a peer_id's first
// registered public key establishes for the lifetime of the process.
type Box struct {
	privateKey [KeySize]byte
	publicKey  [KeySize]byte
	publicB64  string

	mu   sync.RWMutex
	keys map[string][KeySize]byte
}

// NewBox generates a fresh ephemeral keypair and returns an empty Box.
func NewBox() (*Box, error) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("crypto: new box: %w", err)
	}
	return &Box{
		privateKey: priv,
		publicKey:  pub,
		publicB64:  b64encode(pub[:]),
		keys:       make(map[string][KeySize]byte),
	}, nil
}

// PublicKeyB64 returns this process's X25519 public key as unpadded
// URL-safe base64, suitable for embedding in a GM/GM_ACK frame.
func (b *Box) PublicKeyB64() string {
	return b.publicB64
}

// RegisterPeer derives and stores the shared key for peerID from its
// advertised public key. It is idempotent and write-once: once a peer_id
// has a stored key, later calls are no-ops even if peerPubB64 differs,
// per spec §4.2 and the documented limitation in spec §9 (an anon_id
// reused across a restart will not get its key refreshed mid-session).
func (b *Box) RegisterPeer(peerID, peerPubB64 string) error {
	b.mu.RLock()
	_, known := b.keys[peerID]
	b.mu.RUnlock()
	if known {
		return nil
	}

	raw, err := b64decode(peerPubB64)
	if err != nil || len(raw) != KeySize {
		return fmt.Errorf("%w: %s", ErrKeyParse, peerPubB64)
	}
	var peerPub [KeySize]byte
	copy(peerPub[:], raw)

	shared, err := ComputeECDH(b.privateKey, peerPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyParse, err)
	}
	defer ZeroKey(&shared)

	key, err := deriveSharedKey(shared)
	if err != nil {
		return fmt.Errorf("crypto: derive shared key: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, known := b.keys[peerID]; known {
		// Lost the race with a concurrent RegisterPeer for the same peer;
		// the first writer wins, per the write-once contract.
		return nil
	}
	b.keys[peerID] = key
	return nil
}

// HasPeer reports whether a shared key is registered for peerID.
func (b *Box) HasPeer(peerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.keys[peerID]
	return ok
}

// Encrypt seals plaintext for peerID with a fresh random 12-byte nonce and
// returns "base64url(nonce).base64url(ciphertext||tag)".
func (b *Box) Encrypt(peerID, plaintext string) (string, error) {
	key, ok := b.sharedKey(peerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("crypto: new aead: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return b64encode(nonce) + "." + b64encode(ciphertext), nil
}

// Decrypt opens a blob produced by Encrypt. Any framing error, base64
// error, or AEAD authentication failure collapses to ErrDecrypt.
func (b *Box) Decrypt(peerID, blob string) (string, error) {
	key, ok := b.sharedKey(peerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	nonceB64, ctB64, found := strings.Cut(blob, ".")
	if !found {
		return "", ErrDecrypt
	}
	nonce, err := b64decode(nonceB64)
	if err != nil || len(nonce) != NonceSize {
		return "", ErrDecrypt
	}
	ciphertext, err := b64decode(ctB64)
	if err != nil {
		return "", ErrDecrypt
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("crypto: new aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func (b *Box) sharedKey(peerID string) ([KeySize]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.keys[peerID]
	return key, ok
}

// deriveSharedKey runs HKDF-SHA256 over an ECDH output with an empty salt
// and the fixed "anonchat" info string, per spec §3/§4.2.
func deriveSharedKey(sharedSecret [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	reader := hkdf.New(sha256.New, sharedSecret[:], nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func b64encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func b64decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
