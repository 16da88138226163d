// Package identity provides the ephemeral per-process peer identity: a
// short random session id, an optional cosmetic nickname, and the
// process's CryptoBox. Nothing here is persisted — a fresh identity is
// generated every process run, per spec §1's "no persistent identities"
// non-goal.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/lanwire/anonchat/internal/crypto"
)

const (
	// idSuffixBytes is the number of random bytes backing the 8 hex
	// characters of an anon_id suffix.
	idSuffixBytes = 4

	// idPrefix is the fixed tag prepended to every session id.
	idPrefix = "anon-"

	// MaxNicknameBytes is the maximum UTF-8 byte length of a nickname.
	MaxNicknameBytes = 32
)

// ErrNicknameTooLong is returned when a caller tries to set a nickname
// longer than MaxNicknameBytes UTF-8 bytes.
var ErrNicknameTooLong = errors.New("identity: nickname exceeds maximum length")

// Identity is the ephemeral record created once per process: a stable
// anon_id, a mutable cosmetic nickname, and an owned CryptoBox. The
// anon_id has no cryptographic role; authenticity is bound to the
// CryptoBox key (spec §3).
type Identity struct {
	AnonID string
	Crypto *crypto.Box

	mu       sync.RWMutex
	nickname string
}

// New creates a fresh Identity with a random anon_id and a new ephemeral
// CryptoBox keypair. nickname may be empty.
func New(nickname string) (*Identity, error) {
	if utf8.RuneCountInString(nickname) > 0 && len(nickname) > MaxNicknameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrNicknameTooLong, len(nickname))
	}

	anonID, err := newAnonID()
	if err != nil {
		return nil, fmt.Errorf("identity: generate anon_id: %w", err)
	}

	box, err := crypto.NewBox()
	if err != nil {
		return nil, fmt.Errorf("identity: generate crypto box: %w", err)
	}

	return &Identity{
		AnonID:   anonID,
		Crypto:   box,
		nickname: nickname,
	}, nil
}

// Nickname returns the current cosmetic nickname, or "" if unset.
func (id *Identity) Nickname() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.nickname
}

// SetNickname updates the cosmetic nickname. An empty string clears it.
func (id *Identity) SetNickname(nickname string) error {
	if len(nickname) > MaxNicknameBytes {
		return fmt.Errorf("%w: %d bytes", ErrNicknameTooLong, len(nickname))
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	id.nickname = nickname
	return nil
}

// DisplayName renders "anon_id (nickname)" when a nickname is set, or
// just the anon_id otherwise.
func (id *Identity) DisplayName() string {
	nick := id.Nickname()
	if nick == "" {
		return id.AnonID
	}
	return fmt.Sprintf("%s (%s)", id.AnonID, nick)
}

func newAnonID() (string, error) {
	buf := make([]byte, idSuffixBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return idPrefix + hex.EncodeToString(buf), nil
}
