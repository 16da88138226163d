// Package chat implements pairwise encrypted messaging over a peer
// table maintained by discovery.Discovery, per spec §4.4.
package chat

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lanwire/anonchat/internal/crypto"
	"github.com/lanwire/anonchat/internal/identity"
	"github.com/lanwire/anonchat/internal/logging"
	"github.com/lanwire/anonchat/internal/metrics"
)

// ErrUnknownPeer is returned by SendToPeer when the target anon_id is
// not in the current peer snapshot.
var ErrUnknownPeer = errors.New("chat: unknown peer")

// sender is the subset of transport.Transport Chat needs.
type sender interface {
	Send(message, targetIP string, targetPort int) error
}

// peerView mirrors the fields of discovery.Peer that Chat reads. Chat
// depends on this narrow shape rather than the discovery package's
// concrete type so it can be tested against a fake peer source.
type peerView struct {
	IP        string
	PublicKey string
}

// OnMessage is invoked with decrypted plaintext for every successfully
// received ENC frame.
type OnMessage func(senderID, plaintext string)

// Chat encrypts outgoing plaintext and decrypts+delivers inbound ENC
// frames routed to it by Discovery.
type Chat struct {
	transport sender
	identity  *identity.Identity
	port      int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	getPeers func() map[string]peerView
	onEnc    func(func(senderID, blob, sourceIP string))

	onMessage OnMessage
}

// New constructs a Chat bound to the given transport and identity. Call
// Attach to wire it to a Discovery instance.
func New(tr sender, id *identity.Identity, port int, logger *slog.Logger, m *metrics.Metrics) *Chat {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(nil)
	}
	return &Chat{
		transport: tr,
		identity:  id,
		port:      port,
		logger:    logger.With(slog.String(logging.KeyComponent, "chat")),
		metrics:   m,
	}
}

// Attach wires this Chat to a Discovery instance: it borrows the peer
// snapshot accessor and registers itself as the ENC handler.
func (c *Chat) Attach(getPeers func() map[string]PeerSnapshot, onEncFrame func(func(senderID, blob, sourceIP string))) {
	c.getPeers = func() map[string]peerView {
		snap := getPeers()
		out := make(map[string]peerView, len(snap))
		for id, p := range snap {
			out[id] = peerView{IP: p.IP, PublicKey: p.PublicKey}
		}
		return out
	}
	onEncFrame(c.handleEnc)
}

// PeerSnapshot is the shape Attach's getPeers callback must produce per
// peer; it decouples Chat from discovery.Peer's concrete type.
type PeerSnapshot struct {
	IP        string
	PublicKey string
}

// OnMessage registers the callback invoked with decrypted plaintext.
func (c *Chat) OnMessage(fn OnMessage) {
	c.onMessage = fn
}

// SendToPeer encrypts plaintext for peerID and sends it, registering the
// peer's public key with the CryptoBox first if this is the first
// message to it.
func (c *Chat) SendToPeer(peerID, plaintext string) error {
	peers := c.getPeers()
	p, ok := peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	if err := c.identity.Crypto.RegisterPeer(peerID, p.PublicKey); err != nil {
		return fmt.Errorf("chat: register peer %s: %w", peerID, err)
	}

	blob, err := c.identity.Crypto.Encrypt(peerID, plaintext)
	if err != nil {
		return fmt.Errorf("chat: encrypt for %s: %w", peerID, err)
	}

	if err := c.transport.Send("ENC "+c.identity.AnonID+" "+blob, p.IP, c.port); err != nil {
		return fmt.Errorf("chat: send to %s: %w", peerID, err)
	}
	c.metrics.RecordFrameSent("ENC")
	c.metrics.RecordMessageSent()
	return nil
}

// SendToAll fans plaintext out to every peer in the current snapshot and
// returns the number of successful unicast sends. A peer that vanished
// mid-iteration (ErrUnknownPeer) counts as zero and does not abort the
// rest.
func (c *Chat) SendToAll(plaintext string) int {
	sent := 0
	for peerID := range c.getPeers() {
		if err := c.SendToPeer(peerID, plaintext); err == nil {
			sent++
		}
	}
	return sent
}

// handleEnc is installed as Discovery's ENC handler. It decrypts and
// delivers one inbound frame; every failure path drops silently per
// spec §4.4 and §7.
func (c *Chat) handleEnc(senderID, blob, sourceIP string) {
	if senderID == c.identity.AnonID {
		return
	}

	peers := c.getPeers()
	p, ok := peers[senderID]
	if !ok {
		c.metrics.RecordMessageDropped("unknown_peer")
		return
	}

	if err := c.identity.Crypto.RegisterPeer(senderID, p.PublicKey); err != nil {
		c.metrics.RecordMessageDropped("bad_key")
		return
	}

	plaintext, err := c.identity.Crypto.Decrypt(senderID, blob)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			c.metrics.RecordDecryptError()
		}
		c.metrics.RecordMessageDropped("decrypt_error")
		return
	}

	c.metrics.RecordMessageReceived()
	if c.onMessage != nil {
		c.onMessage(senderID, plaintext)
	}
}
