// Package discovery implements anonchat's UDP presence protocol: a
// periodic beacon, a peer table keyed by anon_id, and demultiplexing of
// inbound datagrams into GM/GM_ACK/NICK handling or a registered ENC
// handler.
package discovery

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lanwire/anonchat/internal/identity"
	"github.com/lanwire/anonchat/internal/logging"
	"github.com/lanwire/anonchat/internal/metrics"
)

// GMInterval is how often a presence beacon is broadcast.
const GMInterval = 3 * time.Second

// PeerTimeout is how long a peer table entry survives without a refresh.
const PeerTimeout = 10 * time.Second

// sender is the subset of transport.Transport Discovery needs. Defined
// here rather than imported so tests can supply a fake without binding
// real sockets.
type sender interface {
	Send(message, targetIP string, targetPort int) error
	Recv() (message, sourceIP string, sourcePort int, err error)
	Close() error
}

// Peer is a snapshot of one peer table entry.
type Peer struct {
	AnonID    string
	IP        string
	LastSeen  time.Time
	PublicKey string
	Nickname  string
}

// EncHandler is invoked for every inbound ENC frame. Discovery never
// inspects the ciphertext itself; it is pure routing per spec §4.3.
type EncHandler func(senderID, blob, sourceIP string)

// Discovery owns the beacon loop, the ingress loop, and the peer table.
type Discovery struct {
	transport   sender
	identity    *identity.Identity
	broadcastIP string
	port        int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	debug       bool

	mu    sync.Mutex
	peers map[string]*Peer

	encMu  sync.RWMutex
	encFn  EncHandler
	hasEnc bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Discovery bound to the given transport and identity.
// It does not start any goroutines until Start is called.
func New(tr sender, id *identity.Identity, broadcastIP string, port int, logger *slog.Logger, m *metrics.Metrics) *Discovery {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		transport:   tr,
		identity:    id,
		broadcastIP: broadcastIP,
		port:        port,
		logger:      logger.With(slog.String(logging.KeyComponent, "discovery")),
		metrics:     m,
		peers:       make(map[string]*Peer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetDebug toggles debug logging of dropped unknown-type frames
// (ANONCHAT_DEBUG).
func (d *Discovery) SetDebug(debug bool) {
	d.debug = debug
}

// OnEncFrame registers the handler Chat installs for inbound ENC frames.
func (d *Discovery) OnEncFrame(fn EncHandler) {
	d.encMu.Lock()
	defer d.encMu.Unlock()
	d.encFn = fn
	d.hasEnc = fn != nil
}

// Start launches the broadcast and ingress loops.
func (d *Discovery) Start() {
	d.wg.Add(2)
	go d.broadcastLoop()
	go d.ingressLoop()
}

// Stop signals both loops to exit and blocks until they have. It does
// not close the transport; the caller owns that.
func (d *Discovery) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(GMInterval)
	defer ticker.Stop()

	d.sendBeacon()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sendBeacon()
		}
	}
}

func (d *Discovery) sendBeacon() {
	pub := d.identity.Crypto.PublicKeyB64()
	third := pub
	if nick := d.identity.Nickname(); nick != "" {
		third = pub + "|" + encodeNick(nick)
	}
	if err := d.transport.Send("GM "+d.identity.AnonID+" "+third, d.broadcastIP, d.port); err != nil {
		if d.ctx.Err() != nil {
			return
		}
		d.logger.Debug("beacon send failed", logging.KeyError, err.Error())
		return
	}
	d.metrics.RecordFrameSent("GM")

	if nick := d.identity.Nickname(); nick != "" {
		if err := d.transport.Send("NICK "+d.identity.AnonID+" "+encodeNick(nick), d.broadcastIP, d.port); err == nil {
			d.metrics.RecordFrameSent("NICK")
		}
	}
}

func (d *Discovery) ingressLoop() {
	defer d.wg.Done()
	for {
		msg, srcIP, _, err := d.transport.Recv()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		d.handleDatagram(msg, srcIP)
		d.sweepExpired()
	}
}

func (d *Discovery) handleDatagram(msg, srcIP string) {
	parts := strings.SplitN(msg, " ", 3)
	if len(parts) < 3 {
		d.metrics.RecordFrameDropped("malformed")
		return
	}
	frameType, senderID, rest := parts[0], parts[1], parts[2]

	if frameType == "ENC" {
		d.metrics.RecordFrameReceived("ENC")
		d.encMu.RLock()
		fn, has := d.encFn, d.hasEnc
		d.encMu.RUnlock()
		if has {
			fn(senderID, rest, srcIP)
		} else {
			d.metrics.RecordFrameDropped("no_enc_handler")
		}
		return
	}

	if senderID == d.identity.AnonID {
		return
	}

	switch frameType {
	case "GM", "GM_ACK":
		d.metrics.RecordFrameReceived(frameType)
		pubKey, nick, hasNick := splitPresence(rest)
		d.upsertPeer(senderID, srcIP, pubKey, nick, hasNick)
		if frameType == "GM" {
			ack := "GM_ACK " + d.identity.AnonID + " " + d.identity.Crypto.PublicKeyB64()
			if n := d.identity.Nickname(); n != "" {
				ack += "|" + encodeNick(n)
			}
			if err := d.transport.Send(ack, srcIP, d.port); err == nil {
				d.metrics.RecordFrameSent("GM_ACK")
			}
		}
	case "NICK":
		d.metrics.RecordFrameReceived("NICK")
		d.updateNickname(senderID, rest)
	default:
		d.metrics.RecordFrameDropped("unknown_type")
		if d.debug {
			d.logger.Debug("dropping unknown frame type", logging.KeyFrameType, frameType)
		}
	}
}

func (d *Discovery) upsertPeer(anonID, ip, pubKey, nick string, hasNick bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, known := d.peers[anonID]
	if !known {
		d.metrics.RecordPeerSeen()
	}
	if !hasNick && known {
		nick = existing.Nickname
	}
	d.peers[anonID] = &Peer{
		AnonID:    anonID,
		IP:        ip,
		LastSeen:  time.Now(),
		PublicKey: pubKey,
		Nickname:  nick,
	}
}

func (d *Discovery) updateNickname(anonID, nickB64 string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, known := d.peers[anonID]
	if !known {
		return
	}
	if nick, ok := decodeNick(nickB64); ok {
		p.Nickname = nick
	}
	p.LastSeen = time.Now()
}

func (d *Discovery) sweepExpired() {
	cutoff := time.Now().Add(-PeerTimeout)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.peers {
		if p.LastSeen.Before(cutoff) {
			delete(d.peers, id)
			d.metrics.RecordPeerTimeout()
		}
	}
}

// GetPeers sweeps expired entries and returns a snapshot of the
// remaining peer table.
func (d *Discovery) GetPeers() map[string]Peer {
	d.sweepExpired()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Peer, len(d.peers))
	for id, p := range d.peers {
		out[id] = *p
	}
	return out
}

// splitPresence parses the third token of a GM/GM_ACK frame:
// "pub_key" or "pub_key|nick_b64".
func splitPresence(rest string) (pubKey, nick string, hasNick bool) {
	pubKey, nickB64, found := strings.Cut(rest, "|")
	if !found {
		return pubKey, "", false
	}
	decoded, ok := decodeNick(nickB64)
	if !ok {
		return pubKey, "", false
	}
	return pubKey, decoded, true
}

func encodeNick(nick string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(nick))
}

func decodeNick(nickB64 string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(nickB64)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
