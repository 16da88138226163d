package discovery

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lanwire/anonchat/internal/identity"
)

// fakeTransport is an in-memory sender used to drive Discovery without
// real sockets. Each instance has its own inbox; Send on one fake
// delivers into the peer fake's inbox registered via link().
type fakeTransport struct {
	mu     sync.Mutex
	inbox  chan fakeDatagram
	peers  map[string]*fakeTransport // targetIP -> transport
	sent   []string
	closed bool
}

type fakeDatagram struct {
	msg string
	ip  string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan fakeDatagram, 64),
		peers: make(map[string]*fakeTransport),
	}
}

func (f *fakeTransport) link(ip string, other *fakeTransport) {
	f.peers[ip] = other
}

func (f *fakeTransport) Send(message, targetIP string, targetPort int) error {
	f.mu.Lock()
	f.sent = append(f.sent, message)
	target := f.peers[targetIP]
	f.mu.Unlock()
	if target == nil {
		return nil // broadcast with no listener in this test
	}
	target.inbox <- fakeDatagram{msg: message, ip: "self"}
	return nil
}

func (f *fakeTransport) Recv() (string, string, int, error) {
	d, ok := <-f.inbox
	if !ok {
		return "", "", 0, fmt.Errorf("closed")
	}
	return d.msg, d.ip, 0, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New("")
	if err != nil {
		t.Fatalf("identity.New() error = %v", err)
	}
	return id
}

func TestLoopbackSuppression(t *testing.T) {
	idA := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	d.handleDatagram("GM "+idA.AnonID+" "+idA.Crypto.PublicKeyB64(), "10.0.0.9")

	if len(d.GetPeers()) != 0 {
		t.Error("self-beacon was inserted into the peer table")
	}
}

func TestGMInsertsPeerAndReplies(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)
	trA := newFakeTransport()
	trB := newFakeTransport()
	trA.link("10.0.0.2", trB)
	trB.link("10.0.0.1", trA)

	dA := New(trA, idA, "255.255.255.255", 54545, nil, nil)
	dB := New(trB, idB, "255.255.255.255", 54545, nil, nil)

	dA.handleDatagram("GM "+idB.AnonID+" "+idB.Crypto.PublicKeyB64(), "10.0.0.2")

	peersA := dA.GetPeers()
	p, ok := peersA[idB.AnonID]
	if !ok {
		t.Fatal("peer B missing from A's table after GM")
	}
	if p.PublicKey != idB.Crypto.PublicKeyB64() {
		t.Errorf("stored public key = %q, want %q", p.PublicKey, idB.Crypto.PublicKeyB64())
	}

	select {
	case d := <-trB.inbox:
		if d.msg[:7] != "GM_ACK " {
			t.Errorf("expected GM_ACK reply, got %q", d.msg)
		}
	default:
		t.Error("no GM_ACK sent back to B")
	}
}

func TestPeerTimeoutSweep(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	d.handleDatagram("GM "+idB.AnonID+" "+idB.Crypto.PublicKeyB64(), "10.0.0.2")
	if len(d.GetPeers()) != 1 {
		t.Fatal("expected one peer immediately after GM")
	}

	d.mu.Lock()
	d.peers[idB.AnonID].LastSeen = time.Now().Add(-2 * PeerTimeout)
	d.mu.Unlock()

	if len(d.GetPeers()) != 0 {
		t.Error("expired peer was not swept")
	}
}

func TestNicknamePreservedWhenAbsent(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	d.handleDatagram("GM "+idB.AnonID+" "+idB.Crypto.PublicKeyB64()+"|QWxpY2U", "10.0.0.2")
	d.handleDatagram("GM "+idB.AnonID+" "+idB.Crypto.PublicKeyB64(), "10.0.0.2")

	p := d.GetPeers()[idB.AnonID]
	if p.Nickname != "Alice" {
		t.Errorf("Nickname = %q, want Alice to survive a nickname-less GM", p.Nickname)
	}
}

func TestNickFrameOnlyUpdatesKnownPeer(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	d.handleDatagram("NICK "+idB.AnonID+" QWxpY2U", "10.0.0.2")
	if len(d.GetPeers()) != 0 {
		t.Error("NICK for unknown peer should not create a table entry")
	}

	d.handleDatagram("GM "+idB.AnonID+" "+idB.Crypto.PublicKeyB64(), "10.0.0.2")
	d.handleDatagram("NICK "+idB.AnonID+" Qm9i", "10.0.0.2")
	if got := d.GetPeers()[idB.AnonID].Nickname; got != "Bob" {
		t.Errorf("Nickname after NICK = %q, want Bob", got)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	idA := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	d.handleDatagram("GM onlyonearg", "10.0.0.2")
	if len(d.GetPeers()) != 0 {
		t.Error("malformed frame with fewer than 3 tokens should be dropped")
	}
}

func TestEncFrameRoutedToHandler(t *testing.T) {
	idA := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	var gotSender, gotBlob, gotIP string
	d.OnEncFrame(func(senderID, blob, sourceIP string) {
		gotSender, gotBlob, gotIP = senderID, blob, sourceIP
	})

	d.handleDatagram("ENC anon-deadbeef nonce.ciphertext", "10.0.0.5")

	if gotSender != "anon-deadbeef" || gotBlob != "nonce.ciphertext" || gotIP != "10.0.0.5" {
		t.Errorf("handler got (%q, %q, %q)", gotSender, gotBlob, gotIP)
	}
	if len(d.GetPeers()) != 0 {
		t.Error("ENC frame must not touch the peer table")
	}
}

func TestEncFrameDroppedWithoutHandler(t *testing.T) {
	idA := newTestIdentity(t)
	tr := newFakeTransport()
	d := New(tr, idA, "255.255.255.255", 54545, nil, nil)

	// Should not panic with no handler registered.
	d.handleDatagram("ENC anon-deadbeef nonce.ciphertext", "10.0.0.5")
}
