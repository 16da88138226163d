// Package runtime assembles identity, transport, discovery, chat, and
// room management into one running process, and owns the single app
// lock that coordinates interface switches against the poll loop.
package runtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lanwire/anonchat/internal/chat"
	"github.com/lanwire/anonchat/internal/config"
	"github.com/lanwire/anonchat/internal/discovery"
	"github.com/lanwire/anonchat/internal/identity"
	"github.com/lanwire/anonchat/internal/logging"
	"github.com/lanwire/anonchat/internal/metrics"
	"github.com/lanwire/anonchat/internal/netutil"
	"github.com/lanwire/anonchat/internal/room"
	"github.com/lanwire/anonchat/internal/store"
	"github.com/lanwire/anonchat/internal/transport"
)

// pollInterval is how often the runtime re-checks the peer table for
// newly-discovered peers and drains pending room events.
const pollInterval = 2 * time.Second

// logBufferSize bounds the in-memory log ring the CLI and HTTP UI read
// from, mirroring the deque(maxlen=200) used by anonchat's original
// runtime for the same purpose.
const logBufferSize = 200

// LogEntry is one line retained in the Runtime's LogBuffer.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// LogBuffer is a fixed-capacity ring of the most recent log lines.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

func newLogBuffer() *LogBuffer {
	return &LogBuffer{entries: make([]LogEntry, 0, logBufferSize)}
}

// Push appends one line to the ring, evicting the oldest entry once
// full. It satisfies logging.RingSink so the runtime's own slog
// logger (and everything derived from it: discovery, chat, room) also
// feeds this buffer, not just directly-dispatched chat messages.
func (b *LogBuffer) Push(level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, LogEntry{Time: time.Now(), Level: level, Message: message})
	if len(b.entries) > logBufferSize {
		b.entries = b.entries[len(b.entries)-logBufferSize:]
	}
}

// Snapshot returns a copy of the retained log lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// MessageEvent is delivered to subscribers for every decrypted direct
// or room message, after storage.
type MessageEvent struct {
	SenderID string
	Text     string
}

// Runtime wires together one running anonchat process: the identity,
// the UDP transport, the discovery beacon/peer table, pairwise chat
// encryption, and the room manager. All mutation of the underlying
// transport/discovery pair is serialized by mu (the "app lock"), so
// SwitchInterface can safely tear down and rebuild them while the poll
// loop and CLI/HTTP UI keep calling into the Runtime concurrently.
type Runtime struct {
	settings *config.Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics

	Identity *identity.Identity
	Store    store.MessageStore
	Rooms    *room.Manager
	Logs     *LogBuffer

	mu        sync.Mutex
	bindIP    string
	transport *transport.Transport
	discovery *discovery.Discovery
	chat      *chat.Chat

	subMu        sync.Mutex
	messageSubs  []func(MessageEvent)
	roomEventSubs []func(room.Event)

	stopPoll chan struct{}
	pollDone chan struct{}
}

// New builds a Runtime from resolved settings. It binds a UDP socket
// immediately but does not start the discovery beacon or poll loop;
// call Start for that.
func New(settings *config.Settings, logger *slog.Logger, m *metrics.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	id, err := identity.New(settings.Nickname)
	if err != nil {
		return nil, fmt.Errorf("runtime: create identity: %w", err)
	}

	logs := newLogBuffer()

	rt := &Runtime{
		settings: settings,
		logger:   logging.Tee(logger.With(slog.String(logging.KeyComponent, "runtime")), logs),
		metrics:  m,
		Identity: id,
		Store:    store.NewMemStore(),
		Logs:     logs,
	}

	bindIP, err := resolveBindIP(settings.InterfaceIP)
	if err != nil {
		return nil, fmt.Errorf("runtime: resolve bind address: %w", err)
	}

	if err := rt.bringUpNetwork(bindIP); err != nil {
		return nil, err
	}

	rt.Rooms = room.New(rt.chat, rt.Identity, rt.logger, rt.metrics)
	rt.Rooms.SetStore(store.RoomAdapter{Backend: rt.Store})
	rt.Rooms.SetUpstream(rt.dispatchMessage)
	rt.chat.OnMessage(rt.Rooms.HandleMessage)

	for _, preset := range settings.RoomPresets {
		r, err := rt.Rooms.CreateRoom(preset.Name, preset.Password, preset.Discoverable, preset.MaxMembers)
		if err != nil {
			rt.logger.Warn("skipping invalid room preset", slog.String("name", preset.Name), logging.KeyError, err.Error())
			continue
		}
		if preset.Discoverable {
			rt.Rooms.AnnounceRoom(r.ID)
		}
	}

	return rt, nil
}

func resolveBindIP(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	ip, err := netutil.DefaultInterfaceIP()
	if err != nil {
		return "", err
	}
	return ip, nil
}

// bringUpNetwork constructs transport, discovery, and chat for bindIP
// and wires chat to discovery's peer snapshot and ENC handler. Callers
// must hold mu, except New, which calls it before the Runtime is shared.
func (rt *Runtime) bringUpNetwork(bindIP string) error {
	tr, err := transport.New(transport.Config{BindIP: bindIP, Port: rt.settings.Port, Broadcast: true})
	if err != nil {
		return fmt.Errorf("runtime: bind transport on %s: %w", bindIP, err)
	}

	disc := discovery.New(tr, rt.Identity, rt.settings.BroadcastIP, rt.settings.Port, rt.logger, rt.metrics)
	disc.SetDebug(rt.settings.Debug)

	c := chat.New(tr, rt.Identity, rt.settings.Port, rt.logger, rt.metrics)
	c.Attach(func() map[string]chat.PeerSnapshot {
		peers := disc.GetPeers()
		out := make(map[string]chat.PeerSnapshot, len(peers))
		for id, p := range peers {
			out[id] = chat.PeerSnapshot{IP: p.IP, PublicKey: p.PublicKey}
		}
		return out
	}, disc.OnEncFrame)

	if rt.Rooms != nil {
		c.OnMessage(rt.Rooms.HandleMessage)
	}

	rt.bindIP = bindIP
	rt.transport = tr
	rt.discovery = disc
	rt.chat = c
	return nil
}

func (rt *Runtime) dispatchMessage(senderID, text string) {
	rt.Logs.Push("info", fmt.Sprintf("%s: %s", senderID, text))
	rt.subMu.Lock()
	subs := append([]func(MessageEvent){}, rt.messageSubs...)
	rt.subMu.Unlock()
	for _, fn := range subs {
		fn(MessageEvent{SenderID: senderID, Text: text})
	}
}

// OnMessage registers a callback invoked for every decrypted direct or
// room message (already prefixed with "[room <id>] " for room
// traffic, per room.Manager.HandleMessage).
func (rt *Runtime) OnMessage(fn func(MessageEvent)) {
	rt.subMu.Lock()
	defer rt.subMu.Unlock()
	rt.messageSubs = append(rt.messageSubs, fn)
}

// OnRoomEvent registers a callback invoked for every room.Event drained
// from the poll loop (room_discovered, room_joined, and so on).
func (rt *Runtime) OnRoomEvent(fn func(room.Event)) {
	rt.subMu.Lock()
	defer rt.subMu.Unlock()
	rt.roomEventSubs = append(rt.roomEventSubs, fn)
}

// Start launches the discovery loops and the background poll loop.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	rt.discovery.Start()
	rt.mu.Unlock()

	rt.stopPoll = make(chan struct{})
	rt.pollDone = make(chan struct{})
	go rt.pollLoop()
}

// Stop halts the poll loop, discovery, and closes the transport.
func (rt *Runtime) Stop() {
	if rt.stopPoll != nil {
		close(rt.stopPoll)
		<-rt.pollDone
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Closing the transport first unblocks the discovery ingress loop's
	// Recv, which Discovery.Stop waits for.
	rt.transport.Close()
	rt.discovery.Stop()
}

func (rt *Runtime) pollLoop() {
	defer close(rt.pollDone)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopPoll:
			return
		case <-ticker.C:
			rt.mu.Lock()
			peers := rt.discovery.GetPeers()
			ids := make([]string, 0, len(peers))
			for id := range peers {
				ids = append(ids, id)
			}
			rt.mu.Unlock()

			rt.Rooms.PollNewPeers(ids)

			events := rt.Rooms.DrainEvents()
			if len(events) == 0 {
				continue
			}
			rt.subMu.Lock()
			subs := append([]func(room.Event){}, rt.roomEventSubs...)
			rt.subMu.Unlock()
			for _, ev := range events {
				for _, fn := range subs {
					fn(ev)
				}
			}
		}
	}
}

// GetPeers returns the current discovery peer table.
func (rt *Runtime) GetPeers() map[string]discovery.Peer {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.discovery.GetPeers()
}

// SendToPeer encrypts and sends plaintext directly to peerID.
func (rt *Runtime) SendToPeer(peerID, plaintext string) error {
	rt.mu.Lock()
	c := rt.chat
	rt.mu.Unlock()
	if err := c.SendToPeer(peerID, plaintext); err != nil {
		return err
	}
	rt.Store.Store("out", store.AllRooms, peerID, plaintext)
	return nil
}

// SendToAll broadcasts plaintext to every known peer.
func (rt *Runtime) SendToAll(plaintext string) int {
	rt.mu.Lock()
	c := rt.chat
	rt.mu.Unlock()
	n := c.SendToAll(plaintext)
	rt.Store.Store("out", store.AllRooms, rt.Identity.AnonID, plaintext)
	return n
}

// BindIP returns the address the runtime is currently bound to.
func (rt *Runtime) BindIP() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bindIP
}

// SwitchInterface tears down the current transport and discovery
// instance and rebuilds both bound to newIP, per spec §5's interface
// hot-swap requirement. The room manager, identity, and message store
// are untouched: only the network layer is replaced. Concurrent sends
// during the swap return transport.ErrClosed or chat.ErrUnknownPeer and
// are expected to be retried by the caller.
func (rt *Runtime) SwitchInterface(newIP string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.transport.Close()
	rt.discovery.Stop()

	if err := rt.bringUpNetwork(newIP); err != nil {
		return fmt.Errorf("runtime: switch interface to %s: %w", newIP, err)
	}
	rt.discovery.Start()

	rt.logger.Info("switched network interface", logging.KeyAddress, newIP)
	return nil
}
