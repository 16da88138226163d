// Package room implements the owner-mediated multi-member room
// protocol that runs as a JSON-in-text application layer over chat,
// per spec §4.5.
package room

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lanwire/anonchat/internal/identity"
	"github.com/lanwire/anonchat/internal/logging"
	"github.com/lanwire/anonchat/internal/metrics"
)

// DefaultRoom is the sentinel room id for unscoped broadcast. It is
// never materialized as a Room record.
const DefaultRoom = "all"

const (
	controlPrefix = "ROOMCTL::"
	msgPrefix     = "ROOMMSG::"

	// maxControlJSON bounds a ROOMCTL payload per spec §9's "sanity size
	// bound" note.
	maxControlJSON = 16 * 1024

	// maxEventQueue is the bounded FIFO depth for local events.
	maxEventQueue = 50

	minMaxMembers     = 2
	maxMaxMembers     = 200
	defaultMaxMembers = 12

	maxRoomNameBytes = 40
)

var (
	ErrRoomNotFound  = errors.New("room: not found")
	ErrNotOwner      = errors.New("room: caller is not the owner")
	ErrNameTooLong   = errors.New("room: name exceeds maximum length")
	ErrMaxMembers    = errors.New("room: max_members out of range")
	ErrSelfLeave     = errors.New("room: owner cannot leave its own room")
	ErrSelfKick      = errors.New("room: owner cannot kick itself")
	ErrNotMember     = errors.New("room: not a member of this room")
)

// Room is the application-layer record described in spec §3.
type Room struct {
	ID            string
	Name          string
	OwnerID       string
	CreatedAt     int64
	MaxMembers    int
	Locked        bool
	Discoverable  bool
	PasswordSalt  string
	PasswordHash  string
	Members       map[string]bool
	Joined        bool
	Pending       bool
}

// publicRoom is the wire payload advertised in room_announce and echoed
// in room_join_ack; password material is never transmitted.
type publicRoom struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OwnerID      string `json:"owner_id"`
	CreatedAt    int64  `json:"created_at"`
	MaxMembers   int    `json:"max_members"`
	Locked       bool   `json:"locked"`
	Discoverable bool   `json:"discoverable"`
}

func (r *Room) toPublic() publicRoom {
	return publicRoom{
		ID: r.ID, Name: r.Name, OwnerID: r.OwnerID, CreatedAt: r.CreatedAt,
		MaxMembers: r.MaxMembers, Locked: r.Locked, Discoverable: r.Discoverable,
	}
}

func (r *Room) sortedMembers() []string {
	out := make([]string, 0, len(r.Members))
	for id := range r.Members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// controlMessage is the single JSON shape used for every ROOMCTL::
// frame; unused fields are omitted on the wire.
type controlMessage struct {
	Type     string      `json:"type"`
	Room     *publicRoom `json:"room,omitempty"`
	RoomID   string      `json:"room_id,omitempty"`
	Password string      `json:"password,omitempty"`
	OK       *bool       `json:"ok,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Members  []string    `json:"members,omitempty"`
}

// Event is one entry in the bounded local event queue consumed by the
// external UI.
type Event struct {
	Type   string // room_discovered, room_joined, room_join_denied, room_kicked
	RoomID string
	Reason string
}

// Sender is the subset of chat.Chat the room manager needs to transmit
// control and room messages.
type Sender interface {
	SendToPeer(peerID, plaintext string) error
	SendToAll(plaintext string) int
}

// Store persists direct and room messages; it mirrors the external
// store.MessageStore collaborator described in spec §4.6.
type Store interface {
	Store(direction, room, peerID, text string)
}

// Manager is the RoomManager of spec §4.5. All public methods are safe
// for concurrent use from any caller thread (CLI, HTTP UI, chat
// ingress).
type Manager struct {
	sender Sender
	id     *identity.Identity
	logger *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*Room

	store    Store
	upstream func(senderID, text string)

	events []Event

	knownPeers map[string]bool
}

// New constructs a Manager. sender must be wired to a live chat.Chat
// before any send path is exercised.
func New(sender Sender, id *identity.Identity, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(nil)
	}
	return &Manager{
		sender:     sender,
		id:         id,
		logger:     logger.With(slog.String(logging.KeyComponent, "room")),
		metrics:    m,
		rooms:      make(map[string]*Room),
		knownPeers: make(map[string]bool),
	}
}

// SetStore registers the persistence collaborator.
func (m *Manager) SetStore(s Store) { m.store = s }

// SetUpstream registers the callback invoked after storage for direct
// messages and for room messages (prefixed with "[room <room_id>] ").
func (m *Manager) SetUpstream(fn func(senderID, text string)) { m.upstream = fn }

// CreateRoom creates and registers a new owned room. An empty password
// leaves the room unlocked.
func (m *Manager) CreateRoom(name, password string, discoverable bool, maxMembers int) (*Room, error) {
	if len(name) > maxRoomNameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	if maxMembers == 0 {
		maxMembers = defaultMaxMembers
	}
	if maxMembers < minMaxMembers || maxMembers > maxMaxMembers {
		return nil, fmt.Errorf("%w: %d", ErrMaxMembers, maxMembers)
	}

	id, err := newRoomID()
	if err != nil {
		return nil, fmt.Errorf("room: generate id: %w", err)
	}

	r := &Room{
		ID:           id,
		Name:         name,
		OwnerID:      m.id.AnonID,
		CreatedAt:    time.Now().Unix(),
		MaxMembers:   maxMembers,
		Discoverable: discoverable,
		Members:      map[string]bool{m.id.AnonID: true},
		Joined:       true,
	}
	if password != "" {
		salt, err := newSalt()
		if err != nil {
			return nil, fmt.Errorf("room: generate salt: %w", err)
		}
		r.Locked = true
		r.PasswordSalt = salt
		r.PasswordHash = hashPassword(salt, password)
	}

	m.mu.Lock()
	m.rooms[id] = r
	ownedCount, memberCount := m.ownedCounts()
	m.mu.Unlock()

	m.metrics.SetRoomsOwned(ownedCount)
	m.metrics.SetRoomMembers(memberCount)
	return r, nil
}

func (m *Manager) ownedCounts() (owned, members int) {
	for _, r := range m.rooms {
		if r.OwnerID == m.id.AnonID {
			owned++
			members += len(r.Members)
		}
	}
	return owned, members
}

// AnnounceRoom broadcasts a room_announce for an owned room to every
// current peer. It announces the room whether or not it is discoverable.
func (m *Manager) AnnounceRoom(roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	if r.OwnerID != m.id.AnonID {
		return ErrNotOwner
	}
	msg, err := encodeControl(controlMessage{Type: "room_announce", Room: ptr(r.toPublic())})
	if err != nil {
		return err
	}
	m.sender.SendToAll(msg)
	return nil
}

// PollNewPeers compares currentPeerIDs against the last-seen set and
// re-announces every locally-owned discoverable room to any peer id
// seen for the first time, per spec §4.5's re-announcement rule.
func (m *Manager) PollNewPeers(currentPeerIDs []string) {
	m.mu.Lock()
	fresh := make([]string, 0)
	seen := make(map[string]bool, len(currentPeerIDs))
	for _, id := range currentPeerIDs {
		seen[id] = true
		if !m.knownPeers[id] {
			fresh = append(fresh, id)
		}
	}
	m.knownPeers = seen

	var owned []*Room
	for _, r := range m.rooms {
		if r.OwnerID == m.id.AnonID && r.Discoverable {
			owned = append(owned, r)
		}
	}
	m.mu.Unlock()

	if len(fresh) == 0 || len(owned) == 0 {
		return
	}
	for _, r := range owned {
		msg, err := encodeControl(controlMessage{Type: "room_announce", Room: ptr(r.toPublic())})
		if err != nil {
			continue
		}
		for _, peerID := range fresh {
			m.sender.SendToPeer(peerID, msg)
		}
	}
}

// JoinRoom sends a room_join request to the room's owner. The local
// record must already exist (from a prior room_announce).
func (m *Manager) JoinRoom(roomID, password string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	if r.OwnerID == m.id.AnonID {
		return nil // already the owner, implicitly joined
	}

	msg, err := encodeControl(controlMessage{Type: "room_join", RoomID: roomID, Password: password})
	if err != nil {
		return err
	}

	m.mu.Lock()
	r.Pending = true
	m.mu.Unlock()

	return m.sender.SendToPeer(r.OwnerID, msg)
}

// LeaveRoom notifies the owner this process is leaving. The owner
// handler removes membership and fans out the update.
func (m *Manager) LeaveRoom(roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	if r.OwnerID == m.id.AnonID {
		return ErrSelfLeave
	}

	msg, err := encodeControl(controlMessage{Type: "room_leave", RoomID: roomID})
	if err != nil {
		return err
	}
	return m.sender.SendToPeer(r.OwnerID, msg)
}

// KickMember is owner-only: it removes memberID from roomID and fans
// out the updated membership.
func (m *Manager) KickMember(roomID, memberID string) error {
	if memberID == m.id.AnonID {
		return ErrSelfKick
	}

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	if r.OwnerID != m.id.AnonID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	if !r.Members[memberID] {
		m.mu.Unlock()
		return ErrNotMember
	}
	delete(r.Members, memberID)
	members := r.sortedMembers()
	m.mu.Unlock()

	kickMsg, err := encodeControl(controlMessage{Type: "room_kick", RoomID: roomID})
	if err == nil {
		m.sender.SendToPeer(memberID, kickMsg)
	}
	m.fanoutMembers(roomID, members, memberID)
	return nil
}

// SendRoomMessage fans a user-visible message out to every other member
// of roomID as ROOMMSG:: frames.
func (m *Manager) SendRoomMessage(roomID, text string) (int, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	var members []string
	if ok {
		members = r.sortedMembers()
	}
	m.mu.Unlock()
	if !ok {
		return 0, ErrRoomNotFound
	}

	frame := msgPrefix + roomID + "::" + text
	sent := 0
	for _, memberID := range members {
		if memberID == m.id.AnonID {
			continue
		}
		if err := m.sender.SendToPeer(memberID, frame); err == nil {
			sent++
		}
	}
	if m.store != nil {
		m.store.Store("out", roomID, m.id.AnonID, text)
	}
	return sent, nil
}

// GetRoom returns a copy of a room record.
func (m *Manager) GetRoom(roomID string) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return cloneRoom(r), true
}

// ListRooms returns a snapshot of every known room record.
func (m *Manager) ListRooms() []Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, cloneRoom(r))
	}
	return out
}

// DrainEvents returns and clears the pending local event queue.
func (m *Manager) DrainEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

func (m *Manager) pushEvent(ev Event) {
	m.events = append(m.events, ev)
	if len(m.events) > maxEventQueue {
		m.events = m.events[len(m.events)-maxEventQueue:]
	}
}

// HandleMessage is the entry point chat.Chat's OnMessage callback
// should drive: it demultiplexes ROOMCTL::, ROOMMSG::, and plain direct
// messages.
func (m *Manager) HandleMessage(senderID, plaintext string) {
	switch {
	case strings.HasPrefix(plaintext, controlPrefix):
		m.handleControl(senderID, strings.TrimPrefix(plaintext, controlPrefix))
	case strings.HasPrefix(plaintext, msgPrefix):
		m.handleRoomMsg(senderID, strings.TrimPrefix(plaintext, msgPrefix))
	default:
		if m.store != nil {
			m.store.Store("in", DefaultRoom, senderID, plaintext)
		}
		if m.upstream != nil {
			m.upstream(senderID, plaintext)
		}
	}
}

func (m *Manager) handleRoomMsg(senderID, rest string) {
	roomID, text, found := strings.Cut(rest, "::")
	if !found {
		return
	}

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = &Room{
			ID:      roomID,
			OwnerID: senderID,
			Joined:  true,
			Members: map[string]bool{senderID: true, m.id.AnonID: true},
		}
		m.rooms[roomID] = r
	}
	m.mu.Unlock()

	if m.store != nil {
		m.store.Store("in", roomID, senderID, text)
	}
	if m.upstream != nil {
		m.upstream(senderID, fmt.Sprintf("[room %s] %s", roomID, text))
	}
}

func (m *Manager) handleControl(senderID, payload string) {
	if len(payload) > maxControlJSON {
		return
	}
	var msg controlMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}

	switch msg.Type {
	case "room_announce":
		m.onRoomAnnounce(senderID, msg)
	case "room_join":
		m.onRoomJoin(senderID, msg)
	case "room_join_ack":
		m.onRoomJoinAck(msg)
	case "room_members":
		m.onRoomMembers(msg)
	case "room_leave":
		m.onRoomLeave(senderID, msg)
	case "room_kick":
		m.onRoomKick(msg)
	}
}

func (m *Manager) onRoomAnnounce(senderID string, msg controlMessage) {
	if msg.Room == nil || msg.Room.ID == "" {
		return
	}
	p := *msg.Room

	m.mu.Lock()
	_, existed := m.rooms[p.ID]
	if existed {
		r := m.rooms[p.ID]
		r.Name, r.MaxMembers, r.Locked, r.Discoverable, r.CreatedAt = p.Name, p.MaxMembers, p.Locked, p.Discoverable, p.CreatedAt
		r.OwnerID = senderID
	} else {
		m.rooms[p.ID] = &Room{
			ID: p.ID, Name: p.Name, OwnerID: senderID, CreatedAt: p.CreatedAt,
			MaxMembers: p.MaxMembers, Locked: p.Locked, Discoverable: p.Discoverable,
			Members: map[string]bool{},
		}
		m.pushEvent(Event{Type: "room_discovered", RoomID: p.ID})
	}
	m.mu.Unlock()
}

func (m *Manager) onRoomJoin(senderID string, msg controlMessage) {
	m.mu.Lock()
	r, ok := m.rooms[msg.RoomID]
	if !ok || r.OwnerID != m.id.AnonID {
		m.mu.Unlock()
		return
	}

	ok2, reason := admit(r, msg.Password)
	if ok2 {
		r.Members[senderID] = true
	}
	members := r.sortedMembers()
	public := r.toPublic()
	m.mu.Unlock()

	m.metrics.RecordRoomJoinResult(joinOutcome(ok2, reason))

	ack := controlMessage{Type: "room_join_ack", RoomID: msg.RoomID, OK: &ok2}
	if ok2 {
		ack.Members = members
		ack.Room = &public
	} else {
		ack.Reason = reason
	}
	ackMsg, err := encodeControl(ack)
	if err != nil {
		return
	}
	m.sender.SendToPeer(senderID, ackMsg)

	if ok2 {
		m.fanoutMembers(msg.RoomID, members, senderID)
	}
}

func admit(r *Room, password string) (ok bool, reason string) {
	if r.MaxMembers > 0 && len(r.Members) >= r.MaxMembers {
		return false, "Room is full"
	}
	if r.Locked {
		if r.PasswordSalt == "" || r.PasswordHash == "" {
			return false, "Room is locked"
		}
		if hashPassword(r.PasswordSalt, password) != r.PasswordHash {
			return false, "Invalid password"
		}
	}
	return true, ""
}

func joinOutcome(ok bool, reason string) string {
	if ok {
		return "accepted"
	}
	switch reason {
	case "Room is full":
		return "full"
	case "Room is locked":
		return "locked"
	case "Invalid password":
		return "bad_password"
	default:
		return "denied"
	}
}

func (m *Manager) fanoutMembers(roomID string, members []string, exclude string) {
	msg, err := encodeControl(controlMessage{Type: "room_members", RoomID: roomID, Members: members})
	if err != nil {
		return
	}
	for _, memberID := range members {
		if memberID == m.id.AnonID || memberID == exclude {
			continue
		}
		m.sender.SendToPeer(memberID, msg)
	}
}

func (m *Manager) onRoomJoinAck(msg controlMessage) {
	m.mu.Lock()
	r, ok := m.rooms[msg.RoomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.Pending = false
	success := msg.OK != nil && *msg.OK
	if success {
		r.Joined = true
		r.Members = toSet(msg.Members)
		if msg.Room != nil {
			r.Name, r.MaxMembers, r.Locked, r.Discoverable, r.CreatedAt = msg.Room.Name, msg.Room.MaxMembers, msg.Room.Locked, msg.Room.Discoverable, msg.Room.CreatedAt
		}
	}
	m.mu.Unlock()

	if success {
		m.pushEventLocked(Event{Type: "room_joined", RoomID: msg.RoomID})
	} else {
		m.pushEventLocked(Event{Type: "room_join_denied", RoomID: msg.RoomID, Reason: msg.Reason})
	}
}

func (m *Manager) pushEventLocked(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushEvent(ev)
}

func (m *Manager) onRoomMembers(msg controlMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[msg.RoomID]
	if !ok {
		return
	}
	r.Members = toSet(msg.Members)
	r.Joined = r.Members[m.id.AnonID]
}

func (m *Manager) onRoomLeave(senderID string, msg controlMessage) {
	m.mu.Lock()
	r, ok := m.rooms[msg.RoomID]
	if !ok || r.OwnerID != m.id.AnonID {
		m.mu.Unlock()
		return
	}
	delete(r.Members, senderID)
	members := r.sortedMembers()
	m.mu.Unlock()

	m.fanoutMembers(msg.RoomID, members, "")
}

func (m *Manager) onRoomKick(msg controlMessage) {
	m.mu.Lock()
	r, ok := m.rooms[msg.RoomID]
	if ok {
		r.Joined = false
	}
	m.mu.Unlock()
	if ok {
		m.pushEventLocked(Event{Type: "room_kicked", RoomID: msg.RoomID})
	}
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func cloneRoom(r *Room) Room {
	members := make(map[string]bool, len(r.Members))
	for k, v := range r.Members {
		members[k] = v
	}
	cp := *r
	cp.Members = members
	return cp
}

func encodeControl(msg controlMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("room: encode control: %w", err)
	}
	return controlPrefix + string(data), nil
}

func newRoomID() (string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return "room_" + hex.EncodeToString(buf), nil
}

func newSalt() (string, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

func ptr[T any](v T) *T { return &v }
