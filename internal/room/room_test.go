package room

import (
	"strings"
	"sync"
	"testing"

	"github.com/lanwire/anonchat/internal/identity"
)

// fakeSender routes SendToPeer calls directly into a registered
// Manager's HandleMessage, simulating an in-process mesh of owners and
// members without real crypto or sockets.
type fakeSender struct {
	mu   sync.Mutex
	self string
	mesh map[string]*Manager // anon_id -> manager
}

func (f *fakeSender) SendToPeer(peerID, plaintext string) error {
	f.mu.Lock()
	target := f.mesh[peerID]
	f.mu.Unlock()
	if target != nil {
		target.HandleMessage(f.self, plaintext)
	}
	return nil
}

func (f *fakeSender) SendToAll(plaintext string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, mgr := range f.mesh {
		if id == f.self {
			continue
		}
		mgr.HandleMessage(f.self, plaintext)
		n++
	}
	return n
}

type harness struct {
	mesh map[string]*Manager
	ids  map[string]*identity.Identity
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	h := &harness{mesh: map[string]*Manager{}, ids: map[string]*identity.Identity{}}
	for _, n := range names {
		id, err := identity.New(n)
		if err != nil {
			t.Fatalf("identity.New() error = %v", err)
		}
		h.ids[n] = id
	}
	for _, n := range names {
		sender := &fakeSender{self: h.ids[n].AnonID, mesh: map[string]*Manager{}}
		mgr := New(sender, h.ids[n], nil, nil)
		h.mesh[n] = mgr
		sender.mesh = h.linkMeshFor(n)
	}
	return h
}

// linkMeshFor returns a map from anon_id to every manager including the
// caller itself; fakeSender.mesh needs this to resolve SendToPeer
// targets after all managers exist.
func (h *harness) linkMeshFor(self string) map[string]*Manager {
	out := map[string]*Manager{}
	for n, mgr := range h.mesh {
		out[h.ids[n].AnonID] = mgr
	}
	return out
}

func (h *harness) relink() {
	for n, mgr := range h.mesh {
		sender := mgr.sender.(*fakeSender)
		sender.mesh = h.linkMeshFor(n)
	}
}

func TestCreateRoomDefaults(t *testing.T) {
	h := newHarness(t, "owner")
	h.relink()
	owner := h.mesh["owner"]

	r, err := owner.CreateRoom("lobby", "", true, 0)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if r.MaxMembers != defaultMaxMembers {
		t.Errorf("MaxMembers = %d, want %d", r.MaxMembers, defaultMaxMembers)
	}
	if r.Locked {
		t.Error("room with empty password should not be locked")
	}
	if !r.Members[h.ids["owner"].AnonID] {
		t.Error("owner is not a member of its own room")
	}
}

func TestCreateRoomRejectsOverlongName(t *testing.T) {
	h := newHarness(t, "owner")
	owner := h.mesh["owner"]
	if _, err := owner.CreateRoom(strings.Repeat("x", 41), "", true, 0); err == nil {
		t.Error("CreateRoom() with overlong name: expected error, got nil")
	}
}

func TestJoinPublicRoomConverges(t *testing.T) {
	h := newHarness(t, "owner", "bob")
	h.relink()
	owner, bob := h.mesh["owner"], h.mesh["bob"]
	ownerID, bobID := h.ids["owner"].AnonID, h.ids["bob"].AnonID

	r, err := owner.CreateRoom("lobby", "", true, 5)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := owner.AnnounceRoom(r.ID); err != nil {
		t.Fatalf("AnnounceRoom() error = %v", err)
	}

	discovered, ok := bob.GetRoom(r.ID)
	if !ok {
		t.Fatal("bob did not learn about the room via announce")
	}

	if err := bob.JoinRoom(discovered.ID, ""); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	bobView, _ := bob.GetRoom(r.ID)
	if !bobView.Joined {
		t.Error("bob's local room is not marked joined after accepted join")
	}
	ownerView, _ := owner.GetRoom(r.ID)
	if len(ownerView.Members) != 2 || !ownerView.Members[bobID] {
		t.Errorf("owner's members = %v, want owner+bob", ownerView.Members)
	}
	if len(bobView.Members) != len(ownerView.Members) {
		t.Errorf("bob's members = %v, owner's = %v, want equal sets", bobView.Members, ownerView.Members)
	}
	if !bobView.Members[ownerID] {
		t.Error("bob's member set missing owner")
	}

	events := bob.DrainEvents()
	foundJoined := false
	for _, ev := range events {
		if ev.Type == "room_joined" {
			foundJoined = true
		}
	}
	if !foundJoined {
		t.Error("bob did not get a room_joined event")
	}
}

func TestJoinDeniedBadPassword(t *testing.T) {
	h := newHarness(t, "owner", "eve")
	h.relink()
	owner, eve := h.mesh["owner"], h.mesh["eve"]

	r, err := owner.CreateRoom("vault", "secret", false, 5)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := owner.AnnounceRoom(r.ID); err != nil {
		t.Fatalf("AnnounceRoom() error = %v", err)
	}

	if err := eve.JoinRoom(r.ID, "guess"); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	ownerView, _ := owner.GetRoom(r.ID)
	if len(ownerView.Members) != 1 {
		t.Errorf("owner members = %v, want just the owner", ownerView.Members)
	}

	events := eve.DrainEvents()
	found := false
	for _, ev := range events {
		if ev.Type == "room_join_denied" && ev.Reason == "Invalid password" {
			found = true
		}
	}
	if !found {
		t.Error("eve did not receive a room_join_denied event with the right reason")
	}
}

func TestRoomFull(t *testing.T) {
	h := newHarness(t, "owner", "bob", "eve")
	h.relink()
	owner, bob, eve := h.mesh["owner"], h.mesh["bob"], h.mesh["eve"]

	r, err := owner.CreateRoom("tiny", "", true, 2)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	owner.AnnounceRoom(r.ID)

	if err := bob.JoinRoom(r.ID, ""); err != nil {
		t.Fatalf("bob JoinRoom() error = %v", err)
	}
	if err := eve.JoinRoom(r.ID, ""); err != nil {
		t.Fatalf("eve JoinRoom() error = %v", err)
	}

	ownerView, _ := owner.GetRoom(r.ID)
	if len(ownerView.Members) != 2 {
		t.Errorf("owner members after full room = %v, want 2 (owner+bob)", ownerView.Members)
	}

	events := eve.DrainEvents()
	found := false
	for _, ev := range events {
		if ev.Type == "room_join_denied" && ev.Reason == "Room is full" {
			found = true
		}
	}
	if !found {
		t.Error("eve expected a room_join_denied(Room is full) event")
	}
}

func TestNonOwnerJoinRequestDropped(t *testing.T) {
	h := newHarness(t, "bob", "eve")
	h.relink()
	bob, eve := h.mesh["bob"], h.mesh["eve"]

	// bob has no rooms; eve sends a join request addressed to bob anyway
	// by directly invoking HandleMessage, simulating a forged room_id.
	msg, _ := encodeControl(controlMessage{Type: "room_join", RoomID: "room_deadbeef", Password: ""})
	bob.HandleMessage(h.ids["eve"].AnonID, msg)

	if len(bob.ListRooms()) != 0 {
		t.Error("non-owner room_join should not create or mutate any room")
	}
	_ = eve
}

func TestKickRemovesMemberAndNotifies(t *testing.T) {
	h := newHarness(t, "owner", "bob")
	h.relink()
	owner, bob := h.mesh["owner"], h.mesh["bob"]
	bobID := h.ids["bob"].AnonID

	r, _ := owner.CreateRoom("lobby", "", true, 5)
	owner.AnnounceRoom(r.ID)
	bob.JoinRoom(r.ID, "")

	if err := owner.KickMember(r.ID, bobID); err != nil {
		t.Fatalf("KickMember() error = %v", err)
	}

	bobView, _ := bob.GetRoom(r.ID)
	if bobView.Joined {
		t.Error("bob's room should no longer be joined after a kick")
	}

	events := bob.DrainEvents()
	found := false
	for _, ev := range events {
		if ev.Type == "room_kicked" {
			found = true
		}
	}
	if !found {
		t.Error("bob did not receive a room_kicked event")
	}
}

func TestOwnerCannotKickSelf(t *testing.T) {
	h := newHarness(t, "owner")
	owner := h.mesh["owner"]
	r, _ := owner.CreateRoom("lobby", "", true, 5)

	if err := owner.KickMember(r.ID, h.ids["owner"].AnonID); err != ErrSelfKick {
		t.Errorf("KickMember(self) error = %v, want ErrSelfKick", err)
	}
}

func TestOwnerCannotLeaveOwnRoom(t *testing.T) {
	h := newHarness(t, "owner")
	owner := h.mesh["owner"]
	r, _ := owner.CreateRoom("lobby", "", true, 5)

	if err := owner.LeaveRoom(r.ID); err != ErrSelfLeave {
		t.Errorf("LeaveRoom(own room) error = %v, want ErrSelfLeave", err)
	}
}

func TestRoomMessageFanout(t *testing.T) {
	h := newHarness(t, "owner", "bob", "eve")
	h.relink()
	owner, bob, eve := h.mesh["owner"], h.mesh["bob"], h.mesh["eve"]

	var bobUpstream, eveUpstream string
	bob.SetUpstream(func(_, text string) { bobUpstream = text })
	eve.SetUpstream(func(_, text string) { eveUpstream = text })

	r, _ := owner.CreateRoom("lobby", "", true, 5)
	owner.AnnounceRoom(r.ID)
	bob.JoinRoom(r.ID, "")
	eve.JoinRoom(r.ID, "")

	n, err := owner.SendRoomMessage(r.ID, "hi")
	if err != nil {
		t.Fatalf("SendRoomMessage() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SendRoomMessage() sent to %d members, want 2", n)
	}
	if bobUpstream != "[room "+r.ID+"] hi" {
		t.Errorf("bob upstream = %q", bobUpstream)
	}
	if eveUpstream != "[room "+r.ID+"] hi" {
		t.Errorf("eve upstream = %q", eveUpstream)
	}
}

func TestUnknownRoomMsgMaterializesAdHocRoom(t *testing.T) {
	h := newHarness(t, "owner", "bob")
	h.relink()
	bob := h.mesh["bob"]
	ownerID := h.ids["owner"].AnonID

	bob.HandleMessage(ownerID, "ROOMMSG::room_feedface::surprise invite")

	r, ok := bob.GetRoom("room_feedface")
	if !ok {
		t.Fatal("ad-hoc room was not materialized")
	}
	if r.OwnerID != ownerID || !r.Joined {
		t.Errorf("ad-hoc room = %+v, want owner=%s joined=true", r, ownerID)
	}
}

func TestRoomAnnounceOwnerIDIsPinnedToSender(t *testing.T) {
	h := newHarness(t, "owner", "attacker", "victim")
	h.relink()
	victim := h.mesh["victim"]
	attackerID := h.ids["attacker"].AnonID
	victimID := h.ids["victim"].AnonID

	spoofed, err := encodeControl(controlMessage{Type: "room_announce", Room: &publicRoom{
		ID: "room_spoofed", Name: "lobby", OwnerID: victimID, MaxMembers: defaultMaxMembers, Discoverable: true,
	}})
	if err != nil {
		t.Fatalf("encodeControl() error = %v", err)
	}

	victim.HandleMessage(attackerID, spoofed)

	r, ok := victim.GetRoom("room_spoofed")
	if !ok {
		t.Fatal("room was not discovered")
	}
	if r.OwnerID != attackerID {
		t.Errorf("OwnerID = %q, want sender id %q (spoofed owner_id must be discarded)", r.OwnerID, attackerID)
	}

	// A second announce for the same room, still claiming to be the
	// victim, must not be able to overwrite the pinned owner either.
	victim.HandleMessage(attackerID, spoofed)
	r, _ = victim.GetRoom("room_spoofed")
	if r.OwnerID != attackerID {
		t.Errorf("OwnerID after re-announce = %q, want %q", r.OwnerID, attackerID)
	}
}

func TestDirectMessageGoesToUpstream(t *testing.T) {
	h := newHarness(t, "owner", "bob")
	bob := h.mesh["bob"]
	ownerID := h.ids["owner"].AnonID

	var got string
	bob.SetUpstream(func(_, text string) { got = text })
	bob.HandleMessage(ownerID, "just a plain message")

	if got != "just a plain message" {
		t.Errorf("upstream got %q, want plain passthrough", got)
	}
}

func TestEventQueueBounded(t *testing.T) {
	h := newHarness(t, "bob")
	bob := h.mesh["bob"]

	for i := 0; i < maxEventQueue+10; i++ {
		bob.pushEventLocked(Event{Type: "room_discovered", RoomID: "room_x"})
	}
	if got := len(bob.DrainEvents()); got != maxEventQueue {
		t.Errorf("event queue length = %d, want bounded to %d", got, maxEventQueue)
	}
}
