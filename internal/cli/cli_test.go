package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lanwire/anonchat/internal/config"
	"github.com/lanwire/anonchat/internal/room"
	"github.com/lanwire/anonchat/internal/runtime"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	settings := &config.Settings{
		Port:        0,
		BroadcastIP: "127.0.0.1",
		InterfaceIP: "127.0.0.1",
		UIHost:      "127.0.0.1",
		UIPort:      5000,
	}
	rt, err := runtime.New(settings, nil, nil)
	if err != nil {
		t.Fatalf("runtime.New() error = %v", err)
	}
	t.Cleanup(func() { rt.Stop() })
	return rt
}

func TestPeersWithNoDiscoveredPeers(t *testing.T) {
	rt := newTestRuntime(t)
	var out bytes.Buffer
	c := New(rt, strings.NewReader(""), &out, "http://127.0.0.1:5000", nil)

	c.dispatch("/peers")

	if !strings.Contains(out.String(), "No peers discovered.") {
		t.Errorf("output = %q, want a no-peers message", out.String())
	}
}

func TestCreateAndListRoom(t *testing.T) {
	rt := newTestRuntime(t)
	var out bytes.Buffer
	c := New(rt, strings.NewReader(""), &out, "http://127.0.0.1:5000", nil)

	c.dispatch("/create lobby 5")
	out.Reset()
	c.dispatch("/rooms")

	if !strings.Contains(out.String(), "lobby") {
		t.Errorf("output = %q, want the created room listed", out.String())
	}
}

func TestSendAllReportsZeroPeers(t *testing.T) {
	rt := newTestRuntime(t)
	var out bytes.Buffer
	c := New(rt, strings.NewReader(""), &out, "http://127.0.0.1:5000", nil)

	c.dispatch("/sendall hello")

	if !strings.Contains(out.String(), "Sent to 0 peer(s).") {
		t.Errorf("output = %q, want Sent to 0 peer(s).", out.String())
	}
}

func TestQuitStopsDispatchLoop(t *testing.T) {
	rt := newTestRuntime(t)
	var out bytes.Buffer
	c := New(rt, strings.NewReader(""), &out, "http://127.0.0.1:5000", nil)

	if c.dispatch("/quit") {
		t.Error("dispatch(/quit) = true, want false")
	}
}

func TestUnknownCommand(t *testing.T) {
	rt := newTestRuntime(t)
	var out bytes.Buffer
	c := New(rt, strings.NewReader(""), &out, "http://127.0.0.1:5000", nil)

	c.dispatch("/bogus")

	if !strings.Contains(out.String(), "Unknown command") {
		t.Errorf("output = %q, want an unknown-command message", out.String())
	}
}

func TestFormatEventVariants(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"room_discovered", "discovered"},
		{"room_joined", "joined"},
		{"room_join_denied", "join denied"},
		{"room_kicked", "kicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := room.Event{Type: tt.name, RoomID: "room_feedface", Reason: "Invalid password"}
			got := FormatEvent(ev)
			if !strings.Contains(got, tt.want) {
				t.Errorf("FormatEvent(%s) = %q, want to contain %q", tt.name, got, tt.want)
			}
		})
	}
}
