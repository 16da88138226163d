package httpui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lanwire/anonchat/internal/config"
	"github.com/lanwire/anonchat/internal/runtime"
)

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	settings := &config.Settings{
		Port:        0,
		BroadcastIP: "127.0.0.1",
		InterfaceIP: "127.0.0.1",
		UIHost:      "127.0.0.1",
		UIPort:      0,
	}
	rt, err := runtime.New(settings, nil, nil)
	if err != nil {
		t.Fatalf("runtime.New() error = %v", err)
	}
	t.Cleanup(func() { rt.Stop() })

	s := New(rt, "127.0.0.1", 0, nil)
	return s, rt
}

func TestPeersEndpointReturnsEmptyList(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/peers")
	if err != nil {
		t.Fatalf("GET /api/peers error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var peers []peerJSON
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("peers = %v, want empty", peers)
	}
}

func TestRoomsEndpointReflectsCreatedRoom(t *testing.T) {
	s, rt := newTestServer(t)
	if _, err := rt.Rooms.CreateRoom("lobby", "", true, 5); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms error = %v", err)
	}
	defer resp.Body.Close()

	body := make([]byte, 4096)
	n, _ := resp.Body.Read(body)
	if !strings.Contains(string(body[:n]), "lobby") {
		t.Errorf("body = %q, want to contain lobby", string(body[:n]))
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketDeliversMessageEvent(t *testing.T) {
	s, rt := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler's subscription time to register before publishing.
	time.Sleep(20 * time.Millisecond)
	s.broadcastMessage(runtime.MessageEvent{SenderID: "anon-aaaaaaaa", Text: "hi"})
	_ = rt

	var got Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("wsjson.Read() error = %v", err)
	}
	if got.Kind != "message" || got.Message == nil || got.Message.Text != "hi" {
		t.Errorf("got event = %+v, want message event with text hi", got)
	}
}
