// Package httpui exposes anonchat's peer table, rooms, and message
// history over HTTP, plus a live websocket feed, mirroring the
// gorilla/mux routed server in the teacher and the websocket.Accept
// pattern from its health package.
package httpui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lanwire/anonchat/internal/logging"
	"github.com/lanwire/anonchat/internal/room"
	"github.com/lanwire/anonchat/internal/runtime"
	"github.com/lanwire/anonchat/internal/store"
)

// Event is the JSON shape pushed to every websocket subscriber.
type Event struct {
	Kind    string              `json:"kind"` // "message" or "room"
	Message *runtime.MessageEvent `json:"message,omitempty"`
	Room    *room.Event           `json:"room,omitempty"`
}

// Server is the HTTP UI bound to a single Runtime.
type Server struct {
	rt     *runtime.Runtime
	logger *slog.Logger
	router *mux.Router
	srv    *http.Server

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New builds a Server listening on host:port. Call Start to begin
// serving; Stop to shut down gracefully.
func New(rt *runtime.Runtime, host string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		rt:     rt,
		logger: logger.With(slog.String(logging.KeyComponent, "httpui")),
		subs:   make(map[chan Event]struct{}),
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/api/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/api/rooms", s.handleRooms).Methods(http.MethodGet)
	s.router.HandleFunc("/api/messages", s.handleMessages).Methods(http.MethodGet)
	s.router.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	rt.OnMessage(s.broadcastMessage)
	rt.OnRoomEvent(s.broadcastRoomEvent)

	return s
}

// Handler returns the underlying http.Handler, for embedding in tests
// or an alternate listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// URL returns the base HTTP URL this server listens on.
func (s *Server) URL() string {
	return "http://" + s.srv.Addr
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http ui stopped", logging.KeyError, err.Error())
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type peerJSON struct {
	AnonID   string `json:"anon_id"`
	IP       string `json:"ip"`
	Nickname string `json:"nickname,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.rt.GetPeers()
	out := make([]peerJSON, 0, len(peers))
	for id, p := range peers {
		out = append(out, peerJSON{AnonID: id, IP: p.IP, Nickname: p.Nickname, LastSeen: p.LastSeen.Unix()})
	}
	writeJSON(w, out)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.rt.Rooms.ListRooms())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = store.AllRooms
	}
	var since int64
	fmt.Sscanf(r.URL.Query().Get("since"), "%d", &since)

	writeJSON(w, s.rt.Store.MessagesSince(since, roomID))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.rt.Logs.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"anonchat-ui"}})
	if err != nil {
		http.Error(w, "failed to accept websocket: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := make(chan Event, 32)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	defer func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcastMessage(ev runtime.MessageEvent) {
	s.publish(Event{Kind: "message", Message: &ev})
}

func (s *Server) broadcastRoomEvent(ev room.Event) {
	s.publish(Event{Kind: "room", Room: &ev})
}

func (s *Server) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
