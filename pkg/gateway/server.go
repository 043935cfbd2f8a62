// Package gateway is the connection layer of the collaboration server: it
// upgrades WebSockets, authenticates connections, validates inbound events
// against their per-kind schemas and fans accepted events out to room
// members through bounded per-connection queues.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palettelabs/palettesync/pkg/auth"
	"github.com/palettelabs/palettesync/pkg/metrics"
	"github.com/palettelabs/palettesync/pkg/palette"
	"github.com/palettelabs/palettesync/pkg/presence"
	"github.com/palettelabs/palettesync/pkg/protocol"
	"github.com/palettelabs/palettesync/pkg/registry"
	"github.com/palettelabs/palettesync/pkg/store"
)

// Server is the HTTP/WebSocket gateway.
type Server struct {
	config   Config
	logger   *slog.Logger
	provider auth.Provider
	registry registry.Registry
	presence *presence.Tracker

	hub      *hub
	upgrader websocket.Upgrader
	router   chi.Router

	// persistence is optional; nil disables snapshot saving.
	persistence *store.Debouncer

	httpServer *http.Server
}

// New creates a gateway wired to the given registry, presence tracker and
// identity provider. The registry's operation hook and the tracker's typing
// expiry callback are installed here; the gateway owns all fan-out.
func New(config Config, provider auth.Provider, reg registry.Registry, tracker *presence.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	s := &Server{
		config:   config,
		logger:   logger.With("component", "gateway"),
		provider: provider,
		registry: reg,
		presence: tracker,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
	}

	reg.SetOperationHook(s.broadcastOperation)
	tracker.OnTypingExpired(s.broadcastTypingExpired)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r

	return s
}

// SetPersistence installs the snapshot debouncer. Call before Start.
func (s *Server) SetPersistence(d *store.Debouncer) {
	s.persistence = d
}

// Handler returns the gateway's HTTP handler, for mounting in an external
// server or an httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("gateway listening", "address", s.config.Address)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Shutdown stops accepting connections, flushes pending snapshots and
// closes the registry and presence tracker.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.persistence != nil {
		if err := s.persistence.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		s.persistence.Close()
	}
	if err := s.registry.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.presence.Close()

	s.logger.Info("gateway shut down")
	return firstErr
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	metrics.RecordConnectionOpen()
	c := newConn(s, ws)
	c.start()

	s.logger.Debug("connection opened", "conn_id", c.ID(), "remote", r.RemoteAddr)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Stats())
}

// broadcastOperation is the registry's operation hook. It runs inside the
// room actor, so frames reach every member's queue in log order.
func (s *Server) broadcastOperation(roomID string, op palette.Operation, clock palette.VectorClock) {
	ev := protocol.NewEvent(protocol.KindStateUpdated, roomID, protocol.StateUpdatedPayload{
		Operation: op,
		Clock:     clock,
	})
	frame, err := ev.Encode()
	if err != nil {
		s.logger.Error("encode state_updated", "error", err)
		return
	}

	n := s.hub.broadcast(roomID, frame, "")
	metrics.RecordBroadcast(n)

	if s.persistence != nil {
		s.persistence.Trigger(roomID)
	}
}

// broadcastTypingExpired announces a typing stop on behalf of a client
// whose flag went stale.
func (s *Server) broadcastTypingExpired(roomID, userID, _ string) {
	s.broadcastEvent(roomID, protocol.NewEvent(protocol.KindUserTyping, roomID, protocol.UserTypingPayload{
		UserID: userID,
		Typing: false,
	}), "")
}

func (s *Server) broadcastEvent(roomID string, ev protocol.Event, exceptConnID string) {
	frame, err := ev.Encode()
	if err != nil {
		s.logger.Error("encode broadcast", "kind", ev.Kind, "error", err)
		return
	}
	n := s.hub.broadcast(roomID, frame, exceptConnID)
	metrics.RecordBroadcast(n)
}

// onDisconnect cleans up after a dropped connection: membership, presence
// and departure broadcasts for every room the connection had joined.
func (s *Server) onDisconnect(c *Conn) {
	roomIDs := s.hub.removeAll(c.ID())
	for _, roomID := range roomIDs {
		room, ok := s.registry.Get(roomID)
		if !ok {
			continue
		}
		p, left := room.Leave(c.ID())
		s.presence.Clear(roomID, c.ID())
		if left {
			s.broadcastEvent(roomID, protocol.NewEvent(protocol.KindUserLeft, roomID, protocol.UserLeftPayload{
				UserID: p.UserID,
				ConnID: p.ConnID,
			}), "")
			s.broadcastActiveUsers(roomID, room)
		}
	}
}

func (s *Server) broadcastActiveUsers(roomID string, room *registry.Room) {
	s.broadcastEvent(roomID, protocol.NewEvent(protocol.KindActiveUsers, roomID, protocol.ActiveUsersPayload{
		Members: s.membersOf(roomID, room.Members()),
	}), "")
}

// membersOf merges durable membership with ephemeral presence into the
// wire representation.
func (s *Server) membersOf(roomID string, participants []registry.Participant) []protocol.Member {
	members := make([]protocol.Member, 0, len(participants))
	for _, p := range participants {
		m := protocol.Member{
			UserID:    p.UserID,
			ConnID:    p.ConnID,
			Name:      p.Name,
			AvatarURL: p.AvatarURL,
			Color:     p.Color,
		}
		if st, ok := s.presence.Get(roomID, p.ConnID); ok {
			m.Typing = st.Typing
			if st.Cursor != nil {
				m.Cursor = &protocol.Cursor{X: st.Cursor.X, Y: st.Cursor.Y}
			}
		}
		members = append(members, m)
	}
	return members
}

// displayColors are the cursor colors handed out to participants.
var displayColors = []string{
	"#E63946", "#F4A261", "#E9C46A", "#2A9D8F",
	"#264653", "#7B2CBF", "#3A86FF", "#FF006E",
}

// colorFor deterministically assigns a display color per user, so the same
// user keeps the same color across reconnects.
func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return displayColors[h.Sum32()%uint32(len(displayColors))]
}
