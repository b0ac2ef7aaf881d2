// Package relay implements the collaboration relay: the WebSocket server,
// rooms, per-connection clients, and the command buffer pacing broadcasts.
package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/graphroom/relay/internal/compress"
	"github.com/graphroom/relay/internal/config"
	"github.com/graphroom/relay/internal/limits"
	"github.com/graphroom/relay/internal/monitoring"
	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/schedule"
	"github.com/graphroom/relay/internal/storage"
)

// Server owns the connection intake and the room registries. Rooms share
// nothing mutable with each other except the storage adapter, so the
// registry lock here plus one lock per room is the whole locking story.
type Server struct {
	config *config.Config
	logger zerolog.Logger
	errs   *protocol.Handler
	codec  *compress.Codec
	store  *storage.Store

	listener net.Listener
	httpSrv  *http.Server

	// Registries. connID keys are process-unique; wire ids ("u1", ...)
	// are room-scoped and live on the Client. The client→room mapping is
	// read on every inbound frame, so it sits behind a RWMutex.
	mu          sync.RWMutex
	rooms       map[string]*Room
	clients     map[int64]*Client
	clientRooms map[int64]string

	nextConnID atomic.Int64

	connectionsSem chan struct{}
	connLimiter    *limits.ConnectionRateLimiter
	cleanupPump    *schedule.Task

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	startTime    time.Time
}

// NewServer wires the relay together: storage (schema bootstrap), the
// compression codec, the rate limiter, and the central error handler. The
// listener is not opened until Start.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	provider, err := compress.NewProvider(cfg.CompressionMethod)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{
		config:         cfg,
		logger:         logger.With().Str("component", "server").Logger(),
		errs:           protocol.NewHandler(logger),
		codec:          compress.NewCodec(provider, cfg.CompressionThreshold),
		store:          store,
		rooms:          make(map[string]*Room),
		clients:        make(map[int64]*Client),
		clientRooms:    make(map[int64]string),
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		startTime:      time.Now(),
	}

	s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPRate:      cfg.ConnIPRate,
		IPBurst:     cfg.ConnIPBurst,
		GlobalRate:  cfg.ConnRate,
		GlobalBurst: cfg.ConnBurst,
		Logger:      logger,
	})

	s.logger.Info().
		Str("addr", cfg.Addr).
		Int("protocol_version", cfg.ProtocolVersion).
		Int("max_connections", cfg.MaxConnections).
		Int("max_rooms", cfg.MaxRooms).
		Str("database_path", store.Path()).
		Str("compression", s.codec.Method()).
		Msg("Relay initialized")

	return s, nil
}

// Handler builds the HTTP surface: the WebSocket upgrade endpoint plus
// health and metrics. Exposed so tests can mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	return mux
}

// Start opens the listener and begins serving. Non-blocking; errors from
// the accept loop after a clean start are logged, not returned.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.cleanupPump = schedule.Interval("storage_cleanup", s.config.CleanupInterval, func() {
		if err := s.store.Cleanup(s.config.RetentionMaxAge, time.Now()); err != nil {
			s.errs.Handle(err, nil)
			return
		}
		s.logger.Debug().Dur("max_age", s.config.RetentionMaxAge).Msg("Storage cleanup completed")
	}, s.scheduleSink())

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Relay listening")
	return nil
}

// Shutdown stops intake, disconnects every client (retiring rooms and
// persisting final snapshots through the usual empty-room path), then waits
// for the pumps up to the configured deadline and closes storage.
func (s *Server) Shutdown() error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("Initiating graceful shutdown")

	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if s.cleanupPump != nil {
		s.cleanupPump.Stop()
	}
	s.connLimiter.Stop()

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		s.disconnectClient(c, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
	}

	// Every room should have been retired by its last disconnect; sweep
	// whatever is left so no timer outlives the process.
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[string]*Room)
	s.mu.Unlock()
	for _, r := range rooms {
		monitoring.RoomClosed()
		r.Dispose()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All connection pumps drained")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn().
			Dur("timeout", s.config.ShutdownTimeout).
			Msg("Shutdown deadline reached with pumps still running")
	}

	if err := s.store.Close(); err != nil {
		s.errs.Handle(err, nil)
	}
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// RoomCount reports how many rooms are live in memory.
func (s *Server) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// ClientCount reports how many connections are live.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// roomByID looks a room up in the in-memory registry.
func (s *Server) roomByID(id string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[id]
}

// roomOfClient resolves the room a connection is currently joined to, or
// nil while it sits in the welcome state.
func (s *Server) roomOfClient(c *Client) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.clientRooms[c.connID]
	if !ok {
		return nil
	}
	return s.rooms[roomID]
}

// bindClientRoom records the client→room mapping after a successful join.
func (s *Server) bindClientRoom(c *Client, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientRooms[c.connID] = roomID
}

// registerRoom inserts a freshly built room, enforcing the process-wide
// room cap. The caller disposes the room if registration is refused.
func (s *Server) registerRoom(room *Room, rehydrated bool) error {
	s.mu.Lock()
	if len(s.rooms) >= s.config.MaxRooms {
		s.mu.Unlock()
		return protocol.New(protocol.CodeRoomFull, "server.register_room",
			fmt.Sprintf("server at room capacity (%d rooms)", s.config.MaxRooms)).
			With("roomId", room.ID())
	}
	if _, exists := s.rooms[room.ID()]; exists {
		s.mu.Unlock()
		return protocol.Internal("server.register_room", nil).
			With("roomId", room.ID()).
			With("detail", "room id already registered")
	}
	s.rooms[room.ID()] = room
	s.mu.Unlock()
	monitoring.RoomOpened(rehydrated)
	return nil
}

// rehydrateRoom rebuilds a room that exists in storage but not in memory.
// The room constructor loads the newest snapshot. When two joins race, the
// loser's room is disposed and the registered one wins.
func (s *Server) rehydrateRoom(roomID string) (*Room, error) {
	_, found, err := s.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, protocol.New(protocol.CodeRoomNotFound, "server.join_room",
			fmt.Sprintf("room %s does not exist", roomID)).With("roomId", roomID)
	}

	room := newRoom(roomID, s.config, s.codec, s.store, s.logger, s.errs)

	s.mu.Lock()
	if existing, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		room.Dispose()
		return existing, nil
	}
	if len(s.rooms) >= s.config.MaxRooms {
		s.mu.Unlock()
		room.Dispose()
		return nil, protocol.New(protocol.CodeRoomFull, "server.join_room",
			fmt.Sprintf("server at room capacity (%d rooms)", s.config.MaxRooms)).
			With("roomId", roomID)
	}
	s.rooms[roomID] = room
	s.mu.Unlock()
	monitoring.RoomOpened(true)

	s.logger.Info().
		Str("room_id", roomID).
		Bool("initialized", room.Initialized()).
		Msg("Room rehydrated from storage")
	return room, nil
}

// retireRoomIfEmpty removes a room with no clients from the registry and
// disposes it (its final snapshot included). A client that races into the
// room after the emptiness check is disconnected by Dispose.
func (s *Server) retireRoomIfEmpty(room *Room) {
	if room.ClientCount() > 0 {
		return
	}
	s.mu.Lock()
	if s.rooms[room.ID()] != room {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, room.ID())
	s.mu.Unlock()

	monitoring.RoomClosed()
	room.Dispose()
	s.logger.Info().Str("room_id", room.ID()).Msg("Empty room retired")
}

// advertisedRooms lists the in-memory rooms for the welcome frame.
func (s *Server) advertisedRooms() []protocol.RoomRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rooms) == 0 {
		return nil
	}
	refs := make([]protocol.RoomRef, 0, len(s.rooms))
	for id := range s.rooms {
		refs = append(refs, protocol.RoomRef{RoomID: id})
	}
	return refs
}

// isVersionCompatible is an exact match today; a future revision may widen
// it to a range.
func (s *Server) isVersionCompatible(v int) bool {
	return v == s.config.ProtocolVersion
}

// scheduleSink adapts the error handler to the scheduler's callback shape.
func (s *Server) scheduleSink() schedule.ErrorSink {
	return func(task string, err error) {
		s.errs.Handle(protocol.Internal("server."+task, err), map[string]any{"task": task})
	}
}

// newRoomID mints the 16-byte room token, rendered as lowercase hex.
// Knowledge of this string is the sole access credential for the room.
func newRoomID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", protocol.Internal("server.new_room_id", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
