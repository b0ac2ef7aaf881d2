package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/graphroom/relay/internal/compress"
	"github.com/graphroom/relay/internal/config"
	"github.com/graphroom/relay/internal/monitoring"
	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/schedule"
	"github.com/graphroom/relay/internal/state"
	"github.com/graphroom/relay/internal/storage"
)

// Room is one collaborative session: an authoritative document, the set of
// connected clients, a command buffer pacing relay traffic, and two pumps
// (presence every heartbeat interval, snapshots every snapshot interval).
// The room mutex guards membership only; document state and the buffer
// carry their own locks so command application never blocks joins.
type Room struct {
	id     string
	config *config.Config
	codec  *compress.Codec
	store  *storage.Store
	state  *state.RoomState
	buffer *CommandBuffer
	logger zerolog.Logger
	errs   *protocol.Handler

	snapshotPump  *schedule.Task
	heartbeatPump *schedule.Task

	mu               sync.Mutex
	clients          map[string]*Client
	nextClientNumber int
	disposed         bool
}

// newRoom builds a room, restores the latest persisted snapshot if one
// exists, and starts both pumps.
func newRoom(id string, cfg *config.Config, codec *compress.Codec, store *storage.Store, logger zerolog.Logger, errs *protocol.Handler) *Room {
	r := &Room{
		id:      id,
		config:  cfg,
		codec:   codec,
		store:   store,
		state:   state.NewRoomState(),
		clients: make(map[string]*Client),
		logger:  logger.With().Str("room_id", id).Logger(),
		errs:    errs,
	}
	sink := func(task string, err error) {
		errs.Handle(protocol.Internal("room."+task, err).With("roomId", id), nil)
	}
	r.buffer = NewCommandBuffer(cfg.BufferInterval, cfg.MaxCommandBatchSize, r.handleCommandFlush, sink)
	r.restoreFromSnapshot()
	r.snapshotPump = schedule.Interval("room_snapshot", cfg.SnapshotInterval, r.writeSnapshot, sink)
	r.heartbeatPump = schedule.Interval("room_heartbeat", cfg.HeartbeatInterval, r.heartbeatTick, sink)
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// ClientCount reports current occupancy.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Initialized reports whether the room holds a document yet.
func (r *Room) Initialized() bool {
	return r.state.Initialized()
}

// AddClient admits a connection, mints its room-scoped identity and builds
// the room_joined frame. Downloaders get the current document; the join is
// refused when the room is full, when a downloader arrives before any
// state exists, or when the intent is unknown.
func (r *Room) AddClient(c *Client, intent string) (*protocol.RoomJoined, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, protocol.New(protocol.CodeRoomNotFound, "room.add_client",
			fmt.Sprintf("room %s is gone", r.id)).With("roomId", r.id)
	}
	if len(r.clients) >= r.config.MaxClientsPerRoom {
		r.mu.Unlock()
		return nil, protocol.New(protocol.CodeRoomFull, "room.add_client",
			fmt.Sprintf("room %s is at capacity (%d clients)", r.id, r.config.MaxClientsPerRoom)).With("roomId", r.id)
	}
	switch intent {
	case protocol.IntentDownload:
		if !r.state.CanGetState() {
			r.mu.Unlock()
			return nil, protocol.New(protocol.CodeStateNotInitialized, "room.add_client",
				fmt.Sprintf("room %s has no state to download yet", r.id)).With("roomId", r.id)
		}
	case protocol.IntentUpload:
		if !r.state.CanSetState() {
			r.mu.Unlock()
			return nil, protocol.New(protocol.CodeUploadNotAuthorized, "room.add_client",
				fmt.Sprintf("room %s does not accept uploads", r.id)).With("roomId", r.id)
		}
	default:
		r.mu.Unlock()
		return nil, protocol.New(protocol.CodeInvalidMessage, "room.add_client",
			fmt.Sprintf("unknown join intent %q", intent))
	}

	r.nextClientNumber++
	wireID := fmt.Sprintf("u%d", r.nextClientNumber)
	c.setIdentity(wireID)
	r.clients[wireID] = c
	occupancy := len(r.clients)
	r.mu.Unlock()

	joined := &protocol.RoomJoined{
		Type:     protocol.TypeRoomJoined,
		RoomID:   r.id,
		ClientID: wireID,
	}
	if intent == protocol.IntentDownload {
		raw, err := r.state.StateJSON()
		if err != nil {
			r.RemoveClient(wireID)
			c.setIdentity("")
			return nil, err
		}
		joined.StateData = raw
	}

	monitoring.ObserveRoomOccupancy(occupancy)
	r.logger.Info().
		Str("client_id", wireID).
		Str("intent", intent).
		Int("clients", occupancy).
		Msg("Client joined room")
	return joined, nil
}

// RemoveClient drops a member and returns the remaining occupancy. The
// server decides what an empty room means.
func (r *Room) RemoveClient(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return len(r.clients)
	}
	delete(r.clients, id)
	remaining := len(r.clients)
	monitoring.ObserveRoomOccupancy(remaining)
	r.logger.Info().
		Str("client_id", id).
		Int("clients", remaining).
		Msg("Client left room")
	return remaining
}

// HandleCommandBatch applies a member's commands to the document and, on
// success, buffers them for relay. Batches from non-members are dropped
// silently; application failures go back to the originator only.
func (r *Room) HandleCommandBatch(clientID string, cmds []protocol.Command) {
	r.mu.Lock()
	sender, member := r.clients[clientID]
	r.mu.Unlock()
	if !member {
		r.logger.Debug().
			Str("client_id", clientID).
			Int("commands", len(cmds)).
			Msg("Dropping command batch from non-member")
		return
	}
	if len(cmds) == 0 {
		return
	}
	if err := r.state.ApplyCommands(cmds); err != nil {
		if frame := r.errs.Handle(err, map[string]any{"roomId": r.id, "clientId": clientID}); frame != nil {
			sender.SendFrame(frame)
		}
		return
	}
	monitoring.RecordCommandsApplied(len(cmds))
	r.buffer.AddBatch(cmds)
}

// HandleHeartbeat folds the client's reported id counter into the shared
// document counter.
func (r *Room) HandleHeartbeat(c *Client) {
	r.state.UpdateIDCounter(c.IDCounter())
}

// SetRoomState replaces the document wholesale and persists immediately so
// an upload survives a crash even before the first snapshot tick.
func (r *Room) SetRoomState(clientID string, doc *state.Document) {
	r.state.SetState(doc)
	r.logger.Info().
		Str("client_id", clientID).
		Int("pages", len(doc.Pages)).
		Msg("Room state replaced by upload")
	r.writeSnapshot()
}

// Broadcast serializes a frame once and fans it out to every member except
// excludeID ("" excludes nobody).
func (r *Room) Broadcast(frame any, excludeID string) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.errs.Handle(protocol.Internal("room.broadcast", err).With("roomId", r.id), nil)
		return
	}
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.sendRaw(data)
	}
}

// Dispose stops the pumps, drops buffered commands, persists a final
// snapshot if the document changed since the last one, and disconnects
// anyone still attached. Safe to call more than once.
func (r *Room) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	remaining := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		remaining = append(remaining, c)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	r.heartbeatPump.Stop()
	r.snapshotPump.Stop()
	r.buffer.Dispose()
	r.writeSnapshot()

	for _, c := range remaining {
		c.server.disconnectClient(c, monitoring.DisconnectReasonRoomDisposed, monitoring.DisconnectInitiatedByServer)
	}
	r.logger.Info().
		Int("disconnected", len(remaining)).
		Msg("Room disposed")
}

// handleCommandFlush relays a sorted batch to every member, the originator
// included, so all replicas observe the same order. With the command log
// enabled each command is also appended to storage.
func (r *Room) handleCommandFlush(cmds []protocol.Command) {
	batch := &protocol.CommandBatch{Type: protocol.TypeCommandBatch, Commands: cmds}
	r.Broadcast(batch, "")
	monitoring.RecordFlush(len(cmds))
	if !r.config.CommandLog {
		return
	}
	for _, cmd := range cmds {
		if err := r.store.SaveCommand(r.id, cmd); err != nil {
			r.errs.Handle(err, map[string]any{"roomId": r.id, "commandId": cmd.CommandID})
			return
		}
	}
}

// heartbeatTick broadcasts presence (every member's cursor) plus the
// highest id counter observed so far.
func (r *Room) heartbeatTick() {
	r.mu.Lock()
	entries := make([]protocol.PresenceEntry, 0, len(r.clients))
	for _, c := range r.clients {
		entries = append(entries, c.presence())
	}
	r.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	resp := &protocol.HeartbeatResponse{
		Type:             protocol.TypeHeartbeatResponse,
		Clients:          entries,
		HighestIDCounter: r.state.IDCounter(),
	}
	r.Broadcast(resp, "")
}

// writeSnapshot persists the document if it changed since the last write.
// Failures are reported and the write is retried on a later tick once new
// mutations mark the document dirty again.
func (r *Room) writeSnapshot() {
	raw, changed, err := r.state.ConsumeChanges()
	if err != nil {
		r.errs.Handle(err, map[string]any{"roomId": r.id})
		return
	}
	if !changed {
		return
	}
	env, err := r.codec.CompressRaw(raw)
	if err != nil {
		r.errs.Handle(err, map[string]any{"roomId": r.id})
		return
	}
	if err := r.store.SaveSnapshot(r.id, env, time.Now()); err != nil {
		r.errs.Handle(err, map[string]any{"roomId": r.id})
		return
	}
	monitoring.RecordSnapshotSaved(len(env.Data))
	r.logger.Debug().
		Int("bytes", len(env.Data)).
		Str("compression", env.Method).
		Int("clients", r.ClientCount()).
		Msg("Snapshot persisted")
}

// restoreFromSnapshot rehydrates the document from the newest persisted
// snapshot, if any. Corrupt snapshots are reported and the room starts
// uninitialized, awaiting a fresh upload.
func (r *Room) restoreFromSnapshot() {
	rec, ok, err := r.store.LoadSnapshot(r.id)
	if err != nil {
		r.errs.Handle(err, map[string]any{"roomId": r.id})
		return
	}
	if !ok {
		return
	}
	raw, err := r.codec.Decompress(rec.Envelope)
	if err != nil {
		r.errs.Handle(err, map[string]any{"roomId": r.id})
		return
	}
	var doc state.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.errs.Handle(protocol.Internal("room.restore", err).With("roomId", r.id), nil)
		return
	}
	r.state.SetState(&doc)
	r.logger.Info().
		Int("pages", len(doc.Pages)).
		Int64("snapshot_ts", rec.Timestamp).
		Msg("Room state restored from snapshot")
}
