package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphroom/relay/internal/monitoring"
	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/state"
)

// handleMessage parses one inbound frame and dispatches on its type. Every
// failure funnels through the central error handler; only client-visible
// ones are answered on the socket.
func (s *Server) handleMessage(c *Client, raw []byte) {
	frameType, err := protocol.PeekType(raw)
	if err != nil {
		s.reportError(c, err)
		return
	}

	switch frameType {
	case protocol.TypeCreateRoom:
		s.handleCreateRoom(c, raw)
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(c, raw)
	case protocol.TypeCommandBatch:
		s.handleCommandBatch(c, raw)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(c, raw)
	case protocol.TypeUploadState:
		s.handleUploadState(c, raw)
	default:
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.handle_message",
			fmt.Sprintf("unknown frame type %q", frameType)))
	}
}

// handleCreateRoom mints a room, admits the requester as its first
// (uploading) client, and persists the room row.
func (s *Server) handleCreateRoom(c *Client, raw []byte) {
	var req protocol.CreateRoom
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.create_room",
			"malformed create_room frame").WithCause(err))
		return
	}
	if err := s.checkVersion(req.ServerProtocolVersion, "server.create_room"); err != nil {
		s.reportError(c, err)
		return
	}
	if s.roomOfClient(c) != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.create_room",
			"client is already in a room").With("clientId", c.ID()))
		return
	}

	roomID, err := newRoomID()
	if err != nil {
		s.reportError(c, err)
		return
	}

	room := newRoom(roomID, s.config, s.codec, s.store, s.logger, s.errs)
	joined, err := room.AddClient(c, protocol.IntentUpload)
	if err != nil {
		room.Dispose()
		s.reportError(c, err)
		return
	}
	if err := s.registerRoom(room, false); err != nil {
		// Pull the creator back out before disposing so the refusal
		// reaches it as an error frame on a live connection.
		room.RemoveClient(c.ID())
		c.setIdentity("")
		room.Dispose()
		s.reportError(c, err)
		return
	}
	s.bindClientRoom(c, roomID)

	if err := s.store.UpsertRoom(roomID, time.Now()); err != nil {
		// The room works without its metadata row; the next snapshot or
		// cleanup pass surfaces persistent storage trouble anyway.
		s.errs.Handle(err, map[string]any{"roomId": roomID})
	}

	s.logger.Info().
		Str("room_id", roomID).
		Str("client_id", joined.ClientID).
		Msg("Room created")
	c.SendFrame(joined)
}

// handleJoinRoom admits the requester into an existing room, rehydrating it
// from the newest snapshot when it is not in memory.
func (s *Server) handleJoinRoom(c *Client, raw []byte) {
	var req protocol.JoinRoom
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.join_room",
			"malformed join_room frame").WithCause(err))
		return
	}
	if err := s.checkVersion(req.ServerProtocolVersion, "server.join_room"); err != nil {
		s.reportError(c, err.With("roomId", req.RoomID))
		return
	}
	if s.roomOfClient(c) != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.join_room",
			"client is already in a room").With("clientId", c.ID()))
		return
	}

	room := s.roomByID(req.RoomID)
	if room == nil {
		var err error
		room, err = s.rehydrateRoom(req.RoomID)
		if err != nil {
			s.reportError(c, err)
			return
		}
	}

	joined, err := room.AddClient(c, req.Intent)
	if err != nil {
		s.retireRoomIfEmpty(room)
		s.reportError(c, err)
		return
	}
	s.bindClientRoom(c, room.ID())
	c.SendFrame(joined)
}

// handleCommandBatch forwards a member's commands to its room. Batches from
// clients that never joined are dropped, mirroring the room's treatment of
// non-members.
func (s *Server) handleCommandBatch(c *Client, raw []byte) {
	var req protocol.CommandBatch
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.command_batch",
			"malformed command_batch frame").WithCause(err))
		return
	}
	room := s.roomOfClient(c)
	if room == nil {
		s.logger.Debug().
			Int64("conn_id", c.connID).
			Int("commands", len(req.Commands)).
			Msg("Dropping command batch from roomless client")
		return
	}
	room.HandleCommandBatch(c.ID(), req.Commands)
}

// handleHeartbeat refreshes the client's presence and watchdog, then folds
// its reported ID counter into the room's high-water mark.
func (s *Server) handleHeartbeat(c *Client, raw []byte) {
	var req protocol.Heartbeat
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.heartbeat",
			"malformed heartbeat frame").WithCause(err))
		return
	}
	monitoring.RecordHeartbeat()
	c.UpdateFromHeartbeat(&req)
	if room := s.roomOfClient(c); room != nil {
		room.HandleHeartbeat(c)
	}
}

// handleUploadState replaces the room's document with the uploaded one.
// The payload arrives as a compressed envelope; its version must match the
// server's before it touches the replica.
func (s *Server) handleUploadState(c *Client, raw []byte) {
	var req protocol.UploadState
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.upload_state",
			"malformed upload_state frame").WithCause(err))
		return
	}
	room := s.roomOfClient(c)
	if room == nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.upload_state",
			"upload_state before joining a room"))
		return
	}

	docJSON, err := s.codec.Decompress(req.StateData)
	if err != nil {
		s.reportError(c, err)
		return
	}
	var doc state.Document
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		s.reportError(c, protocol.New(protocol.CodeInvalidMessage, "server.upload_state",
			"state payload is not a document").With("roomId", room.ID()).WithCause(err))
		return
	}
	if !s.isVersionCompatible(doc.Version) {
		s.reportError(c, s.versionMismatch(doc.Version, "server.upload_state").
			With("roomId", room.ID()))
		return
	}

	room.SetRoomState(c.ID(), &doc)
}

// checkVersion guards create/join negotiation.
func (s *Server) checkVersion(clientVersion int, op string) *protocol.Error {
	if s.isVersionCompatible(clientVersion) {
		return nil
	}
	return s.versionMismatch(clientVersion, op)
}

func (s *Server) versionMismatch(clientVersion int, op string) *protocol.Error {
	return protocol.New(protocol.CodeVersionMismatch, op,
		fmt.Sprintf("client protocol version %d does not match server version %d",
			clientVersion, s.config.ProtocolVersion)).
		With("clientVersion", clientVersion).
		With("serverVersion", s.config.ProtocolVersion)
}

// reportError routes err through the central handler and answers on the
// socket when the failure is client visible.
func (s *Server) reportError(c *Client, err error) {
	frame := s.errs.Handle(err, map[string]any{"connId": c.connID})
	if frame != nil {
		c.SendFrame(frame)
	}
}
