// Package protocol defines the relay's wire contract: the JSON frames
// exchanged with clients, the command records applied to room replicas,
// the compressed payload envelope, and the closed error taxonomy.
package protocol

import "encoding/json"

// Frame type discriminators. Every frame carries one in its "type" field.
const (
	// Server → client
	TypeWelcome           = "welcome"
	TypeRoomJoined        = "room_joined"
	TypeCommandBatch      = "command_batch"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeStateSnapshot     = "state_snapshot"
	TypeError             = "error"

	// Client → server
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeHeartbeat   = "heartbeat"
	TypeUploadState = "upload_state"
)

// Join intents.
const (
	IntentDownload = "download"
	IntentUpload   = "upload"
)

// Command type discriminators.
const (
	CmdPageAdd      = "page.add"
	CmdPageDelete   = "page.delete"
	CmdPageModify   = "page.modify"
	CmdPageReorder  = "page.reorder"
	CmdObjectAdd    = "object.add"
	CmdObjectDelete = "object.delete"
	CmdObjectModify = "object.modify"
)

// Object types for object.* commands.
const (
	ObjectTypeNode = "node"
	ObjectTypeEdge = "edge"
)

// Cursor is a client pointer position, relayed verbatim in heartbeats.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command is a tagged document mutation. The envelope fields (CommandID,
// ClientID, Timestamp) are always present; the remaining fields depend on
// Type. Payloads stay opaque json.RawMessage end to end.
type Command struct {
	Type       string          `json:"type"`
	CommandID  string          `json:"commandId"`
	ClientID   string          `json:"clientId"`
	Timestamp  int64           `json:"timestamp"`
	PageID     string          `json:"pageId,omitempty"`
	ObjectID   string          `json:"objectId,omitempty"`
	ObjectType string          `json:"objectType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	PageOrder  []string        `json:"pageOrder,omitempty"`
}

// Envelope wraps a possibly compressed payload with its method tag.
// Used for upload_state.stateData and for snapshot blobs in storage.
// Data round-trips as base64 in JSON frames.
type Envelope struct {
	Method string `json:"method"`
	Data   []byte `json:"data"`
}

// MethodNone tags an Envelope whose Data is the raw UTF-8 JSON payload.
const MethodNone = "none"

// Welcome is sent once per connection, before any client request.
type Welcome struct {
	Type                  string    `json:"type"`
	ServerProtocolVersion int       `json:"serverProtocolVersion"`
	AvailableRooms        []RoomRef `json:"availableRooms,omitempty"`
}

// RoomRef advertises a room by id only. Deliberately open for expansion.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// RoomJoined acknowledges create_room and join_room. StateData carries the
// current document iff the join requested intent "download".
type RoomJoined struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	ClientID  string          `json:"clientId"`
	StateData json.RawMessage `json:"stateData,omitempty"`
}

// CommandBatch carries commands in both directions: client batches in,
// flushed room batches back out to every peer.
type CommandBatch struct {
	Type     string    `json:"type"`
	Commands []Command `json:"commands"`
}

// Heartbeat is the 1-Hz client presence signal.
type Heartbeat struct {
	Type           string `json:"type"`
	Cursor         Cursor `json:"cursor"`
	LocalIDCounter string `json:"localIdCounter"`
}

// HeartbeatResponse sweeps the room's presence back to every client.
// HighestIDCounter never decreases during a room's lifetime.
type HeartbeatResponse struct {
	Type             string          `json:"type"`
	Clients          []PresenceEntry `json:"clients"`
	HighestIDCounter string          `json:"highestIdCounter"`
}

// PresenceEntry is one client's presence within a heartbeat response.
type PresenceEntry struct {
	ClientID string `json:"clientId"`
	Cursor   Cursor `json:"cursor"`
}

// CreateRoom requests a fresh room; the requester becomes its first
// (uploading) client.
type CreateRoom struct {
	Type                  string `json:"type"`
	ServerProtocolVersion int    `json:"serverProtocolVersion"`
}

// JoinRoom requests membership in an existing room.
type JoinRoom struct {
	Type                  string `json:"type"`
	RoomID                string `json:"roomId"`
	ServerProtocolVersion int    `json:"serverProtocolVersion"`
	Intent                string `json:"intent"`
}

// UploadState replaces the room's document with the enclosed payload.
type UploadState struct {
	Type      string   `json:"type"`
	StateData Envelope `json:"stateData"`
}

// StateSnapshot is reserved for future incremental sync. The server defines
// but never sends it.
type StateSnapshot struct {
	Type      string          `json:"type"`
	StateData json.RawMessage `json:"stateData"`
}

// ErrorFrame reports a client-visible failure.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
}

// PeekType extracts the frame discriminator without decoding the payload.
func PeekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", New(CodeInvalidMessage, "parse_frame", "frame is not valid JSON").WithCause(err)
	}
	if head.Type == "" {
		return "", New(CodeInvalidMessage, "parse_frame", "frame has no type field")
	}
	return head.Type, nil
}
