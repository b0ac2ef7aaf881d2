// Package storage persists room metadata, document snapshots, and the
// command log in a local SQLite database.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	// Import for register side-effects.
	_ "github.com/mattn/go-sqlite3"

	"github.com/graphroom/relay/internal/protocol"
)

// snapshotRetention is how many snapshots per room Cleanup keeps.
const snapshotRetention = 3

// RoomRecord is one row of the rooms table. Timestamps are unix
// milliseconds.
type RoomRecord struct {
	RoomID      string
	CreatedAt   int64
	LastUpdated int64
}

// SnapshotRecord is one row of the room_states table.
type SnapshotRecord struct {
	RoomID    string
	Envelope  protocol.Envelope
	Timestamp int64
}

// Store wraps the SQLite handle. It is shared by all rooms; the single
// connection below serializes writers.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id      TEXT PRIMARY KEY,
	created_at   INTEGER NOT NULL,
	last_updated INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_last_updated ON rooms(last_updated);

CREATE TABLE IF NOT EXISTS room_states (
	room_id            TEXT NOT NULL,
	state_data         BLOB NOT NULL,
	compression_method TEXT NOT NULL,
	timestamp          INTEGER NOT NULL,
	PRIMARY KEY (room_id, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_room_states_room_ts ON room_states(room_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS commands (
	command_id   TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	command_type TEXT NOT NULL,
	payload      BLOB
);
CREATE INDEX IF NOT EXISTS idx_commands_room_ts ON commands(room_id, timestamp);
`

// Open opens (or creates) the database at path and bootstraps the schema.
// Bootstrap is idempotent; ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, protocol.Internal("storage.open", err).With("path", path)
	}
	// SQLite allows a single writer, and one shared connection also keeps
	// ":memory:" databases from splitting into one database per pool conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, protocol.Internal("storage.bootstrap", err).With("path", path)
	}
	return &Store{db: db, path: path}, nil
}

// Path reports the database location the store was opened with.
func (s *Store) Path() string { return s.path }

// Ping verifies the database is still reachable. Used by the health check.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return protocol.Internal("storage.ping", err).With("path", s.path)
	}
	return nil
}

// UpsertRoom inserts the room row or refreshes its last_updated stamp.
func (s *Store) UpsertRoom(roomID string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO rooms (room_id, created_at, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET last_updated = excluded.last_updated`,
		roomID, ms, ms)
	if err != nil {
		return protocol.Internal("storage.upsert_room", err).With("roomId", roomID)
	}
	return nil
}

// GetRoom fetches one room row. The second return is false on a miss.
func (s *Store) GetRoom(roomID string) (RoomRecord, bool, error) {
	var rec RoomRecord
	err := s.db.QueryRow(
		`SELECT room_id, created_at, last_updated FROM rooms WHERE room_id = ?`,
		roomID).Scan(&rec.RoomID, &rec.CreatedAt, &rec.LastUpdated)
	if err == sql.ErrNoRows {
		return RoomRecord{}, false, nil
	}
	if err != nil {
		return RoomRecord{}, false, protocol.Internal("storage.get_room", err).With("roomId", roomID)
	}
	return rec, true, nil
}

// ListRooms returns all room rows, most recently updated first.
func (s *Store) ListRooms() ([]RoomRecord, error) {
	rows, err := s.db.Query(
		`SELECT room_id, created_at, last_updated FROM rooms ORDER BY last_updated DESC`)
	if err != nil {
		return nil, protocol.Internal("storage.list_rooms", err)
	}
	defer rows.Close()

	var records []RoomRecord
	for rows.Next() {
		var rec RoomRecord
		if err := rows.Scan(&rec.RoomID, &rec.CreatedAt, &rec.LastUpdated); err != nil {
			return nil, protocol.Internal("storage.list_rooms", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, protocol.Internal("storage.list_rooms", err)
	}
	return records, nil
}

// SaveSnapshot persists one compressed document snapshot and refreshes the
// room's last_updated stamp in the same transaction.
func (s *Store) SaveSnapshot(roomID string, env protocol.Envelope, at time.Time) error {
	ms := at.UnixMilli()
	tx, err := s.db.Begin()
	if err != nil {
		return protocol.Internal("storage.save_snapshot", err).With("roomId", roomID)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO room_states (room_id, state_data, compression_method, timestamp)
		VALUES (?, ?, ?, ?)`,
		roomID, env.Data, env.Method, ms); err != nil {
		return protocol.Internal("storage.save_snapshot", err).With("roomId", roomID)
	}
	if _, err := tx.Exec(
		`UPDATE rooms SET last_updated = ? WHERE room_id = ?`, ms, roomID); err != nil {
		return protocol.Internal("storage.save_snapshot", err).With("roomId", roomID)
	}
	if err := tx.Commit(); err != nil {
		return protocol.Internal("storage.save_snapshot", err).With("roomId", roomID)
	}
	return nil
}

// LoadSnapshot fetches the newest snapshot for the room. The second return
// is false when the room has none.
func (s *Store) LoadSnapshot(roomID string) (SnapshotRecord, bool, error) {
	var rec SnapshotRecord
	err := s.db.QueryRow(`
		SELECT room_id, state_data, compression_method, timestamp
		FROM room_states WHERE room_id = ?
		ORDER BY timestamp DESC LIMIT 1`,
		roomID).Scan(&rec.RoomID, &rec.Envelope.Data, &rec.Envelope.Method, &rec.Timestamp)
	if err == sql.ErrNoRows {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, protocol.Internal("storage.load_snapshot", err).With("roomId", roomID)
	}
	return rec, true, nil
}

// SaveCommand appends one flushed command to the command log. Replays of
// the same commandId overwrite rather than duplicate.
func (s *Store) SaveCommand(roomID string, cmd protocol.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return protocol.Internal("storage.save_command", err).
			With("roomId", roomID).With("commandId", cmd.CommandID)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO commands (command_id, room_id, client_id, timestamp, command_type, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cmd.CommandID, roomID, cmd.ClientID, cmd.Timestamp, cmd.Type, payload)
	if err != nil {
		return protocol.Internal("storage.save_command", err).
			With("roomId", roomID).With("commandId", cmd.CommandID)
	}
	return nil
}

// Cleanup deletes commands older than maxAge and trims each room's
// snapshots down to the newest three.
func (s *Store) Cleanup(maxAge time.Duration, now time.Time) error {
	cutoff := now.Add(-maxAge).UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return protocol.Internal("storage.cleanup", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM commands WHERE timestamp < ?`, cutoff); err != nil {
		return protocol.Internal("storage.cleanup", err).With("table", "commands")
	}
	// A snapshot with snapshotRetention or more newer siblings is pruned.
	if _, err := tx.Exec(`
		DELETE FROM room_states AS rs WHERE (
			SELECT COUNT(*) FROM room_states rs2
			WHERE rs2.room_id = rs.room_id AND rs2.timestamp > rs.timestamp
		) >= ?`, snapshotRetention); err != nil {
		return protocol.Internal("storage.cleanup", err).With("table", "room_states")
	}
	if err := tx.Commit(); err != nil {
		return protocol.Internal("storage.cleanup", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return protocol.Internal("storage.close", err).With("path", s.path)
	}
	return nil
}
