package relay

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nsf/jsondiff"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/graphroom/relay/internal/config"
	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/state"
)

// testConfig returns defaults with every pump slowed to a crawl so tests
// stay deterministic; individual tests shorten what they exercise.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "relay.db")
	cfg.BufferInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Hour
	cfg.SnapshotInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	s, err := NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s
}

// addTestClient registers a connectionless client; its outbound frames pile
// up in the send channel where tests read them.
func addTestClient(t *testing.T, s *Server) *Client {
	t.Helper()
	connID := s.nextConnID.Add(1)
	c := newClient(s, connID, nil, "127.0.0.1")
	s.mu.Lock()
	s.clients[connID] = c
	s.mu.Unlock()
	return c
}

func recvRaw(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no frame within deadline")
		return nil
	}
}

// recvTyped reads frames until one of wantType arrives, skipping presence
// noise. An error frame when something else was wanted fails the test.
func recvTyped(t *testing.T, c *Client, wantType string) []byte {
	t.Helper()
	for {
		raw := recvRaw(t, c)
		typ, err := protocol.PeekType(raw)
		require.NoError(t, err)
		if typ == wantType {
			return raw
		}
		if typ == protocol.TypeError {
			require.FailNowf(t, "unexpected error frame", "wanted %s, got %s", wantType, raw)
		}
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		require.FailNowf(t, "unexpected frame", "%s", data)
	case <-time.After(80 * time.Millisecond):
	}
}

func requireErrorFrame(t *testing.T, c *Client, code protocol.Code) protocol.ErrorFrame {
	t.Helper()
	raw := recvRaw(t, c)
	var frame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, protocol.TypeError, frame.Type, "frame: %s", raw)
	require.Equal(t, code, frame.Code)
	return frame
}

func testDoc(t *testing.T, raw string) *state.Document {
	t.Helper()
	doc := &state.Document{}
	require.NoError(t, json.Unmarshal([]byte(raw), doc))
	return doc
}

const minimalDoc = `{
	"version": 1,
	"idGen": "10",
	"currentPageId": "p1",
	"pages": [{"id": "p1", "name": "Main", "nodes": {}, "edges": {}}]
}`

func requireSameDocument(t *testing.T, expected, actual []byte) {
	t.Helper()
	opts := jsondiff.DefaultConsoleOptions()
	mode, diffs := jsondiff.Compare(actual, expected, &opts)
	require.Equal(t, jsondiff.FullMatch, mode, "documents differ: %s", diffs)
}

func newTestRoom(t *testing.T, s *Server, id string) *Room {
	t.Helper()
	r := newRoom(id, s.config, s.codec, s.store, zerolog.Nop(), s.errs)
	t.Cleanup(r.Dispose)
	return r
}

func TestRoomMintsSequentialClientIDs(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	joined1, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	require.Equal(t, "u1", joined1.ClientID)
	require.Equal(t, "r1", joined1.RoomID)
	require.Nil(t, joined1.StateData, "uploaders get no state back")
	require.Equal(t, "u1", c1.ID())

	room.SetRoomState("u1", testDoc(t, minimalDoc))

	c2 := addTestClient(t, s)
	joined2, err := room.AddClient(c2, protocol.IntentDownload)
	require.NoError(t, err)
	require.Equal(t, "u2", joined2.ClientID)
	requireSameDocument(t, []byte(minimalDoc), joined2.StateData)

	require.Equal(t, 2, room.ClientCount())
}

func TestRoomClientNumbersNeverReused(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	joined, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	require.Equal(t, "u1", joined.ClientID)

	room.RemoveClient("u1")

	c2 := addTestClient(t, s)
	joined, err = room.AddClient(c2, protocol.IntentUpload)
	require.NoError(t, err)
	require.Equal(t, "u2", joined.ClientID, "identities of departed clients stay retired")
}

func TestRoomRefusesDownloadBeforeFirstUpload(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c := addTestClient(t, s)
	_, err := room.AddClient(c, protocol.IntentDownload)
	require.Equal(t, protocol.CodeStateNotInitialized, protocol.CodeOf(err))
	require.Equal(t, 0, room.ClientCount())
}

func TestRoomRefusesUnknownIntent(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c := addTestClient(t, s)
	_, err := room.AddClient(c, "spectate")
	require.Equal(t, protocol.CodeInvalidMessage, protocol.CodeOf(err))
}

func TestRoomCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxClientsPerRoom = 2
	s := newTestServer(t, cfg)
	room := newTestRoom(t, s, "r1")

	_, err := room.AddClient(addTestClient(t, s), protocol.IntentUpload)
	require.NoError(t, err)
	_, err = room.AddClient(addTestClient(t, s), protocol.IntentUpload)
	require.NoError(t, err)

	_, err = room.AddClient(addTestClient(t, s), protocol.IntentUpload)
	require.Equal(t, protocol.CodeRoomFull, protocol.CodeOf(err))
	require.Equal(t, 2, room.ClientCount())
}

func TestRoomDisposedRefusesJoins(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")
	room.Dispose()

	_, err := room.AddClient(addTestClient(t, s), protocol.IntentUpload)
	require.Equal(t, protocol.CodeRoomNotFound, protocol.CodeOf(err))
}

func TestRoomRelaysCommandsSortedToEveryone(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	room.SetRoomState("u1", testDoc(t, minimalDoc))

	c2 := addTestClient(t, s)
	_, err = room.AddClient(c2, protocol.IntentDownload)
	require.NoError(t, err)

	// Arrival order deliberately newest-first; the flush must invert it.
	room.HandleCommandBatch("u1", []protocol.Command{
		{Type: protocol.CmdObjectAdd, CommandID: "c2", ClientID: "u1", Timestamp: 2000,
			PageID: "p1", ObjectID: "n2", ObjectType: protocol.ObjectTypeNode, Data: json.RawMessage(`{"x":2}`)},
		{Type: protocol.CmdObjectAdd, CommandID: "c1", ClientID: "u1", Timestamp: 1000,
			PageID: "p1", ObjectID: "n1", ObjectType: protocol.ObjectTypeNode, Data: json.RawMessage(`{"x":1}`)},
	})

	for _, c := range []*Client{c1, c2} {
		raw := recvTyped(t, c, protocol.TypeCommandBatch)
		var batch protocol.CommandBatch
		require.NoError(t, json.Unmarshal(raw, &batch))
		require.Len(t, batch.Commands, 2)
		require.Equal(t, "c1", batch.Commands[0].CommandID)
		require.Equal(t, "c2", batch.Commands[1].CommandID)
	}
}

func TestRoomDropsBatchFromNonMember(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	room.SetRoomState("u1", testDoc(t, minimalDoc))

	room.HandleCommandBatch("u99", []protocol.Command{
		{Type: protocol.CmdPageDelete, CommandID: "c1", ClientID: "u99", Timestamp: 1, PageID: "p1"},
	})

	requireNoFrame(t, c1)
	raw, err := room.state.StateJSON()
	require.NoError(t, err)
	requireSameDocument(t, []byte(minimalDoc), raw)
}

func TestRoomReportsBatchFailureToSenderOnly(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	// Two uploaders join, but nobody has uploaded a document yet.
	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	c2 := addTestClient(t, s)
	_, err = room.AddClient(c2, protocol.IntentUpload)
	require.NoError(t, err)

	room.HandleCommandBatch("u1", []protocol.Command{
		{Type: protocol.CmdPageDelete, CommandID: "c1", ClientID: "u1", Timestamp: 1, PageID: "p1"},
	})

	requireErrorFrame(t, c1, protocol.CodeStateNotInitialized)
	requireNoFrame(t, c2)
}

func TestRoomHeartbeatSweepsPresence(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	s := newTestServer(t, cfg)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	room.SetRoomState("u1", testDoc(t, minimalDoc))

	c2 := addTestClient(t, s)
	_, err = room.AddClient(c2, protocol.IntentDownload)
	require.NoError(t, err)

	// u2 reports a cursor and a counter past the document's.
	c2.UpdateFromHeartbeat(&protocol.Heartbeat{
		Type:           protocol.TypeHeartbeat,
		Cursor:         protocol.Cursor{X: 3, Y: 4},
		LocalIDCounter: "25",
	})
	room.HandleHeartbeat(c2)

	// Early ticks may predate u2's report; wait for a sweep reflecting it.
	for _, c := range []*Client{c1, c2} {
		deadline := time.Now().Add(2 * time.Second)
		for {
			require.True(t, time.Now().Before(deadline), "no full presence sweep observed")
			raw := recvTyped(t, c, protocol.TypeHeartbeatResponse)
			var resp protocol.HeartbeatResponse
			require.NoError(t, json.Unmarshal(raw, &resp))
			if len(resp.Clients) < 2 || resp.HighestIDCounter != "25" {
				continue
			}
			require.Equal(t, "u1", resp.Clients[0].ClientID, "presence sorted by client id")
			require.Equal(t, "u2", resp.Clients[1].ClientID)
			require.Equal(t, protocol.Cursor{X: 3, Y: 4}, resp.Clients[1].Cursor)
			break
		}
	}
}

func TestRoomSnapshotRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	room := newTestRoom(t, s, "r1")
	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	room.SetRoomState("u1", testDoc(t, minimalDoc))

	// Mutate after the upload snapshot, then dispose: the final snapshot
	// must carry the mutation.
	room.HandleCommandBatch("u1", []protocol.Command{
		{Type: protocol.CmdObjectAdd, CommandID: "c1", ClientID: "u1", Timestamp: 1,
			PageID: "p1", ObjectID: "n1", ObjectType: protocol.ObjectTypeNode, Data: json.RawMessage(`{"x":1}`)},
	})
	recvTyped(t, c1, protocol.TypeCommandBatch)
	room.Dispose()

	revived := newTestRoom(t, s, "r1")
	require.True(t, revived.Initialized(), "snapshot must rehydrate the document")

	c2 := addTestClient(t, s)
	joined, err := revived.AddClient(c2, protocol.IntentDownload)
	require.NoError(t, err)

	restored := testDoc(t, string(joined.StateData))
	page := restored.FindPage("p1")
	require.NotNil(t, page)
	require.Contains(t, page.Nodes, "n1")
}

func TestRoomDisposeDisconnectsMembers(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)

	room.Dispose()
	require.True(t, c1.disconnected.Load())
	require.Equal(t, 0, room.ClientCount())

	// Idempotent.
	room.Dispose()
}

func TestRoomBroadcastExcludesOneClient(t *testing.T) {
	s := newTestServer(t, nil)
	room := newTestRoom(t, s, "r1")

	c1 := addTestClient(t, s)
	_, err := room.AddClient(c1, protocol.IntentUpload)
	require.NoError(t, err)
	c2 := addTestClient(t, s)
	_, err = room.AddClient(c2, protocol.IntentUpload)
	require.NoError(t, err)

	room.Broadcast(&protocol.ErrorFrame{Type: protocol.TypeError, Message: "x"}, "u1")

	requireNoFrame(t, c1)
	raw := recvRaw(t, c2)
	typ, err := protocol.PeekType(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, typ)
}
