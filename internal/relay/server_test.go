package relay

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/state"
)

// wsClient drives one relay connection from the outside, the way a browser
// client would.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// dialRelay connects to a mounted relay handler and consumes the mandatory
// welcome frame.
func dialRelay(t *testing.T, httpURL string) (*wsClient, protocol.Welcome) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	var welcome protocol.Welcome
	require.NoError(t, json.Unmarshal(c.recv(), &welcome))
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	return c, welcome
}

func (c *wsClient) send(frame any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

func (c *wsClient) recv() []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return data
}

// recvType reads frames until one of wantType arrives, skipping presence
// sweeps and other interleaved traffic. An error frame fails the test.
func (c *wsClient) recvType(wantType string) []byte {
	c.t.Helper()
	for {
		raw := c.recv()
		typ, err := protocol.PeekType(raw)
		require.NoError(c.t, err)
		if typ == wantType {
			return raw
		}
		if typ == protocol.TypeError {
			require.FailNowf(c.t, "unexpected error frame", "wanted %s, got %s", wantType, raw)
		}
	}
}

// expectError reads until an error frame arrives and checks its code.
func (c *wsClient) expectError(code protocol.Code) {
	c.t.Helper()
	for {
		raw := c.recv()
		typ, err := protocol.PeekType(raw)
		require.NoError(c.t, err)
		if typ != protocol.TypeError {
			continue
		}
		var frame protocol.ErrorFrame
		require.NoError(c.t, json.Unmarshal(raw, &frame))
		require.Equal(c.t, code, frame.Code, "frame: %s", raw)
		return
	}
}

func (c *wsClient) createRoom(version int) protocol.RoomJoined {
	c.t.Helper()
	c.send(protocol.CreateRoom{Type: protocol.TypeCreateRoom, ServerProtocolVersion: version})
	var joined protocol.RoomJoined
	require.NoError(c.t, json.Unmarshal(c.recvType(protocol.TypeRoomJoined), &joined))
	return joined
}

func (c *wsClient) joinRoom(roomID, intent string) protocol.RoomJoined {
	c.t.Helper()
	c.send(protocol.JoinRoom{
		Type: protocol.TypeJoinRoom, RoomID: roomID,
		ServerProtocolVersion: 1, Intent: intent,
	})
	var joined protocol.RoomJoined
	require.NoError(c.t, json.Unmarshal(c.recvType(protocol.TypeRoomJoined), &joined))
	return joined
}

// collectCommands reads command_batch frames until n commands have arrived.
func (c *wsClient) collectCommands(n int) []protocol.Command {
	c.t.Helper()
	var got []protocol.Command
	for len(got) < n {
		var batch protocol.CommandBatch
		require.NoError(c.t, json.Unmarshal(c.recvType(protocol.TypeCommandBatch), &batch))
		got = append(got, batch.Commands...)
	}
	return got
}

// awaitClose drains the connection until the server closes it; still being
// open at the deadline fails the test.
func (c *wsClient) awaitClose(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				require.FailNow(c.t, "connection still open past deadline")
			}
			return
		}
	}
}

// plainState wraps a document in an uncompressed upload frame.
func plainState(doc string) protocol.UploadState {
	return protocol.UploadState{
		Type:      protocol.TypeUploadState,
		StateData: protocol.Envelope{Method: protocol.MethodNone, Data: []byte(doc)},
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "condition not met within deadline")
}

// waitInitialized blocks until the room has accepted its first upload.
// Uploads are not acknowledged, so tests sync on the server registry.
func waitInitialized(t *testing.T, s *Server, roomID string) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool {
		room := s.roomByID(roomID)
		return room != nil && room.Initialized()
	})
}

func TestEndToEndConvergence(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompressionThreshold = 1 // every upload crosses the wire compressed
	s := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a, _ := dialRelay(t, ts.URL)
	created := a.createRoom(1)
	require.Equal(t, "u1", created.ClientID)
	env, err := s.codec.CompressRaw([]byte(minimalDoc))
	require.NoError(t, err)
	a.send(protocol.UploadState{Type: protocol.TypeUploadState, StateData: env})
	waitInitialized(t, s, created.RoomID)

	b, _ := dialRelay(t, ts.URL)
	joined := b.joinRoom(created.RoomID, protocol.IntentDownload)
	require.Equal(t, "u2", joined.ClientID)
	requireSameDocument(t, []byte(minimalDoc), joined.StateData)

	a.send(protocol.CommandBatch{Type: protocol.TypeCommandBatch, Commands: []protocol.Command{{
		Type: protocol.CmdObjectAdd, CommandID: "a-1", ClientID: "u1", Timestamp: 1000,
		PageID: "p1", ObjectID: "n1", ObjectType: protocol.ObjectTypeNode,
		Data: json.RawMessage(`{"shape": "box"}`),
	}}})
	b.send(protocol.CommandBatch{Type: protocol.TypeCommandBatch, Commands: []protocol.Command{{
		Type: protocol.CmdPageAdd, CommandID: "b-1", ClientID: "u2", Timestamp: 900,
		PageID: "p2", Data: json.RawMessage(`{"id": "p2", "name": "Second", "nodes": {}, "edges": {}}`),
	}}})

	// Every member, the originators included, receives both commands.
	for _, peer := range []*wsClient{a, b} {
		seen := map[string]bool{}
		for _, cmd := range peer.collectCommands(2) {
			seen[cmd.CommandID] = true
		}
		require.True(t, seen["a-1"], "object.add reaches every client")
		require.True(t, seen["b-1"], "page.add reaches every client")
	}

	// A late download reflects both mutations.
	late, _ := dialRelay(t, ts.URL)
	final := late.joinRoom(created.RoomID, protocol.IntentDownload)
	doc := testDoc(t, string(final.StateData))
	require.NotNil(t, doc.FindPage("p2"))
	page := doc.FindPage("p1")
	require.NotNil(t, page)
	require.Contains(t, page.Nodes, "n1")
}

func TestEndToEndLastWriteWins(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	const doc = `{
		"version": 1,
		"idGen": "5",
		"currentPageId": "p1",
		"pages": [{"id": "p1", "nodes": {"n1": {"x": 0}}, "edges": {}}]
	}`

	a, _ := dialRelay(t, ts.URL)
	created := a.createRoom(1)
	a.send(plainState(doc))
	waitInitialized(t, s, created.RoomID)

	b, _ := dialRelay(t, ts.URL)
	joined := b.joinRoom(created.RoomID, protocol.IntentDownload)

	// One batch, deliberately newest-first. The broadcast comes back sorted
	// by timestamp, so replicas applying it in order land on the newer write.
	a.send(protocol.CommandBatch{Type: protocol.TypeCommandBatch, Commands: []protocol.Command{
		{
			Type: protocol.CmdObjectModify, CommandID: "mod-late", ClientID: "u1", Timestamp: 2001,
			PageID: "p1", ObjectID: "n1", ObjectType: protocol.ObjectTypeNode,
			Data: json.RawMessage(`{"x": 2}`),
		},
		{
			Type: protocol.CmdObjectModify, CommandID: "mod-early", ClientID: "u1", Timestamp: 2000,
			PageID: "p1", ObjectID: "n1", ObjectType: protocol.ObjectTypeNode,
			Data: json.RawMessage(`{"x": 1}`),
		},
	}})

	cmds := b.collectCommands(2)
	require.Equal(t, "mod-early", cmds[0].CommandID)
	require.Equal(t, "mod-late", cmds[1].CommandID)

	// Replay the broadcast on a local replica seeded from the download.
	replica := state.NewRoomState()
	replica.SetState(testDoc(t, string(joined.StateData)))
	require.NoError(t, replica.ApplyCommands(cmds))
	replicaJSON, err := replica.StateJSON()
	require.NoError(t, err)
	page := testDoc(t, string(replicaJSON)).FindPage("p1")
	require.NotNil(t, page)
	require.JSONEq(t, `{"x": 2}`, string(page.Nodes["n1"]))
}

func TestEndToEndHeartbeatTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	s := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a, _ := dialRelay(t, ts.URL)
	created := a.createRoom(1)
	a.send(plainState(minimalDoc))

	// A keeps itself alive from here on; the main goroutine only reads.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				beat := protocol.Heartbeat{
					Type:           protocol.TypeHeartbeat,
					Cursor:         protocol.Cursor{X: 1, Y: 2},
					LocalIDCounter: "12",
				}
				if err := a.conn.WriteJSON(beat); err != nil {
					return
				}
			}
		}
	}()
	waitInitialized(t, s, created.RoomID)

	b, _ := dialRelay(t, ts.URL)
	b.joinRoom(created.RoomID, protocol.IntentDownload)

	// B never heartbeats and is dropped by the watchdog.
	b.awaitClose(2 * time.Second)

	// A watches the presence sweep shrink to itself.
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "presence never shrank to one client")
		var sweep protocol.HeartbeatResponse
		require.NoError(t, json.Unmarshal(a.recvType(protocol.TypeHeartbeatResponse), &sweep))
		if len(sweep.Clients) != 1 {
			continue
		}
		require.Equal(t, "u1", sweep.Clients[0].ClientID)
		require.Equal(t, protocol.Cursor{X: 1, Y: 2}, sweep.Clients[0].Cursor)
		require.Equal(t, "12", sweep.HighestIDCounter)
		return
	}
}

func TestEndToEndSnapshotPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")

	cfg1 := testConfig(t)
	cfg1.DatabasePath = dbPath
	s1 := newTestServer(t, cfg1)
	ts1 := httptest.NewServer(s1.Handler())

	a, _ := dialRelay(t, ts1.URL)
	created := a.createRoom(1)
	a.send(plainState(minimalDoc))
	a.send(protocol.CommandBatch{Type: protocol.TypeCommandBatch, Commands: []protocol.Command{{
		Type: protocol.CmdObjectAdd, CommandID: "a-1", ClientID: "u1", Timestamp: 500,
		PageID: "p1", ObjectID: "n9", ObjectType: protocol.ObjectTypeNode,
		Data: json.RawMessage(`{"shape": "diamond"}`),
	}}})
	a.collectCommands(1) // flushed, therefore applied

	// Last client leaves; the retired room writes its final snapshot.
	require.NoError(t, a.conn.Close())
	waitUntil(t, 2*time.Second, func() bool { return s1.RoomCount() == 0 })
	ts1.Close()
	require.NoError(t, s1.Shutdown())

	// A different process (fresh server, same database) serves the room.
	cfg2 := testConfig(t)
	cfg2.DatabasePath = dbPath
	s2 := newTestServer(t, cfg2)
	ts2 := httptest.NewServer(s2.Handler())
	defer ts2.Close()

	b, welcome := dialRelay(t, ts2.URL)
	require.Empty(t, welcome.AvailableRooms, "nothing in memory before the join")
	joined := b.joinRoom(created.RoomID, protocol.IntentDownload)
	doc := testDoc(t, string(joined.StateData))
	page := doc.FindPage("p1")
	require.NotNil(t, page)
	require.Contains(t, page.Nodes, "n9")
	require.JSONEq(t, `{"shape": "diamond"}`, string(page.Nodes["n9"]))
}

func TestEndToEndVersionMismatch(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a, _ := dialRelay(t, ts.URL)
	a.send(protocol.CreateRoom{Type: protocol.TypeCreateRoom, ServerProtocolVersion: 99})
	a.expectError(protocol.CodeVersionMismatch)

	// The refusal is an error frame, not a disconnect.
	created := a.createRoom(1)
	require.NotEmpty(t, created.RoomID)
}

func TestEndToEndRoomFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxClientsPerRoom = 2
	s := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a, _ := dialRelay(t, ts.URL)
	created := a.createRoom(1)
	a.send(plainState(minimalDoc))
	waitInitialized(t, s, created.RoomID)

	b, _ := dialRelay(t, ts.URL)
	b.joinRoom(created.RoomID, protocol.IntentDownload)

	c, welcome := dialRelay(t, ts.URL)
	require.Equal(t, []protocol.RoomRef{{RoomID: created.RoomID}}, welcome.AvailableRooms)
	c.send(protocol.JoinRoom{
		Type: protocol.TypeJoinRoom, RoomID: created.RoomID,
		ServerProtocolVersion: 1, Intent: protocol.IntentDownload,
	})
	c.expectError(protocol.CodeRoomFull)
	require.Equal(t, 3, s.ClientCount(), "a refused join keeps its connection")

	// A seat frees up; the retry succeeds and numbering continues.
	require.NoError(t, b.conn.Close())
	waitUntil(t, 2*time.Second, func() bool {
		room := s.roomByID(created.RoomID)
		return room != nil && room.ClientCount() == 1
	})
	joined := c.joinRoom(created.RoomID, protocol.IntentDownload)
	require.Equal(t, "u3", joined.ClientID)
}

func TestEndToEndShutdownClosesClients(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a, _ := dialRelay(t, ts.URL)
	a.createRoom(1)
	require.NoError(t, s.Shutdown())
	a.awaitClose(2 * time.Second)
	require.Equal(t, 0, s.ClientCount())
}

func TestEndToEndConnectionCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	s := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	dialRelay(t, ts.URL) // holds the only slot

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEndToEndRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnIPRate = 0.001
	cfg.ConnIPBurst = 1
	s := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	dialRelay(t, ts.URL) // spends the single token

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status  string `json:"status"`
		Healthy bool   `json:"healthy"`
		Checks  struct {
			Database struct {
				Healthy bool `json:"healthy"`
			} `json:"database"`
			Capacity struct {
				Current int `json:"current"`
				Max     int `json:"max"`
			} `json:"capacity"`
			Rooms struct {
				Current   int `json:"current"`
				Persisted int `json:"persisted"`
			} `json:"rooms"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.True(t, health.Healthy)
	require.True(t, health.Checks.Database.Healthy)
	require.Equal(t, s.config.MaxConnections, health.Checks.Capacity.Max)
	require.Zero(t, health.Checks.Rooms.Current)
	require.Zero(t, health.Checks.Rooms.Persisted)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "relay_connections_total")
}
