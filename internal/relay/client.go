package relay

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphroom/relay/internal/monitoring"
	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/schedule"
)

const (
	// sendBufferSize bounds the per-client outbound queue. Presence frames
	// are small and command batches are capped, so a modest buffer absorbs
	// bursts without letting one slow reader pin room memory.
	sendBufferSize = 256

	// maxSendAttempts is how many consecutive full-buffer drops a client
	// survives before the server disconnects it as too slow.
	maxSendAttempts = 3

	// writeWait caps a single frame write on the socket.
	writeWait = 10 * time.Second

	// pingPeriod paces transport-level keepalive pings. Application
	// heartbeats run much faster; these only keep middleboxes from
	// reaping idle sockets.
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection. Identity comes in two layers: connID
// is process-unique and keys the server registries; id is the room-scoped
// wire identity ("u1", "u2", ...) minted when the client joins a room and
// empty before that.
type Client struct {
	connID      int64
	server      *Server
	conn        net.Conn
	remoteAddr  string
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time

	open         atomic.Bool
	disconnected atomic.Bool
	sendAttempts atomic.Int32
	closeOnce    sync.Once
	connOnce     sync.Once

	mu               sync.Mutex
	id               string
	cursor           protocol.Cursor
	idCounter        string
	lastHeartbeat    time.Time
	missedHeartbeats int
	watchdog         *schedule.Timer
}

// newClient wraps an upgraded connection and arms the heartbeat watchdog,
// so even a client that never joins a room is reaped once it goes quiet.
func newClient(s *Server, connID int64, conn net.Conn, remoteAddr string) *Client {
	c := &Client{
		connID:      connID,
		server:      s,
		conn:        conn,
		remoteAddr:  remoteAddr,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.open.Store(true)
	c.lastHeartbeat = c.connectedAt
	c.watchdog = schedule.NewTimer("heartbeat_watchdog", s.config.HeartbeatTimeout, c.watchdogFire, func(task string, err error) {
		s.errs.Handle(err, map[string]any{"task": task, "connId": connID})
	})
	return c
}

// ID returns the room-scoped wire identity, or "" before a join.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) setIdentity(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// IDCounter returns the highest id counter the client has reported.
func (c *Client) IDCounter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idCounter
}

func (c *Client) presence() protocol.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.PresenceEntry{ClientID: c.id, Cursor: c.cursor}
}

// UpdateFromHeartbeat records cursor and id counter state and rearms the
// watchdog, clearing the missed-beat count.
func (c *Client) UpdateFromHeartbeat(hb *protocol.Heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = hb.Cursor
	c.idCounter = hb.LocalIDCounter
	c.lastHeartbeat = time.Now()
	c.missedHeartbeats = 0
	if c.watchdog != nil {
		c.watchdog.Reset(c.server.config.HeartbeatTimeout)
	}
}

// watchdogFire runs every time a full heartbeat window passes without a
// beat. Below the miss threshold it rearms; at the threshold it tears the
// connection down.
func (c *Client) watchdogFire() {
	c.mu.Lock()
	c.missedHeartbeats++
	missed := c.missedHeartbeats
	c.mu.Unlock()

	if missed < c.server.config.MaxMissedHeartbeats {
		c.mu.Lock()
		if c.watchdog != nil {
			c.watchdog.Reset(c.server.config.HeartbeatTimeout)
		}
		c.mu.Unlock()
		return
	}

	monitoring.RecordHeartbeatTimeout()
	c.server.errs.Handle(
		protocol.New(protocol.CodeTimeout, "client.watchdog", "client stopped sending heartbeats").
			With("connId", c.connID).
			With("clientId", c.ID()).
			With("missedHeartbeats", missed),
		nil)
	c.server.disconnectClient(c, monitoring.DisconnectReasonHeartbeatTimeout, monitoring.DisconnectInitiatedByServer)
}

func (c *Client) stopWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
}

// SendFrame marshals and enqueues a frame for the write pump. Frames for
// closed clients are dropped.
func (c *Client) SendFrame(frame any) {
	if !c.open.Load() {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.errs.Handle(protocol.Internal("client.send", err), map[string]any{
			"connId":   c.connID,
			"clientId": c.ID(),
		})
		return
	}
	c.sendRaw(data)
}

// sendRaw enqueues pre-serialized bytes without blocking. A client whose
// buffer stays full for maxSendAttempts consecutive frames is disconnected
// rather than allowed to stall the room.
func (c *Client) sendRaw(data []byte) {
	if !c.open.Load() {
		return
	}
	select {
	case c.send <- data:
		c.sendAttempts.Store(0)
	default:
		attempts := c.sendAttempts.Add(1)
		if attempts >= maxSendAttempts {
			c.server.logger.Warn().
				Int64("conn_id", c.connID).
				Str("client_id", c.ID()).
				Int32("attempts", attempts).
				Msg("Send buffer full, disconnecting slow client")
			go c.server.disconnectClient(c, monitoring.DisconnectReasonSendBufferFull, monitoring.DisconnectInitiatedByServer)
			return
		}
		c.server.logger.Debug().
			Int64("conn_id", c.connID).
			Str("client_id", c.ID()).
			Int32("attempts", attempts).
			Msg("Send buffer full, dropping frame")
	}
}

// markDisconnected flips the client into the disconnected state exactly
// once; the caller that wins runs the teardown.
func (c *Client) markDisconnected() bool {
	return c.disconnected.CompareAndSwap(false, true)
}

// signalClose tells the write pump to finish. The send channel itself is
// never closed, so racing enqueues can never panic; leftover frames are
// simply abandoned with the client.
func (c *Client) signalClose() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// closeConn closes the underlying socket. Safe for clients that never had
// one (room unit tests) and for racing callers.
func (c *Client) closeConn() {
	c.connOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
