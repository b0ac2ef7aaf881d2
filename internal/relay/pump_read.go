package relay

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/graphroom/relay/internal/monitoring"
)

// pongWait is the transport-level read deadline. Application heartbeats
// arrive every second while a client is healthy, so this only catches
// half-open TCP connections the watchdog cannot see.
const pongWait = 60 * time.Second

// readPump reads frames off the socket for the connection's lifetime.
// Per-connection FIFO ordering of commands falls out of this single reader
// goroutine handing each frame to handleMessage before reading the next.
func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.connID,
	})

	disconnectReason := ""
	initiatedBy := ""
	defer func() {
		if disconnectReason == "" {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
		}
		s.disconnectClient(c, disconnectReason, initiatedBy)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			monitoring.UpdateMessageMetrics(0, 1)
			monitoring.UpdateBytesMetrics(0, int64(len(msg)))
			s.handleMessage(c, msg)
		case ws.OpClose:
			disconnectReason = monitoring.DisconnectReasonClientInitiated
			initiatedBy = monitoring.DisconnectInitiatedByClient
			return
		default:
			// Pings and pongs are answered by wsutil; binary frames are
			// not part of the protocol and are ignored.
		}
	}
}
