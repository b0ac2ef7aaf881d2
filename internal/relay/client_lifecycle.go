package relay

import (
	"time"

	"github.com/graphroom/relay/internal/monitoring"
)

// disconnectClient tears one connection down. Every exit path funnels here:
// read errors, heartbeat timeouts, slow-client drops, room disposal, and
// shutdown. The disconnected CAS makes racing callers harmless; only the
// winner runs the teardown.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string) {
	if !c.markDisconnected() {
		return
	}
	c.open.Store(false)
	c.stopWatchdog()

	s.mu.Lock()
	delete(s.clients, c.connID)
	roomID, joined := s.clientRooms[c.connID]
	delete(s.clientRooms, c.connID)
	var room *Room
	if joined {
		room = s.rooms[roomID]
	}
	s.mu.Unlock()

	if room != nil {
		if remaining := room.RemoveClient(c.ID()); remaining == 0 {
			s.retireRoomIfEmpty(room)
		}
	}

	c.signalClose()
	c.closeConn()

	duration := time.Since(c.connectedAt)
	monitoring.ConnectionClosed(reason, initiatedBy, duration)

	// Slot release is non-blocking: clients built outside the intake path
	// never held one.
	select {
	case <-s.connectionsSem:
	default:
	}

	s.logger.Info().
		Int64("conn_id", c.connID).
		Str("client_id", c.ID()).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("connection_duration", duration).
		Int32("send_attempts", c.sendAttempts.Load()).
		Msg("Client disconnected")
}
