package relay

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/graphroom/relay/internal/monitoring"
)

// writePump drains the client's send channel onto the socket, batching
// whatever has queued up behind one flush to keep syscalls off the
// broadcast path. It exits when the done signal fires or a write fails;
// the socket close lives here so the read pump wakes up too.
func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.connID,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	writeFrame := func(frame []byte) bool {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
			s.logger.Debug().Err(err).Int64("conn_id", c.connID).Msg("Failed to write frame")
			return false
		}
		monitoring.UpdateMessageMetrics(1, 0)
		monitoring.UpdateBytesMetrics(int64(len(frame)), 0)
		return true
	}

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !writeFrame(frame) {
				return
			}
			// Fold in everything else already queued before flushing.
			for n := len(c.send); n > 0; n-- {
				if !writeFrame(<-c.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", c.connID).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", c.connID).Msg("Failed to send ping")
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return
		}
	}
}
