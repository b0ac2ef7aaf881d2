package relay

import (
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"

	"github.com/graphroom/relay/internal/monitoring"
	"github.com/graphroom/relay/internal/protocol"
)

// handleWebSocket admits one connection: shutdown gate, rate limiter, and
// connection semaphore all run before the upgrade so a rejected client
// costs one HTTP response, not a socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		monitoring.ConnectionRejected(monitoring.RejectReasonShutdown)
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.connLimiter.Allow(clientIP) {
		monitoring.ConnectionRejected(monitoring.RejectReasonRateLimited)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.ConnectionRejected(monitoring.RejectReasonCapacity)
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: at connection capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	connID := s.nextConnID.Add(1)
	client := newClient(s, connID, conn, clientIP)

	s.mu.Lock()
	s.clients[connID] = client
	s.mu.Unlock()
	monitoring.ConnectionOpened()

	s.logger.Info().
		Int64("conn_id", connID).
		Str("client_ip", clientIP).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(client)
	go s.readPump(client)

	s.sendWelcome(client)
}

// sendWelcome is the first frame on every connection: the server's protocol
// version plus the currently advertised rooms.
func (s *Server) sendWelcome(c *Client) {
	c.SendFrame(&protocol.Welcome{
		Type:                  protocol.TypeWelcome,
		ServerProtocolVersion: s.config.ProtocolVersion,
		AvailableRooms:        s.advertisedRooms(),
	})
}

// getClientIP extracts the client IP, preferring X-Forwarded-For when a
// proxy sits in front of the relay.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
