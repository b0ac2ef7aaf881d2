package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// handleHealth reports liveness for load balancers and humans. Storage
// trouble or running past the connection cap turns the status unhealthy;
// nearing a cap only degrades it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	healthy := true
	warnings := []string{}
	errors := []string{}

	dbHealthy := true
	if err := s.store.Ping(); err != nil {
		healthy = false
		dbHealthy = false
		errors = append(errors, fmt.Sprintf("database unreachable: %v", err))
		s.logger.Error().Err(err).Msg("Health check failed: database unreachable")
	}

	currentConns := s.ClientCount()
	maxConns := s.config.MaxConnections
	capacityPercent := float64(currentConns) / float64(maxConns) * 100
	capacityHealthy := true
	if currentConns > maxConns {
		healthy = false
		capacityHealthy = false
		errors = append(errors, fmt.Sprintf("connections over capacity (%d/%d)", currentConns, maxConns))
	} else if capacityPercent >= 90 {
		warnings = append(warnings, fmt.Sprintf("connections near capacity (%.1f%%)", capacityPercent))
	}

	currentRooms := s.RoomCount()
	maxRooms := s.config.MaxRooms
	roomsPercent := float64(currentRooms) / float64(maxRooms) * 100
	if currentRooms >= maxRooms {
		warnings = append(warnings, fmt.Sprintf("room capacity reached (%d/%d), creation refused", currentRooms, maxRooms))
	}

	// Rooms in memory are a subset of rooms on disk; the gap is rooms
	// waiting to be rehydrated by a join.
	persistedRooms := 0
	if records, err := s.store.ListRooms(); err == nil {
		persistedRooms = len(records)
	}

	memoryMB := 0.0
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			memoryMB = float64(mem.RSS) / 1024.0 / 1024.0
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": healthy,
		"checks": map[string]any{
			"database": map[string]any{
				"healthy": dbHealthy,
				"path":    s.store.Path(),
			},
			"capacity": map[string]any{
				"current":    currentConns,
				"max":        maxConns,
				"percentage": capacityPercent,
				"healthy":    capacityHealthy,
			},
			"rooms": map[string]any{
				"current":    currentRooms,
				"max":        maxRooms,
				"percentage": roomsPercent,
				"persisted":  persistedRooms,
			},
			"memory": map[string]any{
				"used_mb": memoryMB,
			},
			"goroutines": map[string]any{
				"current": runtime.NumGoroutine(),
			},
		},
		"rate_limiter": map[string]any{
			"tracked_ips": s.connLimiter.TrackedIPs(),
		},
		"warnings": warnings,
		"errors":   errors,
		"uptime":   time.Since(s.startTime).Seconds(),
	})
}
