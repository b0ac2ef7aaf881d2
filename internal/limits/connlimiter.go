// Package limits guards the relay's connection intake with token-bucket
// rate limiting.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/graphroom/relay/internal/monitoring"
)

// ConnectionRateLimiter rejects connection floods at two levels before the
// WebSocket upgrade runs: a global bucket protects the process, a per-IP
// bucket contains a single misbehaving source while legitimate reconnect
// bursts still pass.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds limiter settings. Zero values fall back
// to defaults suited to a small deployment.
type ConnectionRateLimiterConfig struct {
	IPRate  float64       // sustained connections/sec per IP (default 2)
	IPBurst int           // burst connections per IP (default 8)
	IPTTL   time.Duration // drop idle per-IP entries after this (default 5m)

	GlobalRate  float64 // sustained connections/sec process-wide (default 50)
	GlobalBurst int     // burst connections process-wide (default 100)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds the limiter and starts its cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPRate == 0 {
		config.IPRate = 2
	}
	if config.IPBurst == 0 {
		config.IPBurst = 8
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 100
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	limiter.cleanupTicker = time.NewTicker(time.Minute)
	go limiter.cleanupLoop()

	limiter.logger.Info().
		Float64("ip_rate", config.IPRate).
		Int("ip_burst", config.IPBurst).
		Dur("ip_ttl", config.IPTTL).
		Float64("global_rate", config.GlobalRate).
		Int("global_burst", config.GlobalBurst).
		Msg("Connection rate limiter initialized")

	return limiter
}

// Allow reports whether a connection from ip may proceed. The global bucket
// is checked first (no map lookup); per-IP second.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}
	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}
	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst),
		lastAccess: time.Now(),
	}
	crl.ipLimiters[ip] = entry
	return entry.limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops per-IP entries idle past the TTL so the map cannot grow
// without bound.
func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale per-IP rate limiters")
	}
}

// TrackedIPs reports how many per-IP buckets are live. Used by the health
// endpoint.
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}

// Stop halts the cleanup loop. Idempotent.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		close(crl.stopCleanup)
	})
}
