package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	crl := NewConnectionRateLimiter(cfg)
	t.Cleanup(crl.Stop)
	return crl
}

func TestPerIPBurstExhaustion(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{
		IPRate:      0.001, // effectively no refill during the test
		IPBurst:     3,
		GlobalRate:  1000,
		GlobalBurst: 1000,
	})

	for i := 0; i < 3; i++ {
		require.True(t, crl.Allow("10.0.0.1"), "connection %d within burst", i)
	}
	require.False(t, crl.Allow("10.0.0.1"), "burst exhausted")

	// A different source has its own bucket.
	require.True(t, crl.Allow("10.0.0.2"))
}

func TestGlobalBurstExhaustion(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{
		IPRate:      1000,
		IPBurst:     1000,
		GlobalRate:  0.001,
		GlobalBurst: 2,
	})

	require.True(t, crl.Allow("10.0.0.1"))
	require.True(t, crl.Allow("10.0.0.2"))
	// The global bucket is drained even though each IP is under its own.
	require.False(t, crl.Allow("10.0.0.3"))
}

func TestTrackedIPs(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{})

	require.Equal(t, 0, crl.TrackedIPs())
	crl.Allow("10.0.0.1")
	crl.Allow("10.0.0.1")
	crl.Allow("10.0.0.2")
	require.Equal(t, 2, crl.TrackedIPs())
}

func TestCleanupDropsIdleEntries(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{IPTTL: 1})

	crl.Allow("10.0.0.1")
	require.Equal(t, 1, crl.TrackedIPs())

	// TTL of 1ns: everything is stale by the time cleanup runs.
	crl.cleanup()
	require.Equal(t, 0, crl.TrackedIPs())
}

func TestStopIsIdempotent(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{})
	crl.Stop()
	crl.Stop()
}
