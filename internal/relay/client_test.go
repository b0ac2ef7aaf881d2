package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphroom/relay/internal/protocol"
)

func awaitDisconnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.disconnected.Load() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "client not disconnected within deadline")
}

func TestWatchdogDisconnectsSilentClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	s := newTestServer(t, cfg)

	c := addTestClient(t, s)
	awaitDisconnected(t, c)
	require.Equal(t, 0, s.ClientCount())
}

func TestHeartbeatsKeepClientAlive(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	s := newTestServer(t, cfg)

	c := addTestClient(t, s)
	for i := 0; i < 10; i++ {
		time.Sleep(30 * time.Millisecond)
		c.UpdateFromHeartbeat(&protocol.Heartbeat{Type: protocol.TypeHeartbeat, LocalIDCounter: "1"})
	}
	require.False(t, c.disconnected.Load(), "petted watchdog must not fire")

	// Stop petting; now it lapses.
	awaitDisconnected(t, c)
}

func TestSlowClientDisconnectedAfterRepeatedDrops(t *testing.T) {
	s := newTestServer(t, nil)
	c := addTestClient(t, s)

	// Fill the buffer to capacity, then keep pushing: each further frame
	// is dropped and the third consecutive drop evicts the client.
	payload := []byte(`{"type":"command_batch","commands":[]}`)
	for i := 0; i < sendBufferSize; i++ {
		c.sendRaw(payload)
	}
	require.False(t, c.disconnected.Load())

	for i := 0; i < maxSendAttempts; i++ {
		c.sendRaw(payload)
	}
	awaitDisconnected(t, c)
}

func TestDeliverySucceedsResetsDropCounter(t *testing.T) {
	s := newTestServer(t, nil)
	c := addTestClient(t, s)

	payload := []byte(`{}`)
	for i := 0; i < sendBufferSize; i++ {
		c.sendRaw(payload)
	}

	// Two drops, then the reader drains one slot: the next enqueue
	// succeeds and clears the strike count.
	c.sendRaw(payload)
	c.sendRaw(payload)
	<-c.send
	c.sendRaw(payload)
	require.Equal(t, int32(0), c.sendAttempts.Load())
	require.False(t, c.disconnected.Load())
}

func TestSendFrameAfterDisconnectIsDropped(t *testing.T) {
	s := newTestServer(t, nil)
	c := addTestClient(t, s)

	s.disconnectClient(c, "client_initiated", "client")
	require.True(t, c.disconnected.Load())

	// Neither panics nor deadlocks; the frame just vanishes.
	c.SendFrame(&protocol.Welcome{Type: protocol.TypeWelcome, ServerProtocolVersion: 1})
	c.sendRaw([]byte(`{}`))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	c := addTestClient(t, s)

	s.disconnectClient(c, "client_initiated", "client")
	s.disconnectClient(c, "read_error", "client")
	require.Equal(t, 0, s.ClientCount())
}
