package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/meshnode/pkg/protocol"
)

func TestConn_SendAndClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConn(server, &Config{}, false)

	assert.NotEmpty(t, c.ID)
	assert.False(t, c.Outbound())
	assert.Equal(t, StateAccepted, c.State())
	assert.WithinDuration(t, time.Now(), c.Opened(), time.Second)

	msg, err := protocol.NewMessage("hi", "node", "chat_message", 1)
	require.NoError(t, err)

	done := make(chan protocol.Message, 1)
	go func() {
		got, err := protocol.Decode(client)
		if err == nil {
			done <- got
		}
	}()
	require.NoError(t, c.Send(msg))
	select {
	case got := <-done:
		assert.Equal(t, msg, got)
	case <-time.After(waitFor):
		t.Fatal("frame not received")
	}

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Close(), "second close should be a no-op")
	assert.ErrorIs(t, c.Send(msg), ErrConnClosed)
}

func TestConn_ConcurrentWritesDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConn(server, &Config{}, false)
	defer c.Close()

	const writers = 8
	received := make(chan string, writers)
	go func() {
		for i := 0; i < writers; i++ {
			msg, err := protocol.Decode(client)
			if err != nil {
				return
			}
			received <- msg.SenderID
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := protocol.NewMessage(make([]int, 500), string(rune('a'+i)), "bulk", 0)
			if assert.NoError(t, err) {
				assert.NoError(t, c.Send(msg))
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < writers; i++ {
		select {
		case id := <-received:
			seen[id] = true
		case <-time.After(waitFor):
			t.Fatal("timed out reading frames")
		}
	}
	assert.Len(t, seen, writers)
}

func TestConn_WriteTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConn(server, &Config{WriteTimeout: 20 * time.Millisecond}, true)
	defer c.Close()

	// Nobody reads the client side, so the write blocks until the deadline.
	err := c.WriteFrame([]byte{0, 0, 0, 0})
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.True(t, c.Outbound())
}

func TestConn_ClosedIsTerminal(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConn(server, &Config{}, false)

	require.NoError(t, c.Close())
	assert.False(t, c.startReading())
	assert.Equal(t, StateClosed, c.State())

	other, peer := net.Pipe()
	defer peer.Close()
	open := newConn(other, &Config{}, false)
	defer open.Close()
	assert.True(t, open.startReading())
	assert.Equal(t, StateReading, open.State())
	assert.False(t, open.startReading())
}

func TestConn_RateLimiter(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	unlimited := newConn(server, &Config{}, false)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.allow())
	}

	limited := newConn(server, &Config{RateLimit: 0.001}, false)
	assert.True(t, limited.allow(), "burst defaults to one frame")
	assert.False(t, limited.allow())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "accepted", StateAccepted.String())
	assert.Equal(t, "reading", StateReading.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "ConnState(9)", ConnState(9).String())
}
