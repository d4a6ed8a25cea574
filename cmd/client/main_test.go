package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/internal/node"
	"github.com/busybox42/meshnode/pkg/crypto"
	"github.com/busybox42/meshnode/pkg/network"
)

const waitFor = 2 * time.Second

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startPeer(t *testing.T) *node.Node {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer := node.New(keys, network.Config{Logger: quietLogger()}, map[string]any{"role": "server"})
	_, err = peer.Start("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		peer.Stop()
		for _, c := range peer.Transport().Connections() {
			c.Close()
		}
		peer.Transport().Wait()
	})
	return peer
}

func newTestClient(t *testing.T, out io.Writer) *meshClient {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.KeyDir = filepath.Join(t.TempDir(), "keys")

	mc, err := newMeshClient(cfg, quietLogger(), out)
	require.NoError(t, err)
	t.Cleanup(mc.Close)
	return mc
}

// TestNewMeshClient ensures that a new client is properly initialized.
func TestNewMeshClient(t *testing.T) {
	mc := newTestClient(t, io.Discard)

	assert.Empty(t, mc.history)
	assert.NotNil(t, mc.node.Self().Address)
	assert.FileExists(t, filepath.Join(mc.cfg.KeyDir, "client.key"))
	assert.FileExists(t, filepath.Join(mc.cfg.KeyDir, "client.pub"))
}

// TestAddToHistory ensures that messages are correctly added to the history.
func TestAddToHistory(t *testing.T) {
	mc := newTestClient(t, io.Discard)

	mc.addToHistory(MessageRecord{Timestamp: time.Now(), Sender: "Alice", Content: "Hello", Status: "sent"})

	mc.historyMu.RLock()
	defer mc.historyMu.RUnlock()
	require.Len(t, mc.history, 1)
	assert.Equal(t, "Hello", mc.history[0].Content)
}

func TestShellConnectAndSend(t *testing.T) {
	peer := startPeer(t)
	out := &lockedBuffer{}
	mc := newTestClient(t, out)

	input := strings.Join([]string{
		"connect " + peer.Self().Address.String(),
		"send hello mesh",
		"status",
		"history",
		"exit",
		"send never",
	}, "\n") + "\n"
	require.NoError(t, mc.shell(context.Background(), strings.NewReader(input)))

	text := out.String()
	assert.Contains(t, text, "Connected to "+peer.Self().Address.String())
	assert.Contains(t, text, "Message sent to 1 connection(s)")
	assert.Contains(t, text, "Connections: 1")
	assert.Contains(t, text, "hello mesh (sent)")

	require.Eventually(t, func() bool { return len(peer.Inbox()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "hello mesh", peer.Inbox()[0].Text)
	assert.Equal(t, mc.node.ID(), peer.Inbox()[0].From)
}

func TestShellPrintsIncomingChat(t *testing.T) {
	peer := startPeer(t)
	out := &lockedBuffer{}
	mc := newTestClient(t, out)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, mc.connect(ctx, []string{peer.Self().Address.String()}))
	require.Eventually(t, func() bool { return len(peer.Transport().Connections()) == 1 }, waitFor, 10*time.Millisecond)

	sent, err := peer.SendChat("hi there")
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "hi there")
	}, waitFor, 10*time.Millisecond)

	mc.historyMu.RLock()
	defer mc.historyMu.RUnlock()
	require.Len(t, mc.history, 1)
	assert.Equal(t, "received", mc.history[0].Status)
	assert.Equal(t, peer.ID(), mc.history[0].Sender)
}

func TestShellUsageMessages(t *testing.T) {
	out := &lockedBuffer{}
	mc := newTestClient(t, out)

	tests := []struct {
		line string
		want string
	}{
		{"connect", "Usage: connect <host:port>"},
		{"send", "Usage: send <message>"},
		{"bogus", "Unknown command: bogus"},
		{"peers", "No known peers"},
		{"history", "No message history"},
		{"mykey", mc.node.ID()},
		{"help", "Available commands:"},
		{"connect 127.0.0.1:1", "Failed to connect"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.False(t, mc.execute(context.Background(), tt.line))
			assert.Contains(t, out.String(), tt.want)
		})
	}
	assert.True(t, mc.execute(context.Background(), "quit"))
}

func TestShellStopsOnCancel(t *testing.T) {
	mc := newTestClient(t, io.Discard)
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mc.shell(ctx, pr) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shell did not stop after cancellation")
	}
}

func TestSendCommand(t *testing.T) {
	peer := startPeer(t)

	app := newApp()
	out := &lockedBuffer{}
	app.Writer = out
	app.ErrWriter = io.Discard
	err := app.Run(context.Background(), []string{
		"meshctl", "send",
		"--env-file", "",
		"--key-dir", filepath.Join(t.TempDir(), "keys"),
		"--peer", peer.Self().Address.String(),
		"hello", "world",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Message sent to 1 connection(s)")

	require.Eventually(t, func() bool { return len(peer.Inbox()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "hello world", peer.Inbox()[0].Text)
}

func TestSendCommandNeedsPeer(t *testing.T) {
	app := newApp()
	app.Writer = io.Discard
	app.ErrWriter = io.Discard
	err := app.Run(context.Background(), []string{
		"meshctl", "send", "--env-file", "", "--key-dir", t.TempDir(), "hello",
	})
	assert.ErrorContains(t, err, "--peer")
}
