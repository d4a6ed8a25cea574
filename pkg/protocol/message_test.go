// pkg/protocol/message_test.go
package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(map[string]any{"n": 1}, "node-a", "ping", 12.5)
	require.NoError(t, err)

	assert.JSONEq(t, `{"n":1}`, string(msg.Content))
	assert.Equal(t, "node-a", msg.SenderID)
	assert.Equal(t, "ping", msg.MessageType)
	assert.Equal(t, 12.5, msg.Timestamp)
	assert.False(t, msg.HasSignature())
}

func TestNewMessageRejectsUnencodableContent(t *testing.T) {
	_, err := NewMessage(map[string]any{"ch": make(chan int)}, "node-a", "ping", 1)
	require.Error(t, err)
}

func TestDecodeContent(t *testing.T) {
	msg, err := NewMessage(map[string]any{"text": "hello", "hops": 2}, "node-a", "chat_message", 1)
	require.NoError(t, err)

	var body struct {
		Text string `json:"text"`
		Hops int    `json:"hops"`
	}
	require.NoError(t, msg.DecodeContent(&body))
	assert.Equal(t, "hello", body.Text)
	assert.Equal(t, 2, body.Hops)

	var empty Message
	var v any
	require.NoError(t, empty.DecodeContent(&v))
	assert.Nil(t, v)
}

func TestWithSignatureCopies(t *testing.T) {
	msg, err := NewMessage("payload", "node-a", "chat_message", 1)
	require.NoError(t, err)

	signed := msg.WithSignature("sig")
	require.True(t, signed.HasSignature())
	assert.Equal(t, "sig", *signed.Signature)
	assert.False(t, msg.HasSignature(), "source message must stay unsigned")
}

func TestNowIsMonotonicEnough(t *testing.T) {
	a := Now()
	b := Now()
	assert.Greater(t, a, float64(0))
	assert.GreaterOrEqual(t, b, a)
}
