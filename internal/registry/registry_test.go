package registry

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/meshnode/pkg/crypto"
	"github.com/busybox42/meshnode/pkg/types"
)

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func TestRegisterAndResolve(t *testing.T) {
	r := newTestRegistry()

	id := r.Register("test_public_key", "test_signature", map[string]any{"name": "Test User"})
	assert.Len(t, id, 64)

	identity, ok := r.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "test_public_key", identity.PublicKey)
	assert.Equal(t, "test_signature", identity.Signature)
	assert.Equal(t, "Test User", identity.Metadata["name"])
	assert.WithinDuration(t, time.Now(), identity.Timestamp, time.Second)

	assert.Equal(t, []string{id}, r.Identities())
}

func TestRegisterNilMetadata(t *testing.T) {
	r := newTestRegistry()

	id := r.Register("key", "sig", nil)
	identity, ok := r.Resolve(id)
	require.True(t, ok)
	assert.NotNil(t, identity.Metadata)
	assert.Empty(t, identity.Metadata)
}

func TestReRegisterOverwrites(t *testing.T) {
	r := newTestRegistry()

	first := r.Register("key", "sig-1", map[string]any{"v": 1})
	second := r.Register("key", "sig-2", map[string]any{"v": 2})
	assert.Equal(t, first, second)

	identity, ok := r.Resolve(first)
	require.True(t, ok)
	assert.Equal(t, "sig-2", identity.Signature)
	assert.Len(t, r.Identities(), 1)
}

func TestResolveUnknown(t *testing.T) {
	r := newTestRegistry()

	_, ok := r.Resolve("nonexistent")
	assert.False(t, ok)
	_, ok = r.ResolveData("nonexistent")
	assert.False(t, ok)
}

func TestStoreAndResolveData(t *testing.T) {
	r := newTestRegistry()
	owner := r.Register("test_key", "test_sig", nil)

	data := map[string]any{
		"type":    "test_message",
		"content": "Hello, mesh!",
	}
	id, err := r.Store(owner, data, "data_signature")
	require.NoError(t, err)

	record, ok := r.ResolveData(id)
	require.True(t, ok)
	assert.Equal(t, data, record.Data)
	assert.Equal(t, owner, record.Owner)
	assert.Equal(t, "data_signature", record.Signature)
}

func TestStoreUnknownOwner(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Store("nobody", map[string]any{"x": 1}, "sig")
	assert.ErrorIs(t, err, ErrUnknownOwner)
}

func TestStoreUnencodableData(t *testing.T) {
	r := newTestRegistry()
	owner := r.Register("key", "sig", nil)

	_, err := r.Store(owner, map[string]any{"ch": make(chan int)}, "sig")
	assert.Error(t, err)
}

func TestDataIDIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"a": 1, "b": map[string]any{"y": 2, "x": 1}}
	b := map[string]any{"b": map[string]any{"x": 1, "y": 2}, "a": 1}

	idA, err := DataID(a)
	require.NoError(t, err)
	idB, err := DataID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	idC, err := DataID(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, idA, idC)
}

func TestIdentityIDMatchesNodeID(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	assert.Equal(t, types.NodeID(kp.PublicKey), IdentityID(kp.PublicKeyHex()))
}
