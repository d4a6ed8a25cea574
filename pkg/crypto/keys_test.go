// pkg/crypto/keys_test.go
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp)

	assert.Len(t, kp.PublicKey, ed25519.PublicKeySize)
	assert.Len(t, kp.PrivateKey, ed25519.PrivateKeySize)
	assert.Equal(t, hex.EncodeToString(kp.PublicKey), kp.PublicKeyHex())
}

func TestKeyPairSignVerify(t *testing.T) {
	message := []byte("test message")

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	signature, err := kp.Sign(message)
	require.NoError(t, err)
	assert.True(t, kp.Verify(message, signature))

	// Test invalid signature
	assert.False(t, kp.Verify([]byte("different message"), signature))
}

func TestLoadOrGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := LoadOrGenerate(dir, "node")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "node.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrGenerate(dir, "node")
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)

	other, err := LoadOrGenerate(dir, "other")
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, other.PublicKey)
}

func TestLoadOrGenerateErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{
			name: "public key missing",
			setup: func(t *testing.T, dir string) {
				kp, err := GenerateKeyPair()
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(dir, "node.key"), kp.PrivateKey, 0600))
			},
		},
		{
			name: "truncated private key",
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "node.key"), []byte("short"), 0600))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "node.pub"), make([]byte, ed25519.PublicKeySize), 0600))
			},
		},
		{
			name: "mismatched pair",
			setup: func(t *testing.T, dir string) {
				a, err := GenerateKeyPair()
				require.NoError(t, err)
				b, err := GenerateKeyPair()
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(dir, "node.key"), a.PrivateKey, 0600))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "node.pub"), b.PublicKey, 0600))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(t, dir)

			_, err := LoadOrGenerate(dir, "node")
			assert.Error(t, err)
		})
	}
}
