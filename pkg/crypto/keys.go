// pkg/crypto/keys.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// KeyPair represents a public/private key pair for signing and verification
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// LoadOrGenerate reads <dir>/<name>.key and <dir>/<name>.pub, creating and
// persisting a fresh pair when neither exists.
func LoadOrGenerate(dir, name string) (*KeyPair, error) {
	privPath := filepath.Join(dir, name+".key")
	pubPath := filepath.Join(dir, name+".pub")

	privKey, privErr := os.ReadFile(privPath)
	pubKey, pubErr := os.ReadFile(pubPath)
	switch {
	case privErr == nil && pubErr == nil:
		if len(privKey) != ed25519.PrivateKeySize || len(pubKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid key files in %s", dir)
		}
		kp := &KeyPair{PublicKey: pubKey, PrivateKey: privKey}
		if !kp.PrivateKey.Public().(ed25519.PublicKey).Equal(kp.PublicKey) {
			return nil, fmt.Errorf("public key %s does not match private key", pubPath)
		}
		return kp, nil
	case errors.Is(privErr, os.ErrNotExist) && errors.Is(pubErr, os.ErrNotExist):
	case privErr != nil:
		return nil, fmt.Errorf("failed to read private key: %w", privErr)
	default:
		return nil, fmt.Errorf("failed to read public key: %w", pubErr)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	if err := os.WriteFile(privPath, kp.PrivateKey, 0600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	if err := os.WriteFile(pubPath, kp.PublicKey, 0600); err != nil {
		return nil, fmt.Errorf("failed to save public key: %w", err)
	}
	return kp, nil
}

// Sign creates a signature for the given message using the private key
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.PrivateKey, message), nil
}

// Verify checks if the signature is valid for the given message
func (kp *KeyPair) Verify(message, signature []byte) bool {
	return ed25519.Verify(kp.PublicKey, message, signature)
}

func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.PublicKey)
}
