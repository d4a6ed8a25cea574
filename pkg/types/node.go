// pkg/types/node.go
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"time"
)

// Node describes a mesh participant. ID is the hex SHA-256 of the
// hex-encoded public key, the same id the identity registry assigns.
type Node struct {
	ID        string
	PublicKey ed25519.PublicKey
	Address   *net.TCPAddr
	LastSeen  time.Time
}

func NewNode(publicKey ed25519.PublicKey, addr *net.TCPAddr) *Node {
	return &Node{
		ID:        NodeID(publicKey),
		PublicKey: publicKey,
		Address:   addr,
		LastSeen:  time.Now(),
	}
}

// NodeID derives a node id from a public key.
func NodeID(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256([]byte(hex.EncodeToString(publicKey)))
	return hex.EncodeToString(sum[:])
}

// Touch records activity from the node.
func (n *Node) Touch() {
	n.LastSeen = time.Now()
}
