// Package node assembles a mesh participant: a transport plus the handlers
// that feed the identity registry, the chat inbox and model aggregation.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/internal/aggregate"
	"github.com/busybox42/meshnode/internal/registry"
	"github.com/busybox42/meshnode/pkg/crypto"
	"github.com/busybox42/meshnode/pkg/network"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/types"
)

const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeChat             = "chat_message"
	TypeModelUpdate      = aggregate.MessageType
	TypeIdentityAnnounce = "identity_announce"
)

var ErrBadSignature = errors.New("announcement signature does not verify")

type ChatMessage struct {
	From      string
	Text      string
	Timestamp float64
}

// Announcement is the content of an identity_announce message. Signature is
// the hex ed25519 signature of the hex public key.
type Announcement struct {
	PublicKey string         `json:"public_key"`
	Signature string         `json:"signature"`
	Address   string         `json:"address,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type chatContent struct {
	Text string `json:"text"`
}

type Node struct {
	transport  *network.Transport
	keys       *crypto.KeyPair
	self       *types.Node
	registry   *registry.Registry
	aggregator *aggregate.Aggregator
	metadata   map[string]any
	log        *logrus.Entry

	mu     sync.Mutex
	inbox  []ChatMessage
	peers  map[string]*types.Node
	onChat func(ChatMessage)
}

// New builds a node whose transport id is derived from keys. cfg.NodeID is
// overwritten.
func New(keys *crypto.KeyPair, cfg network.Config, metadata map[string]any) *Node {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	self := types.NewNode(keys.PublicKey, nil)
	cfg.NodeID = self.ID

	n := &Node{
		transport:  network.NewTransport(&cfg),
		keys:       keys,
		self:       self,
		registry:   registry.New(cfg.Logger),
		aggregator: aggregate.New(cfg.Logger),
		metadata:   metadata,
		log:        cfg.Logger.WithFields(logrus.Fields{"component": "node", "node": self.ID}),
		peers:      make(map[string]*types.Node),
	}

	n.transport.HandleFunc(TypePing, n.handlePing)
	n.transport.HandleFunc(TypePong, n.handlePong)
	n.transport.HandleFunc(TypeChat, n.handleChat)
	n.transport.RegisterHandler(TypeModelUpdate, n.aggregator)
	n.transport.HandleFunc(TypeIdentityAnnounce, n.handleAnnounce)

	// Our own identity resolves locally.
	n.registry.Register(keys.PublicKeyHex(), n.signPublicKey(), metadata)
	return n
}

func (n *Node) ID() string                        { return n.self.ID }
func (n *Node) Self() *types.Node                 { return n.self }
func (n *Node) Transport() *network.Transport     { return n.transport }
func (n *Node) Registry() *registry.Registry      { return n.registry }
func (n *Node) Aggregator() *aggregate.Aggregator { return n.aggregator }

// Start listens on host:port.
func (n *Node) Start(host string, port int) (*net.TCPAddr, error) {
	addr, err := n.transport.Start(host, port)
	if err != nil {
		return nil, err
	}
	n.self.Address = addr
	n.log.WithField("addr", addr.String()).Info("Node started")
	return addr, nil
}

// Serve accepts connections from l, such as an onion service listener.
func (n *Node) Serve(l net.Listener) error {
	if err := n.transport.Serve(l); err != nil {
		return err
	}
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		n.self.Address = addr
	}
	return nil
}

func (n *Node) Stop() error {
	return n.transport.Stop()
}

// ConnectPeers dials each address and announces this node on the new
// connection. Failures are logged and collected; reachable peers stay
// connected.
func (n *Node) ConnectPeers(ctx context.Context, addrs []string) error {
	var errs []error
	for _, addr := range addrs {
		conn, err := n.transport.Connect(ctx, addr)
		if err != nil {
			n.log.WithError(err).WithField("peer", addr).Warn("Failed to connect to peer")
			errs = append(errs, err)
			continue
		}
		msg, err := n.announcement()
		if err == nil {
			err = conn.Send(msg)
		}
		if err != nil {
			n.log.WithError(err).WithField("peer", addr).Warn("Failed to announce to peer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Announce broadcasts this node's identity to every connection.
func (n *Node) Announce() (int, error) {
	msg, err := n.announcement()
	if err != nil {
		return 0, err
	}
	return n.transport.Broadcast(msg)
}

func (n *Node) Ping() (int, error) {
	msg, err := n.transport.CreateMessage(map[string]float64{"sent": protocol.Now()}, TypePing)
	if err != nil {
		return 0, err
	}
	return n.transport.Broadcast(msg)
}

func (n *Node) SendChat(text string) (int, error) {
	msg, err := n.transport.CreateMessage(chatContent{Text: text}, TypeChat)
	if err != nil {
		return 0, err
	}
	return n.transport.Broadcast(msg)
}

// PublishModelUpdate records update as this node's own contribution and
// broadcasts it.
func (n *Node) PublishModelUpdate(update aggregate.ModelUpdate) (int, error) {
	update.NodeID = n.self.ID
	if update.Timestamp == 0 {
		update.Timestamp = protocol.Now()
	}
	if err := n.aggregator.Add(update); err != nil {
		return 0, err
	}
	msg, err := n.transport.CreateMessage(aggregate.Envelope{NodeID: n.self.ID, Update: update}, TypeModelUpdate)
	if err != nil {
		return 0, err
	}
	return n.transport.Broadcast(msg)
}

// Inbox returns the chat messages received so far, oldest first.
func (n *Node) Inbox() []ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ChatMessage(nil), n.inbox...)
}

// OnChat sets a callback run on the read goroutine for every chat message
// after it reaches the inbox. A nil fn removes the callback.
func (n *Node) OnChat(fn func(ChatMessage)) {
	n.mu.Lock()
	n.onChat = fn
	n.mu.Unlock()
}

// Peers returns copies of the nodes that announced themselves, ordered by id.
func (n *Node) Peers() []types.Node {
	n.mu.Lock()
	peers := lo.Map(lo.Values(n.peers), func(p *types.Node, _ int) types.Node { return *p })
	n.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (n *Node) announcement() (protocol.Message, error) {
	ann := Announcement{
		PublicKey: n.keys.PublicKeyHex(),
		Signature: n.signPublicKey(),
		Metadata:  n.metadata,
	}
	if n.self.Address != nil {
		ann.Address = n.self.Address.String()
	}
	return n.transport.CreateMessage(ann, TypeIdentityAnnounce)
}

func (n *Node) signPublicKey() string {
	sig, _ := n.keys.Sign([]byte(n.keys.PublicKeyHex()))
	return hex.EncodeToString(sig)
}

func (n *Node) handlePing(msg protocol.Message, conn *network.Conn) error {
	if conn == nil {
		return errors.New("ping without a connection to reply on")
	}
	reply, err := n.transport.CreateMessage(msg.Content, TypePong)
	if err != nil {
		return err
	}
	return conn.Send(reply)
}

func (n *Node) handlePong(msg protocol.Message, _ *network.Conn) error {
	n.mu.Lock()
	peer, ok := n.peers[msg.SenderID]
	if ok {
		peer.Touch()
	}
	n.mu.Unlock()
	n.log.WithField("from", msg.SenderID).Debug("Received pong")
	return nil
}

func (n *Node) handleChat(msg protocol.Message, _ *network.Conn) error {
	var chat chatContent
	if err := msg.DecodeContent(&chat); err != nil {
		return fmt.Errorf("invalid chat message: %w", err)
	}
	received := ChatMessage{From: msg.SenderID, Text: chat.Text, Timestamp: msg.Timestamp}
	n.mu.Lock()
	n.inbox = append(n.inbox, received)
	notify := n.onChat
	n.mu.Unlock()
	n.log.WithField("from", msg.SenderID).Info("Received chat message")
	if notify != nil {
		notify(received)
	}
	return nil
}

func (n *Node) handleAnnounce(msg protocol.Message, conn *network.Conn) error {
	var ann Announcement
	if err := msg.DecodeContent(&ann); err != nil {
		return fmt.Errorf("invalid announcement: %w", err)
	}
	pub, err := hex.DecodeString(ann.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid announced public key: %w", err)
	}
	sig, err := hex.DecodeString(ann.Signature)
	if err != nil {
		return fmt.Errorf("invalid announced signature: %w", err)
	}
	peerKeys := &crypto.KeyPair{PublicKey: pub}
	if len(pub) != ed25519.PublicKeySize || !peerKeys.Verify([]byte(ann.PublicKey), sig) {
		return ErrBadSignature
	}

	id := n.registry.Register(ann.PublicKey, ann.Signature, ann.Metadata)

	var addr *net.TCPAddr
	if ann.Address != "" {
		addr, _ = net.ResolveTCPAddr("tcp", ann.Address)
	}
	if addr == nil && conn != nil {
		addr, _ = conn.RemoteAddr().(*net.TCPAddr)
	}
	peer := types.NewNode(pub, addr)

	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{
		"peer":      id,
		"sender_id": msg.SenderID,
		"announced": time.Unix(0, int64(msg.Timestamp*1e9)).UTC().Format(time.RFC3339),
	}).Info("Registered peer identity")
	return nil
}
