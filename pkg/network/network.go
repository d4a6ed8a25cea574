// pkg/network/network.go
package network

import "github.com/busybox42/meshnode/pkg/protocol"

// Service is what node components need from the messaging layer.
type Service interface {
	NodeID() string
	RegisterHandler(messageType string, handler Handler)
	Broadcast(msg protocol.Message, exclude ...*Conn) (int, error)
	CreateMessage(content any, messageType string) (protocol.Message, error)
}

var _ Service = (*Transport)(nil)
