package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/busybox42/meshnode/pkg/protocol"
)

var (
	ErrUnknownMessageType = errors.New("no handler registered for message type")
	ErrAlreadyStarted     = errors.New("transport already started")
	ErrConnClosed         = errors.New("connection closed")
)

// Handler processes one dispatched message. conn is the connection the
// message arrived on and may be used to reply; it is nil for messages that
// were not read from the network.
type Handler interface {
	HandleMessage(msg protocol.Message, conn *Conn) error
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(msg protocol.Message, conn *Conn) error

func (f HandlerFunc) HandleMessage(msg protocol.Message, conn *Conn) error {
	return f(msg, conn)
}

// HandlerError wraps a failure returned or raised by a handler.
type HandlerError struct {
	MessageType string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed: %v", e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Config holds transport configuration. The zero value is usable: no
// frame limit, no timeouts, no rate limit, and a private metrics registry.
type Config struct {
	// NodeID is stamped as sender_id on messages built by CreateMessage.
	NodeID string

	// MaxFrameSize rejects larger inbound payloads; 0 disables the check.
	MaxFrameSize uint32

	// ReadTimeout and WriteTimeout bound each frame read/write; 0 disables.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit is the sustained inbound frames/sec allowed per connection,
	// with RateBurst headroom. Frames over the limit are dropped. 0 disables.
	RateLimit float64
	RateBurst int

	// CloseConnsOnStop makes Stop close every live connection as well as
	// the listener.
	CloseConnsOnStop bool

	// Dialer is used by Connect; defaults to a plain TCP dialer.
	Dialer       proxy.ContextDialer
	DialAttempts uint
	DialDelay    time.Duration

	Logger     *logrus.Logger
	Registerer prometheus.Registerer
}
