// pkg/network/transport.go
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/pkg/protocol"
)

// Transport is one node's messaging service: it owns the listener, the set
// of live connections, and the handler router. Instances share nothing.
type Transport struct {
	config  Config
	nodeID  string
	log     *logrus.Entry
	router  *Router
	metrics *Metrics
	now     func() float64

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	conns      map[*Conn]struct{}

	connWG sync.WaitGroup
}

func NewTransport(config *Config) *Transport {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 1
	}

	log := cfg.Logger.WithField("node", cfg.NodeID)
	metrics := NewMetrics(cfg.Registerer, cfg.NodeID)
	return &Transport{
		config:  cfg,
		nodeID:  cfg.NodeID,
		log:     log.WithField("component", "transport"),
		router:  NewRouter(log, metrics),
		metrics: metrics,
		now:     protocol.Now,
		conns:   make(map[*Conn]struct{}),
	}
}

func (t *Transport) NodeID() string {
	return t.nodeID
}

func (t *Transport) Router() *Router {
	return t.router
}

func (t *Transport) Metrics() *Metrics {
	return t.metrics
}

// Start listens on host:port and begins accepting connections. An empty
// host binds every interface and port 0 picks an ephemeral port; the bound
// address is returned.
func (t *Transport) Start(host string, port int) (*net.TCPAddr, error) {
	if host == "" {
		host = DefaultHost
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%d: %w", host, port, err)
	}
	if err := t.Serve(listener); err != nil {
		listener.Close()
		return nil, err
	}

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", listener.Addr())
	}
	return addr, nil
}

// Serve accepts connections from l until Stop is called.
func (t *Transport) Serve(l net.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return ErrAlreadyStarted
	}

	t.listener = l
	t.acceptDone = make(chan struct{})
	go t.acceptLoop(l, t.acceptDone)

	t.log.WithField("addr", l.Addr().String()).Info("Transport listening")
	return nil
}

// Addr returns the listening address, or nil when not started.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes the listener and waits for the accept loop to exit. Live
// connections keep running until their peers go away unless
// CloseConnsOnStop is set.
func (t *Transport) Stop() error {
	t.mu.Lock()
	listener, done := t.listener, t.acceptDone
	t.listener, t.acceptDone = nil, nil
	t.mu.Unlock()

	if listener == nil {
		return nil
	}

	err := listener.Close()
	<-done

	if t.config.CloseConnsOnStop {
		for _, c := range t.Connections() {
			c.Close()
		}
	}

	t.log.Info("Transport stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// Wait blocks until every connection read loop has exited.
func (t *Transport) Wait() {
	t.connWG.Wait()
}

func (t *Transport) RegisterHandler(messageType string, handler Handler) {
	t.router.Register(messageType, handler)
}

func (t *Transport) HandleFunc(messageType string, fn HandlerFunc) {
	t.router.Register(messageType, fn)
}

// CreateMessage builds a message from this node, stamped with the local clock.
func (t *Transport) CreateMessage(content any, messageType string) (protocol.Message, error) {
	return protocol.NewMessage(content, t.nodeID, messageType, t.now())
}

// Broadcast encodes msg once and writes it to every live connection not in
// exclude. Write failures are logged and skipped. It returns how many
// connections were written successfully; the error is only set when msg
// cannot be encoded.
func (t *Transport) Broadcast(msg protocol.Message, exclude ...*Conn) (int, error) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode broadcast: %w", err)
	}

	sent := 0
	for _, c := range lo.Without(t.Connections(), exclude...) {
		if err := c.WriteFrame(frame); err != nil {
			t.log.WithFields(logrus.Fields{
				"conn":         c.ID,
				"message_type": msg.MessageType,
			}).WithError(err).Warn("Failed to broadcast to connection")
			t.metrics.broadcastWrite(false)
			continue
		}
		t.metrics.broadcastWrite(true)
		sent++
	}
	return sent, nil
}

// Connections returns a snapshot of the live set.
func (t *Transport) Connections() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Keys(t.conns)
}

// Connect dials addr and manages the resulting connection like an accepted
// one: it joins the live set and gets its own read loop.
func (t *Transport) Connect(ctx context.Context, addr string) (*Conn, error) {
	dialer := t.config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: dialTimeout}
	}
	delay := t.config.DialDelay
	if delay == 0 {
		delay = DefaultDialDelay
	}

	var nc net.Conn
	err := retry.Do(
		func() error {
			var err error
			nc, err = dialer.DialContext(ctx, "tcp", addr)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(t.config.DialAttempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.log.WithField("addr", addr).WithError(err).Debugf("Dial attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := newConn(nc, &t.config, true)
	t.manage(c)
	t.log.WithFields(logrus.Fields{"conn": c.ID, "addr": addr}).Info("Connected to peer")
	return c, nil
}

func (t *Transport) acceptLoop(l net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			t.log.WithError(err).Warnf("Accept failed, retrying in %v", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		t.manage(newConn(nc, &t.config, false))
	}
}

// manage adds c to the live set and starts its read loop.
func (t *Transport) manage(c *Conn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	t.metrics.connAdded(c.outbound)

	t.connWG.Add(1)
	go t.readLoop(c)
}

func (t *Transport) removeConn(c *Conn) {
	t.mu.Lock()
	_, ok := t.conns[c]
	delete(t.conns, c)
	t.mu.Unlock()
	if ok {
		t.metrics.connRemoved()
	}
}

// readLoop decodes and dispatches frames in arrival order until the stream
// ends or a frame cannot be decoded, then releases the connection.
func (t *Transport) readLoop(c *Conn) {
	defer t.connWG.Done()

	log := t.log.WithFields(logrus.Fields{
		"conn":   c.ID,
		"remote": c.RemoteAddr().String(),
	})
	defer func() {
		t.removeConn(c)
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.WithError(err).Debug("Error closing connection")
		}
		log.Debug("Connection released")
	}()

	log.Debug("Connection accepted")
	if !c.startReading() {
		return
	}
	reader := bufio.NewReader(c.conn)

	for {
		if t.config.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}

		msg, err := protocol.DecodeLimit(reader, t.config.MaxFrameSize)
		if err != nil {
			t.logReadError(log, c, err)
			return
		}
		t.metrics.frameReceived(t.router.metricLabel(msg.MessageType))

		if !c.allow() {
			log.WithField("message_type", msg.MessageType).Warn("Rate limit exceeded, dropping frame")
			t.metrics.frameDropped()
			continue
		}

		t.router.Dispatch(msg, c)
	}
}

func (t *Transport) logReadError(log *logrus.Entry, c *Conn, err error) {
	var netErr net.Error
	switch {
	case c.State() == StateClosed || errors.Is(err, net.ErrClosed):
		log.Debug("Connection closed locally")
	case errors.Is(err, protocol.ErrShortHeader) && errors.Is(err, io.EOF):
		log.Debug("Peer closed connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Warn("Read timed out, closing connection")
	default:
		log.WithError(err).Warn("Dropping connection after framing error")
		t.metrics.framingError(err)
	}
}
