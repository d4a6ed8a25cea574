package network

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/busybox42/meshnode/pkg/protocol"
)

type ConnState int32

const (
	StateAccepted ConnState = iota
	StateReading
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Conn is one live peer stream owned by a Transport. Writes from handlers
// and broadcasts are serialised so frames never interleave.
type Conn struct {
	ID string

	conn         net.Conn
	outbound     bool
	opened       time.Time
	writeTimeout time.Duration
	limiter      *rate.Limiter

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func newConn(nc net.Conn, cfg *Config, outbound bool) *Conn {
	c := &Conn{
		ID:           uuid.NewString(),
		conn:         nc,
		outbound:     outbound,
		opened:       time.Now(),
		writeTimeout: cfg.WriteTimeout,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Outbound reports whether the connection was dialled by this node.
func (c *Conn) Outbound() bool {
	return c.outbound
}

func (c *Conn) Opened() time.Time {
	return c.opened
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// startReading moves an accepted connection to Reading. It fails when the
// connection was closed first; Closed is terminal.
func (c *Conn) startReading() bool {
	return c.state.CompareAndSwap(int32(StateAccepted), int32(StateReading))
}

// Send encodes msg and writes it to this connection only.
func (c *Conn) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// WriteFrame writes an already encoded frame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close closes the underlying stream. Only the first call has any effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s(%s)", c.ID, c.conn.RemoteAddr())
}
