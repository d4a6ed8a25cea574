package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	startAttempts = 3
	socksWait     = 10 * time.Second
)

// Options configures an embedded Tor instance.
type Options struct {
	// DataDir holds Tor state. Empty uses a temporary directory that is
	// removed by Stop.
	DataDir string
	// RemotePort is the onion service's public port.
	RemotePort int
	Logger     *logrus.Logger
}

// Manager manages an embedded Tor instance and its onion service.
type Manager struct {
	instance     *tor.Tor
	onion        *tor.OnionService
	OnionAddress string
	SocksPort    int
	DataDir      string
	tempDir      bool
	log          *logrus.Entry
}

// Start launches Tor, waits for it to bootstrap and publishes a v3 onion
// service. Startup is retried on a fresh SOCKS port when Tor fails to come
// up.
func Start(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithField("component", "tor")

	var m *Manager
	err := retry.Do(
		func() error {
			var err error
			m, err = startOnce(ctx, opts, log)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(startAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Tor start attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Tor after %d attempts: %w", startAttempts, err)
	}
	return m, nil
}

func startOnce(ctx context.Context, opts Options, log *logrus.Entry) (*Manager, error) {
	socksPort, err := freePort()
	if err != nil {
		return nil, err
	}

	m := &Manager{SocksPort: socksPort, DataDir: opts.DataDir, log: log}
	if m.DataDir == "" {
		if m.DataDir, err = os.MkdirTemp("", "meshnode-tor-*"); err != nil {
			return nil, fmt.Errorf("failed to create Tor data directory: %w", err)
		}
		m.tempDir = true
	}

	log.WithField("socks_port", socksPort).Info("Starting embedded Tor")
	m.instance, err = tor.Start(ctx, &tor.StartConf{
		DataDir:   m.DataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		m.cleanup()
		return nil, fmt.Errorf("failed to start Tor: %w", err)
	}

	if err := m.instance.EnableNetwork(ctx, true); err != nil {
		m.Stop()
		return nil, fmt.Errorf("failed to enable Tor network: %w", err)
	}
	if !waitForSocks5Proxy(m.socksAddr(), socksWait) {
		m.Stop()
		return nil, fmt.Errorf("SOCKS5 proxy did not start on %s", m.socksAddr())
	}

	m.onion, err = m.instance.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{opts.RemotePort},
		Version3:    true,
	})
	if err != nil {
		m.Stop()
		return nil, fmt.Errorf("failed to create onion service: %w", err)
	}
	m.OnionAddress = m.onion.ID + ".onion"

	log.WithField("onion", m.OnionAddress).Info("Onion service published")
	return m, nil
}

// Listener accepts connections arriving at the onion service.
func (m *Manager) Listener() net.Listener {
	return m.onion
}

// Dialer returns a SOCKS5 dialer that routes through this Tor instance.
func (m *Manager) Dialer() (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", m.socksAddr(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

// Stop shuts down Tor and removes a temporary data directory.
func (m *Manager) Stop() error {
	var err error
	if m.onion != nil {
		err = m.onion.Close()
		m.onion = nil
	}
	if m.instance != nil {
		err = errors.Join(err, m.instance.Close())
		m.instance = nil
	}
	m.cleanup()
	m.log.Info("Tor stopped")
	return err
}

func (m *Manager) cleanup() {
	if m.tempDir && m.DataDir != "" {
		os.RemoveAll(m.DataDir)
	}
}

func (m *Manager) socksAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(m.SocksPort))
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForSocks5Proxy(address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}
