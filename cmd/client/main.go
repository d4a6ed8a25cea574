package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/internal/logging"
	"github.com/busybox42/meshnode/internal/node"
	"github.com/busybox42/meshnode/pkg/crypto"
)

const (
	Version = "0.1.0"
	prompt  = "mesh> "
)

type MessageRecord struct {
	Timestamp time.Time
	Sender    string
	Content   string
	Status    string
}

// syncWriter serialises output from the prompt and from read goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type meshClient struct {
	cfg  *config.Config
	log  *logrus.Logger
	node *node.Node
	out  io.Writer

	historyMu sync.RWMutex
	history   []MessageRecord
}

func newMeshClient(cfg *config.Config, log *logrus.Logger, out io.Writer) (*meshClient, error) {
	keys, err := crypto.LoadOrGenerate(cfg.KeyDir, "client")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}

	mc := &meshClient{cfg: cfg, log: log, out: &syncWriter{w: out}}
	mc.node = node.New(keys, cfg.Transport("", log), cfg.Metadata(map[string]any{"role": "client", "version": Version}))
	mc.node.OnChat(mc.printChat)

	if _, err := mc.node.Start(cfg.Host, cfg.Port); err != nil {
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}
	return mc, nil
}

func (mc *meshClient) addToHistory(record MessageRecord) {
	mc.historyMu.Lock()
	defer mc.historyMu.Unlock()
	mc.history = append(mc.history, record)
}

func (mc *meshClient) printChat(msg node.ChatMessage) {
	fmt.Fprintf(mc.out, "\r[%s] %s: %s\n", time.Now().Format("15:04:05"), short(msg.From), msg.Text)
	mc.addToHistory(MessageRecord{
		Timestamp: time.Now(),
		Sender:    msg.From,
		Content:   msg.Text,
		Status:    "received",
	})
}

func (mc *meshClient) connect(ctx context.Context, addrs []string) error {
	return mc.node.ConnectPeers(ctx, addrs)
}

func (mc *meshClient) send(text string) (int, error) {
	sent, err := mc.node.SendChat(text)
	status := "sent"
	if err != nil || sent == 0 {
		status = "failed"
	}
	mc.addToHistory(MessageRecord{
		Timestamp: time.Now(),
		Sender:    mc.node.ID(),
		Content:   text,
		Status:    status,
	})
	return sent, err
}

func (mc *meshClient) Close() {
	if err := mc.node.Stop(); err != nil {
		mc.log.Errorf("Error stopping transport: %v", err)
	}
	for _, c := range mc.node.Transport().Connections() {
		c.Close()
	}
	mc.node.Transport().Wait()
}

// shell reads commands from in until exit, EOF or ctx is done.
func (mc *meshClient) shell(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		fmt.Fprint(mc.out, prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if quit := mc.execute(ctx, line); quit {
				return nil
			}
		}
	}
}

func (mc *meshClient) execute(ctx context.Context, line string) (quit bool) {
	command, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	args = strings.TrimSpace(args)

	switch command {
	case "":
	case "connect":
		if args == "" {
			fmt.Fprintln(mc.out, "Usage: connect <host:port>")
			return false
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := mc.connect(dialCtx, []string{args}); err != nil {
			fmt.Fprintf(mc.out, "Failed to connect: %v\n", err)
		} else {
			fmt.Fprintf(mc.out, "Connected to %s\n", args)
		}

	case "send":
		if args == "" {
			fmt.Fprintln(mc.out, "Usage: send <message>")
			return false
		}
		sent, err := mc.send(args)
		if err != nil {
			fmt.Fprintf(mc.out, "Failed to send message: %v\n", err)
		} else {
			fmt.Fprintf(mc.out, "Message sent to %d connection(s)\n", sent)
		}

	case "ping":
		sent, err := mc.node.Ping()
		if err != nil {
			fmt.Fprintf(mc.out, "Failed to ping: %v\n", err)
		} else {
			fmt.Fprintf(mc.out, "Pinged %d connection(s)\n", sent)
		}

	case "peers":
		peers := mc.node.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(mc.out, "No known peers")
		}
		for _, p := range peers {
			fmt.Fprintf(mc.out, "Peer %s @ %v (last seen %s)\n", short(p.ID), p.Address, p.LastSeen.Format("15:04:05"))
		}

	case "status":
		fmt.Fprintln(mc.out, "Network Status:")
		fmt.Fprintf(mc.out, "Local Node: %s\n", mc.node.ID())
		fmt.Fprintf(mc.out, "Listening: %v\n", mc.node.Self().Address)
		fmt.Fprintf(mc.out, "Connections: %d\n", len(mc.node.Transport().Connections()))
		fmt.Fprintf(mc.out, "Known Peers: %d\n", len(mc.node.Peers()))

	case "history":
		mc.historyMu.RLock()
		if len(mc.history) == 0 {
			fmt.Fprintln(mc.out, "No message history")
		}
		for _, record := range mc.history {
			fmt.Fprintf(mc.out, "[%s] %s: %s (%s)\n",
				record.Timestamp.Format("15:04:05"), short(record.Sender), record.Content, record.Status)
		}
		mc.historyMu.RUnlock()

	case "mykey":
		fmt.Fprintf(mc.out, "Local Node ID: %s\n", mc.node.ID())

	case "exit", "quit":
		return true

	case "help":
		fmt.Fprintln(mc.out, "Available commands:")
		fmt.Fprintln(mc.out, "  connect <host:port>  - Connect and announce to a peer")
		fmt.Fprintln(mc.out, "  send <message>       - Broadcast a chat message")
		fmt.Fprintln(mc.out, "  ping                 - Ping every connection")
		fmt.Fprintln(mc.out, "  peers                - List announced peers")
		fmt.Fprintln(mc.out, "  status               - Show network status")
		fmt.Fprintln(mc.out, "  history              - Show message history")
		fmt.Fprintln(mc.out, "  mykey                - Show the local node id")
		fmt.Fprintln(mc.out, "  exit                 - Exit the application")

	default:
		fmt.Fprintf(mc.out, "Unknown command: %s. Type 'help' for usage.\n", command)
	}
	return false
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
		&cli.StringFlag{Name: "env-file", Usage: "dotenv file with MESHNODE_* variables", Value: ".env"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Value: "warn"},
		&cli.StringFlag{Name: "host", Usage: "Address to listen on", Value: "127.0.0.1"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port to listen on (0 picks a free port)"},
		&cli.StringFlag{Name: "key-dir", Usage: "Directory holding the client keys"},
		&cli.StringSliceFlag{Name: "peer", Usage: "Peer address to connect to (repeatable)"},
	}
}

// loadConfig reads the shared config and applies client flags. The client
// listens on a free port unless --port is given.
func loadConfig(c *cli.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, nil, err
	}
	cfg.Host = c.String("host")
	cfg.Port = int(c.Int("port"))
	cfg.LogLevel = c.String("log-level")
	if c.IsSet("key-dir") {
		cfg.KeyDir = c.String("key-dir")
	}
	if c.IsSet("peer") {
		cfg.Peers = c.StringSlice("peer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := logging.NewWithOutput(c.Root().ErrWriter, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runShell(ctx context.Context, c *cli.Command) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	mc, err := newMeshClient(cfg, log, c.Root().Writer)
	if err != nil {
		return err
	}
	defer mc.Close()

	fmt.Fprintf(mc.out, "Local Node ID: %s\n", mc.node.ID())
	fmt.Fprintf(mc.out, "Listening on: %v\n", mc.node.Self().Address)
	if len(cfg.Peers) > 0 {
		if err := mc.connect(ctx, cfg.Peers); err != nil {
			fmt.Fprintf(mc.out, "Some peers were unreachable: %v\n", err)
		}
	}
	return mc.shell(ctx, c.Root().Reader)
}

func runSend(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() == 0 {
		return errors.New("usage: send --peer <host:port> <message>")
	}
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	if len(cfg.Peers) == 0 {
		return errors.New("send needs at least one --peer")
	}
	mc, err := newMeshClient(cfg, log, c.Root().Writer)
	if err != nil {
		return err
	}
	defer mc.Close()

	if err := mc.connect(ctx, cfg.Peers); err != nil && len(mc.node.Transport().Connections()) == 0 {
		return err
	}
	sent, err := mc.send(strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(mc.out, "Message sent to %d connection(s)\n", sent)
	return nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "meshctl",
		Usage:   "Interactive client for the mesh messaging network",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:   "shell",
				Usage:  "Start an interactive session",
				Flags:  clientFlags(),
				Action: runShell,
			},
			{
				Name:      "send",
				Usage:     "Send one chat message to the given peers",
				ArgsUsage: "<message>",
				Flags:     clientFlags(),
				Action:    runSend,
			},
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		logrus.Fatalf("meshctl: %v", err)
	}
}
