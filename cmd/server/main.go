package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/internal/logging"
	"github.com/busybox42/meshnode/internal/node"
	"github.com/busybox42/meshnode/internal/pipeline"
	"github.com/busybox42/meshnode/pkg/crypto"
	"github.com/busybox42/meshnode/pkg/tor"
)

const Version = "0.1.0"

type server struct {
	cfg        *config.Config
	log        *logrus.Logger
	keys       *crypto.KeyPair
	node       *node.Node
	torManager *tor.Manager
	registry   *prometheus.Registry
	metrics    *http.Server
	metricsAt  net.Addr
}

func newServer(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*server, error) {
	log.Infof("Initializing meshnode on %s:%d (Tor: %v)", cfg.Host, cfg.Port, cfg.UseTor)
	srv := &server{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	srv.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := srv.initializeKeys(); err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	if cfg.UseTor {
		if err := srv.initializeTor(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize Tor: %w", err)
		}
	}
	if err := srv.initializeNetwork(); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}
	if err := srv.initializeMetrics(); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return srv, nil
}

func (srv *server) initializeKeys() error {
	keys, err := crypto.LoadOrGenerate(srv.cfg.KeyDir, "node")
	if err != nil {
		return err
	}
	srv.keys = keys
	srv.log.Infof("Loaded node keys from %s", srv.cfg.KeyDir)
	return nil
}

func (srv *server) initializeTor(ctx context.Context) error {
	srv.log.Info("Initializing Tor")
	manager, err := tor.Start(ctx, tor.Options{
		DataDir:    srv.cfg.TorDataDir,
		RemotePort: srv.cfg.Port,
		Logger:     srv.log,
	})
	if err != nil {
		return err
	}
	srv.torManager = manager
	srv.log.Infof("Tor initialized successfully. Onion address: %s", manager.OnionAddress)
	return nil
}

func (srv *server) initializeNetwork() error {
	tcfg := srv.cfg.Transport("", srv.log)
	tcfg.Registerer = srv.registry
	if srv.torManager != nil {
		dialer, err := srv.torManager.Dialer()
		if err != nil {
			return err
		}
		tcfg.Dialer = dialer
	}

	metadata := srv.cfg.Metadata(map[string]any{"version": Version})
	if srv.torManager != nil {
		metadata["onion"] = srv.torManager.OnionAddress
	}
	srv.node = node.New(srv.keys, tcfg, metadata)

	if srv.torManager != nil {
		return srv.node.Serve(srv.torManager.Listener())
	}
	_, err := srv.node.Start(srv.cfg.Host, srv.cfg.Port)
	return err
}

func (srv *server) initializeMetrics() error {
	if srv.cfg.MetricsAddr == "" {
		return nil
	}
	l, err := net.Listen("tcp", srv.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))
	srv.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv.metricsAt = l.Addr()
	go func() {
		if err := srv.metrics.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Errorf("Metrics server failed: %v", err)
		}
	}()
	srv.log.Infof("Serving metrics on %s/metrics", l.Addr())
	return nil
}

// run joins the configured peers, announces the node and blocks until ctx
// is cancelled.
func (srv *server) run(ctx context.Context) error {
	if len(srv.cfg.Peers) > 0 {
		if err := srv.node.ConnectPeers(ctx, srv.cfg.Peers); err != nil {
			srv.log.Warnf("Some peers were unreachable: %v", err)
		}
	}
	if _, err := srv.node.Announce(); err != nil {
		srv.log.Warnf("Failed to announce: %v", err)
	}

	srv.log.WithField("node", srv.node.ID()).Info("meshnode is running")
	<-ctx.Done()
	return nil
}

func (srv *server) Shutdown() error {
	if srv.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.metrics.Shutdown(ctx); err != nil {
			srv.log.Errorf("Error stopping metrics server: %v", err)
		}
	}
	if srv.node != nil {
		if err := srv.node.Stop(); err != nil {
			srv.log.Errorf("Error stopping transport: %v", err)
		}
		for _, c := range srv.node.Transport().Connections() {
			c.Close()
		}
		srv.node.Transport().Wait()
	}
	if srv.torManager != nil {
		if err := srv.torManager.Stop(); err != nil {
			srv.log.Errorf("Error stopping Tor: %v", err)
		}
	}
	return nil
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
		&cli.StringFlag{Name: "env-file", Usage: "dotenv file with MESHNODE_* variables", Value: ".env"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
		&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)"},
	}
}

func serveFlags() []cli.Flag {
	return append(configFlags(),
		&cli.StringFlag{Name: "name", Usage: "Human-readable node name announced to peers"},
		&cli.StringFlag{Name: "host", Usage: "Address to listen on"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port to listen on"},
		&cli.StringFlag{Name: "key-dir", Usage: "Directory holding the node keys"},
		&cli.StringSliceFlag{Name: "peer", Usage: "Peer address to connect to (repeatable)"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Address for the Prometheus /metrics endpoint"},
		&cli.BoolFlag{Name: "tor", Usage: "Serve through a Tor onion service"},
	)
}

// loadConfig layers command-line flags over the file and environment.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("name") {
		cfg.NodeName = c.String("name")
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = int(c.Int("port"))
	}
	if c.IsSet("key-dir") {
		cfg.KeyDir = c.String("key-dir")
	}
	if c.IsSet("peer") {
		cfg.Peers = c.StringSlice("peer")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("tor") {
		cfg.UseTor = c.Bool("tor")
	}
	if c.IsSet("root") {
		cfg.PipelineRoot = c.String("root")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	srv, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Shutdown()
	return srv.run(ctx)
}

func runPipeline(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	runner, err := pipeline.New(cfg.PipelineRoot, log)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func runArtifact(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 2 {
		return errors.New("usage: artifact <source> <name>")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	runner, err := pipeline.New(cfg.PipelineRoot, log)
	if err != nil {
		return err
	}
	artifact, err := runner.CreateArtifact(c.Args().Get(0), c.Args().Get(1), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Root().Writer, "%s %s %d\n", artifact.Name, artifact.Checksum, artifact.Size)
	return nil
}

func pipelineFlags() []cli.Flag {
	return append(configFlags(),
		&cli.StringFlag{Name: "root", Usage: "Project root holding .cicd/config.json"},
	)
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "meshnode",
		Usage:   "Peer node for the mesh messaging network",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run a mesh node",
				Flags:  serveFlags(),
				Action: runServe,
			},
			{
				Name:  "pipeline",
				Usage: "Run the local build/test/deploy pipeline",
				Commands: []*cli.Command{
					{
						Name:   "run",
						Usage:  "Run every pipeline stage",
						Flags:  pipelineFlags(),
						Action: runPipeline,
					},
					{
						Name:      "artifact",
						Usage:     "Package a build output as a checksummed artifact",
						ArgsUsage: "<source> <name>",
						Flags:     pipelineFlags(),
						Action:    runArtifact,
					},
				},
			},
			{
				Name:  "version",
				Usage: "Display version information",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Fprintf(c.Root().Writer, "meshnode version %s\n", Version)
					return nil
				},
			},
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		logrus.Fatalf("meshnode: %v", err)
	}
}
