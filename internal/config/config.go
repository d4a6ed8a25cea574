package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/pkg/network"
)

const EnvPrefix = "MESHNODE_"

type Config struct {
	// NodeName is a human label announced with the node's identity. The
	// node id itself is always derived from the key pair.
	NodeName string `toml:"node_name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	KeyDir   string `toml:"key_dir"`

	MaxFrameSize     uint32        `toml:"max_frame_size"`
	ReadTimeout      time.Duration `toml:"read_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
	RateLimit        float64       `toml:"rate_limit"`
	RateBurst        int           `toml:"rate_burst"`
	CloseConnsOnStop bool          `toml:"close_conns_on_stop"`

	Peers        []string      `toml:"peers"`
	DialAttempts uint          `toml:"dial_attempts"`
	DialDelay    time.Duration `toml:"dial_delay"`

	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`

	UseTor       bool   `toml:"use_tor"`
	TorDataDir   string `toml:"tor_data_dir"`
	PipelineRoot string `toml:"pipeline_root"`
}

func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Host:         network.DefaultHost,
		Port:         8080,
		KeyDir:       filepath.Join(home, ".meshnode"),
		MaxFrameSize: network.DefaultMaxFrameSize,
		DialAttempts: network.DefaultDialAttempts,
		DialDelay:    network.DefaultDialDelay,
		LogLevel:     "info",
		LogFormat:    "text",
		PipelineRoot: ".",
	}
}

// Load builds a config from defaults, then the TOML file at path, then
// envFile, then MESHNODE_* environment variables. Empty path or envFile
// skips that layer. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
			logrus.Debugf("Env file %s not found, using process environment", envFile)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	return errors.Join(
		loadEnvString(&c.NodeName, "NODE_NAME"),
		loadEnvString(&c.Host, "HOST"),
		loadEnvInt(&c.Port, "PORT"),
		loadEnvString(&c.KeyDir, "KEY_DIR"),
		loadEnvUint32(&c.MaxFrameSize, "MAX_FRAME_SIZE"),
		loadEnvDuration(&c.ReadTimeout, "READ_TIMEOUT"),
		loadEnvDuration(&c.WriteTimeout, "WRITE_TIMEOUT"),
		loadEnvFloat(&c.RateLimit, "RATE_LIMIT"),
		loadEnvInt(&c.RateBurst, "RATE_BURST"),
		loadEnvBool(&c.CloseConnsOnStop, "CLOSE_CONNS_ON_STOP"),
		loadEnvStringSlice(&c.Peers, "PEERS"),
		loadEnvUint(&c.DialAttempts, "DIAL_ATTEMPTS"),
		loadEnvDuration(&c.DialDelay, "DIAL_DELAY"),
		loadEnvString(&c.MetricsAddr, "METRICS_ADDR"),
		loadEnvString(&c.LogLevel, "LOG_LEVEL"),
		loadEnvString(&c.LogFormat, "LOG_FORMAT"),
		loadEnvBool(&c.UseTor, "USE_TOR"),
		loadEnvString(&c.TorDataDir, "TOR_DATA_DIR"),
		loadEnvString(&c.PipelineRoot, "PIPELINE_ROOT"),
	)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.KeyDir == "" {
		errs = append(errs, errors.New("key_dir is required"))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.DialDelay < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate_limit and rate_burst must not be negative"))
	}
	for _, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			errs = append(errs, fmt.Errorf("peer %q: %w", peer, err))
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr %q: %w", c.MetricsAddr, err))
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Metadata returns the identity metadata announced by a node running with
// this config: base plus a "name" entry when NodeName is set.
func (c *Config) Metadata(base map[string]any) map[string]any {
	metadata := make(map[string]any, len(base)+1)
	for k, v := range base {
		metadata[k] = v
	}
	if c.NodeName != "" {
		metadata["name"] = c.NodeName
	}
	return metadata
}

// Transport maps the settings onto a transport configuration.
func (c *Config) Transport(nodeID string, logger *logrus.Logger) network.Config {
	return network.Config{
		NodeID:           nodeID,
		MaxFrameSize:     c.MaxFrameSize,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		RateLimit:        c.RateLimit,
		RateBurst:        c.RateBurst,
		CloseConnsOnStop: c.CloseConnsOnStop,
		DialAttempts:     c.DialAttempts,
		DialDelay:        c.DialDelay,
		Logger:           logger,
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadEnvString(target *string, key string) error {
	if value, ok := lookupEnv(key); ok {
		*target = value
	}
	return nil
}

func loadEnvInt(target *int, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer value for %s%s: %s", EnvPrefix, key, value)
	}
	*target = n
	return nil
}

func loadEnvUint(target *uint, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(value, 10, 0)
	if err != nil {
		return fmt.Errorf("invalid unsigned value for %s%s: %s", EnvPrefix, key, value)
	}
	*target = uint(n)
	return nil
}

func loadEnvUint32(target *uint32, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid size value for %s%s: %s", EnvPrefix, key, value)
	}
	*target = uint32(n)
	return nil
}

func loadEnvFloat(target *float64, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number value for %s%s: %s", EnvPrefix, key, value)
	}
	*target = f
	return nil
}

func loadEnvBool(target *bool, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean value for %s%s: %s", EnvPrefix, key, value)
	}
	*target = b
	return nil
}

func loadEnvDuration(target *time.Duration, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration value for %s%s: %s", EnvPrefix, key, value)
	}
	*target = d
	return nil
}

func loadEnvStringSlice(target *[]string, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
	return nil
}
