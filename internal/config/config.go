// Package config manages daemon configuration using koanf/v2.
//
// The daemon configuration (logging, metrics, transport parameters,
// topology file paths) is layered: defaults, then a YAML file, then
// DATAPLANE_-prefixed environment overrides. The router's interface
// list and routing table are separate whitespace-separated text files
// parsed by the topology loader in this package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete daemon configuration.
type Config struct {
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Router    RouterConfig    `koanf:"router"`
	Transport TransportConfig `koanf:"transport"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RouterConfig holds the router subcommand's inputs.
type RouterConfig struct {
	// InterfacesFile is the path to the interface list (name mac ipv4
	// per line).
	InterfacesFile string `koanf:"interfaces_file"`

	// RoutingTableFile is the path to the routing table (dest gateway
	// mask egress per line).
	RoutingTableFile string `koanf:"routing_table_file"`

	// LinksFile is the path to the link map binding each interface
	// name to its local and peer UDP addresses (name local peer per
	// line).
	LinksFile string `koanf:"links_file"`

	// InitTTL is the TTL stamped on locally generated packets.
	InitTTL uint32 `koanf:"init_ttl"`
}

// TransportConfig holds the transport subcommand's parameters.
type TransportConfig struct {
	// RecvWindow is the advertised receive window in bytes.
	RecvWindow int `koanf:"recv_window"`

	// SendWindow is the initial send window in bytes.
	SendWindow int `koanf:"send_window"`

	// TimerInterval is the periodic tick spacing.
	TimerInterval time.Duration `koanf:"timer_interval"`

	// RetransmitTimeout is the per-segment retransmission timeout.
	RetransmitTimeout time.Duration `koanf:"rt_timeout"`

	// BDPFile is the optional bandwidth-delay-product measurement
	// file; empty disables the log.
	BDPFile string `koanf:"bdp_file"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Router: RouterConfig{
			InterfacesFile:   "interfaces.txt",
			RoutingTableFile: "rtable.txt",
			LinksFile:        "links.txt",
			InitTTL:          64,
		},
		Transport: TransportConfig{
			RecvWindow:        5120,
			SendWindow:        5120,
			TimerInterval:     40 * time.Millisecond,
			RetransmitTimeout: 200 * time.Millisecond,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for configuration.
// Variables are named DATAPLANE_<section>_<key>, e.g., DATAPLANE_LOG_LEVEL.
const envPrefix = "DATAPLANE_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides, and merges on top of DefaultConfig().
// An empty path skips the file layer. Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// DATAPLANE_LOG_LEVEL -> log.level (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms DATAPLANE_LOG_LEVEL -> log.level. Only the
// first underscore separates section from key, so multi-word keys keep
// theirs (DATAPLANE_TRANSPORT_RT_TIMEOUT -> transport.rt_timeout).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"router.interfaces_file":    defaults.Router.InterfacesFile,
		"router.routing_table_file": defaults.Router.RoutingTableFile,
		"router.links_file":         defaults.Router.LinksFile,
		"router.init_ttl":           defaults.Router.InitTTL,
		"transport.recv_window":     defaults.Transport.RecvWindow,
		"transport.send_window":     defaults.Transport.SendWindow,
		"transport.timer_interval":  defaults.Transport.TimerInterval.String(),
		"transport.rt_timeout":      defaults.Transport.RetransmitTimeout.String(),
		"transport.bdp_file":        defaults.Transport.BDPFile,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidInitTTL indicates an out-of-range initial TTL.
	ErrInvalidInitTTL = errors.New("router.init_ttl must be between 1 and 255")

	// ErrInvalidTransportWindow indicates a non-positive window.
	ErrInvalidTransportWindow = errors.New("transport windows must be > 0")

	// ErrInvalidTransportTimer indicates a non-positive timer parameter.
	ErrInvalidTransportTimer = errors.New("transport timers must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if cfg.Router.InitTTL < 1 || cfg.Router.InitTTL > 255 {
		return ErrInvalidInitTTL
	}

	if cfg.Transport.RecvWindow <= 0 || cfg.Transport.SendWindow <= 0 {
		return ErrInvalidTransportWindow
	}

	if cfg.Transport.TimerInterval <= 0 || cfg.Transport.RetransmitTimeout <= 0 {
		return ErrInvalidTransportTimer
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
