package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netlab-dev/dataplane/internal/config"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, ":9100", cfg.Metrics.Addr)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, uint32(64), cfg.Router.InitTTL)
	require.Equal(t, 5120, cfg.Transport.SendWindow)
	require.Equal(t, 200*time.Millisecond, cfg.Transport.RetransmitTimeout)
}

func TestLoadPartialFileInheritsDefaults(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
log:
  level: debug
transport:
  rt_timeout: 500ms
  send_window: 8192
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 500*time.Millisecond, cfg.Transport.RetransmitTimeout)
	require.Equal(t, 8192, cfg.Transport.SendWindow)

	// Untouched sections keep their defaults.
	require.Equal(t, ":9100", cfg.Metrics.Addr)
	require.Equal(t, 5120, cfg.Transport.RecvWindow)
	require.Equal(t, 40*time.Millisecond, cfg.Transport.TimerInterval)
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeTemp(t, "config.yaml", "log:\n  level: debug\n")

	t.Setenv("DATAPLANE_LOG_LEVEL", "error")
	t.Setenv("DATAPLANE_METRICS_ADDR", ":9200")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "error", cfg.Log.Level)
	require.Equal(t, ":9200", cfg.Metrics.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty metrics addr", func(c *config.Config) { c.Metrics.Addr = "" }},
		{"zero init ttl", func(c *config.Config) { c.Router.InitTTL = 0 }},
		{"oversized init ttl", func(c *config.Config) { c.Router.InitTTL = 256 }},
		{"zero send window", func(c *config.Config) { c.Transport.SendWindow = 0 }},
		{"negative rt timeout", func(c *config.Config) { c.Transport.RetransmitTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, config.Validate(cfg))
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, config.ParseLogLevel("debug"))
	require.Equal(t, slog.LevelWarn, config.ParseLogLevel("WARN"))
	require.Equal(t, slog.LevelInfo, config.ParseLogLevel("unknown"))
}

func TestLoadInterfaces(t *testing.T) {
	path := writeTemp(t, "interfaces.txt", `
# router ports
eth0 aa:bb:cc:00:00:01 10.0.1.1
eth1 aa:bb:cc:00:00:02 10.0.2.1
`)

	ifaces, err := config.LoadInterfaces(path)
	require.NoError(t, err)
	require.Len(t, ifaces, 2)

	require.Equal(t, "eth0", ifaces[0].Name)
	require.Equal(t, "aa:bb:cc:00:00:01", ifaces[0].MAC.String())
	require.Equal(t, "10.0.1.1", ifaces[0].Addr.String())
}

func TestLoadInterfacesRejectsMalformedLine(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing field", "eth0 aa:bb:cc:00:00:01\n"},
		{"bad mac", "eth0 aa:bb:cc:00:00 10.0.1.1\n"},
		{"bad addr", "eth0 aa:bb:cc:00:00:01 10.0.1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, "interfaces.txt", tt.content)
			_, err := config.LoadInterfaces(path)
			require.Error(t, err)
			// Errors carry the file position.
			require.Contains(t, err.Error(), ":1:")
		})
	}
}

func TestLoadRoutesPreservesOrder(t *testing.T) {
	path := writeTemp(t, "rtable.txt", `
10.0.1.0 10.0.1.2 255.255.255.0 eth0
10.0.2.0 10.0.2.5 255.255.255.0 eth1
0.0.0.0 10.0.1.2 0.0.0.0 eth0
`)

	routes, err := config.LoadRoutes(path)
	require.NoError(t, err)
	require.Len(t, routes, 3)

	require.Equal(t, "eth0", routes[0].Egress)
	require.Equal(t, "10.0.2.5", routes[1].Gateway.String())
	require.Equal(t, "0.0.0.0", routes[2].Mask.String())
}

func TestParseMAC(t *testing.T) {
	mac, err := config.ParseMAC("de:ad:be:ef:00:01")
	require.NoError(t, err)
	require.Equal(t, "de:ad:be:ef:00:01", mac.String())

	_, err = config.ParseMAC("de:ad:be:ef:00")
	require.Error(t, err)
	_, err = config.ParseMAC("de:ad:be:ef:00:zz")
	require.Error(t, err)
}
