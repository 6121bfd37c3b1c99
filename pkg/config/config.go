package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Players PlayersConfig `yaml:"players"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// DaemonConfig proxy daemon configuration
type DaemonConfig struct {
	Bus                 types.BusScope `yaml:"bus"`                    // Bus the daemon serves (session or system)
	Name                string         `yaml:"name"`                   // Aggregator suffix under org.mpris.MediaPlayer2.
	Replace             bool           `yaml:"replace"`                // Take the canonical name from a running instance
	ForwardTimeout      int            `yaml:"forward_timeout"`        // Seconds to wait for a player reply (0 waits forever)
	FailPendingOnVanish bool           `yaml:"fail_pending_on_vanish"` // Fail in-flight calls when their player disappears
	Priority            string         `yaml:"priority"`               // Comma-separated player priority, e.g. "spotify,mpd,%any"
}

// PlayersConfig configuration for the players command
type PlayersConfig struct {
	Scopes []types.BusScope `yaml:"scopes"`
}

// MetricsConfig metrics listener configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // "off" disables the HTTP listener
	TelemetryPath string `yaml:"telemetry_path"`
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with defaults and environment overrides applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config file given")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Daemon.Bus == types.ScopeUnknown {
		c.Daemon.Bus = types.ScopeSession
	}
	if c.Daemon.Name == "" {
		c.Daemon.Name = protocol.DefaultAggregator
	}
	if c.Daemon.ForwardTimeout < 0 {
		c.Daemon.ForwardTimeout = 0
	}

	if len(c.Players.Scopes) == 0 {
		c.Players.Scopes = append([]types.BusScope(nil), types.AllScopes...)
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = "127.0.0.1:9464"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetForwardTimeout gets the forwarded call timeout, zero meaning none
func (c *Config) GetForwardTimeout() time.Duration {
	return time.Duration(c.Daemon.ForwardTimeout) * time.Second
}

// MetricsEnabled reports whether the metrics listener should run
func (c *Config) MetricsEnabled() bool {
	addr := strings.ToLower(strings.TrimSpace(c.Metrics.ListenAddress))
	return addr != "" && addr != "off"
}

// CanonicalName gets the well-known name the daemon tries to own
func (c *Config) CanonicalName() string {
	return protocol.CanonicalName(c.Daemon.Name)
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MPRIS_PROXY_BUS"); val != "" {
		if scope, err := types.ParseBusScope(val); err == nil {
			c.Daemon.Bus = scope
		}
	}
	if val := os.Getenv("MPRIS_PROXY_NAME"); val != "" {
		c.Daemon.Name = val
	}
	if val := os.Getenv("MPRIS_PROXY_REPLACE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Daemon.Replace = b
		}
	}
	if val := os.Getenv("MPRIS_PROXY_FORWARD_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i >= 0 {
			c.Daemon.ForwardTimeout = i
		}
	}
	if val := os.Getenv("MPRIS_PROXY_FAIL_PENDING_ON_VANISH"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Daemon.FailPendingOnVanish = b
		}
	}
	if val, ok := os.LookupEnv("MPRIS_PROXY_PRIORITY"); ok {
		c.Daemon.Priority = val
	}

	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// RestartRequired lists settings that differ from next and only apply at startup.
func (c *Config) RestartRequired(next *Config) []string {
	var out []string
	if c.Daemon.Bus != next.Daemon.Bus {
		out = append(out, "daemon.bus")
	}
	if c.Daemon.Name != next.Daemon.Name {
		out = append(out, "daemon.name")
	}
	if c.Daemon.Replace != next.Daemon.Replace {
		out = append(out, "daemon.replace")
	}
	if c.Metrics != next.Metrics {
		out = append(out, "metrics")
	}
	if c.Log.Format != next.Log.Format {
		out = append(out, "log.format")
	}
	return out
}
