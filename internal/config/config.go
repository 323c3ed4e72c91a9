package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Adapter   string          `yaml:"adapter"` // "tinygo" or "sim"
	Machine   MachineConfig   `yaml:"machine"`
	HeartRate HeartRateConfig `yaml:"heart_rate"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Export    ExportConfig    `yaml:"export"`
	UI        UIConfig        `yaml:"ui"`
	Sim       SimConfig       `yaml:"sim"`
}

// MachineConfig selects the fitness machine.
type MachineConfig struct {
	Enabled    bool   `yaml:"enabled"`
	NamePrefix string `yaml:"name_prefix"`
	Filter     string `yaml:"filter"` // "all", "treadmill", "rower", "bike" or "cross"
}

// HeartRateConfig selects the heart rate monitor.
type HeartRateConfig struct {
	Enabled    bool   `yaml:"enabled"`
	NamePrefix string `yaml:"name_prefix"`
}

// SessionConfig holds connection timing and fault thresholds shared by both
// sessions.
type SessionConfig struct {
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout"`
	LinkTimeout          time.Duration `yaml:"link_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	MaxRetries           int           `yaml:"max_retries"`
	DecodeErrorThreshold int           `yaml:"decode_error_threshold"`
	AutoConnect          bool          `yaml:"auto_connect"`
}

// StoreConfig locates the event database.
type StoreConfig struct {
	Path      string `yaml:"path"`
	MaxEvents int    `yaml:"max_events"`
	MaxErrors int    `yaml:"max_errors"`
}

// ExportConfig locates capture dumps.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// UIConfig holds the websocket endpoint. An empty Listen disables it.
type UIConfig struct {
	Listen string `yaml:"listen"`
}

// SimConfig tunes the simulated adapter.
type SimConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ConnectFailures int           `yaml:"connect_failures"`
	CorruptEvery    int           `yaml:"corrupt_every"`
	DropAfter       time.Duration `yaml:"drop_after"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ftms-recorder")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Adapter:  "tinygo",
		Machine: MachineConfig{
			Enabled: true,
			Filter:  "all",
		},
		HeartRate: HeartRateConfig{
			Enabled: true,
		},
		Session: SessionConfig{
			DiscoveryTimeout:     30 * time.Second,
			LinkTimeout:          10 * time.Second,
			SubscribeTimeout:     10 * time.Second,
			RetryDelay:           2 * time.Second,
			MaxRetries:           3,
			DecodeErrorThreshold: 3,
			AutoConnect:          true,
		},
		Store: StoreConfig{
			Path:      "~/.local/share/ftms-recorder/events.db",
			MaxEvents: 100,
			MaxErrors: 20,
		},
		Export: ExportConfig{
			Dir: "~/.local/share/ftms-recorder/captures",
		},
		UI: UIConfig{
			Listen: "127.0.0.1:8787",
		},
		Sim: SimConfig{
			Interval: time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path and export.dir is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.ExpandPaths()

	return cfg, nil
}

// ExpandPaths resolves a leading ~ in file system paths.
func (c *Config) ExpandPaths() {
	c.Store.Path = expandTilde(c.Store.Path)
	c.Export.Dir = expandTilde(c.Export.Dir)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Adapter {
	case "tinygo", "sim":
	default:
		return fmt.Errorf("adapter must be \"tinygo\" or \"sim\", got %q", c.Adapter)
	}

	if !c.Machine.Enabled && !c.HeartRate.Enabled {
		return fmt.Errorf("at least one of machine.enabled and heart_rate.enabled must be true")
	}

	if _, err := protocol.ParseMachineFilter(c.Machine.Filter); err != nil {
		return fmt.Errorf("machine.filter: %w", err)
	}

	timeouts := map[string]time.Duration{
		"session.discovery_timeout": c.Session.DiscoveryTimeout,
		"session.link_timeout":      c.Session.LinkTimeout,
		"session.subscribe_timeout": c.Session.SubscribeTimeout,
		"session.retry_delay":       c.Session.RetryDelay,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}

	if c.Session.MaxRetries < 1 {
		return fmt.Errorf("session.max_retries must be >= 1")
	}
	if c.Session.DecodeErrorThreshold < 1 {
		return fmt.Errorf("session.decode_error_threshold must be >= 1")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Store.MaxEvents < 1 || c.Store.MaxErrors < 1 {
		return fmt.Errorf("store.max_events and store.max_errors must be >= 1")
	}

	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir must not be empty")
	}

	if c.Adapter == "sim" && c.Sim.Interval <= 0 {
		return fmt.Errorf("sim.interval must be > 0")
	}

	return nil
}

const defaultHeader = `# ftms-recorder configuration
#
# adapter: "tinygo" talks to the host Bluetooth stack, "sim" runs an
# in-process treadmill and heart rate monitor.
# machine.filter: all, treadmill, rower, bike or cross.
# ui.listen: address of the websocket endpoint; empty disables it.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config level name to a logrus level. Unknown names
// yield info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
