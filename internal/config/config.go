package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bluekit/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Adapter         string        `yaml:"adapter"`      // BlueZ adapter name, e.g. hci0
	ServiceUUID     string        `yaml:"service_uuid"` // optional scan filter
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	BackoffMax      int           `yaml:"backoff_max"`   // seconds
	PowerMonitor    string        `yaml:"power_monitor"` // "auto", "bluez" or "none"
	LogLevel        string        `yaml:"log_level"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bluekit")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultCentralOptions()
	return &Config{
		Adapter:         "hci0",
		ScanTimeout:     opts.ScanTimeout,
		ConnectTimeout:  opts.ConnectTimeout,
		ConnectAttempts: opts.ConnectAttempts,
		BackoffMax:      opts.BackoffMax,
		PowerMonitor:    "auto",
		LogLevel:        "info",
	}
}

const defaultHeader = `# bluekit configuration
# adapter is only used for BlueZ power monitoring on Linux.
# power_monitor: auto | bluez | none
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	if c.ServiceUUID != "" {
		if _, err := bluetooth.ParseUUID(c.ServiceUUID); err != nil {
			return fmt.Errorf("service_uuid %q is not a valid UUID: %w", c.ServiceUUID, err)
		}
	}

	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be > 0")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}

	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect_attempts must be > 0")
	}

	if c.BackoffMax <= 0 {
		return fmt.Errorf("backoff_max must be > 0")
	}

	switch c.PowerMonitor {
	case "auto", "bluez", "none":
	default:
		return fmt.Errorf("power_monitor must be \"auto\", \"bluez\" or \"none\", got %q", c.PowerMonitor)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// CentralOptions converts the config into options for ble.NewCentral.
// The power monitor is chosen by the caller.
func (c *Config) CentralOptions() ble.CentralOptions {
	return ble.CentralOptions{
		ScanTimeout:     c.ScanTimeout,
		ConnectTimeout:  c.ConnectTimeout,
		ConnectAttempts: c.ConnectAttempts,
		BackoffMax:      c.BackoffMax,
	}
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
