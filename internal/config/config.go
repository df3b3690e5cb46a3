package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bleuart/internal/autoconnect"
	"github.com/chaz8081/bleuart/internal/ble"
	"github.com/chaz8081/bleuart/internal/ble/framing"
	"github.com/chaz8081/bleuart/internal/telemetry"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	UART      UARTConfig      `yaml:"uart"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig selects the peripheral to connect to once it is sighted.
// Address wins over Name; both empty means scan only.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// Enabled reports whether a target peripheral is configured.
func (d DeviceConfig) Enabled() bool {
	return d.Address != "" || d.Name != ""
}

// Matches reports whether p is the configured target. Addresses compare
// case-insensitively and names exactly.
func (d DeviceConfig) Matches(p ble.Peripheral) bool {
	if d.Address != "" {
		return strings.EqualFold(d.Address, p.Address)
	}
	return d.Name != "" && d.Name == p.Name
}

// UARTConfig holds the GATT profile of the peripheral.
type UARTConfig struct {
	ServiceUUID   string `yaml:"service_uuid"`
	WriteUUID     string `yaml:"write_uuid"`
	NotifyUUID    string `yaml:"notify_uuid"`
	MaxWriteBytes int    `yaml:"max_write_bytes"`
	QueueSize     int    `yaml:"queue_size"`
}

// TimeoutsConfig holds scan and disconnect timing.
type TimeoutsConfig struct {
	ScanWindow time.Duration `yaml:"scan_window"`
	Disconnect time.Duration `yaml:"disconnect"`
}

// ReconnectConfig holds the auto-connect retry policy.
type ReconnectConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failed attempts before backing off
	Cooldown    time.Duration `yaml:"cooldown"`
	MinInterval time.Duration `yaml:"min_interval"` // minimum spacing between scan restarts
}

// TelemetryConfig holds settings for the numeric payload series.
type TelemetryConfig struct {
	Window int `yaml:"window"` // number of samples kept
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleuart")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config for a Nordic UART peripheral.
func Default() *Config {
	return &Config{
		UART: UARTConfig{
			ServiceUUID:   ble.ServiceUUID,
			WriteUUID:     ble.WriteCharUUID,
			NotifyUUID:    ble.NotifyCharUUID,
			MaxWriteBytes: framing.DefaultMaxFrameBytes,
			QueueSize:     64,
		},
		Timeouts: TimeoutsConfig{
			ScanWindow: 10 * time.Second,
			Disconnect: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxFailures: autoconnect.DefaultMaxFailures,
			Cooldown:    autoconnect.DefaultCooldown,
			MinInterval: autoconnect.DefaultMinInterval,
		},
		Telemetry: TelemetryConfig{
			Window: telemetry.DefaultWindow,
		},
		LogLevel: "info",
	}
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
	uuids := []struct {
		field, value string
	}{
		{"uart.service_uuid", c.UART.ServiceUUID},
		{"uart.write_uuid", c.UART.WriteUUID},
		{"uart.notify_uuid", c.UART.NotifyUUID},
	}
	for _, u := range uuids {
		if _, err := bluetooth.ParseUUID(u.value); err != nil {
			return fmt.Errorf("%s must be a 128-bit UUID, got %q", u.field, u.value)
		}
	}

	if c.UART.MaxWriteBytes <= 0 || c.UART.MaxWriteBytes > 512 {
		return fmt.Errorf("uart.max_write_bytes must be between 1 and 512, got %d", c.UART.MaxWriteBytes)
	}
	if c.UART.QueueSize <= 0 {
		return fmt.Errorf("uart.queue_size must be > 0")
	}

	if c.Timeouts.ScanWindow <= 0 {
		return fmt.Errorf("timeouts.scan_window must be > 0")
	}
	if c.Timeouts.Disconnect <= 0 {
		return fmt.Errorf("timeouts.disconnect must be > 0")
	}

	if c.Reconnect.MaxFailures == 0 {
		return fmt.Errorf("reconnect.max_failures must be > 0")
	}
	if c.Reconnect.Cooldown <= 0 {
		return fmt.Errorf("reconnect.cooldown must be > 0")
	}
	if c.Reconnect.MinInterval <= 0 {
		return fmt.Errorf("reconnect.min_interval must be > 0")
	}

	if c.Telemetry.Window <= 0 {
		return fmt.Errorf("telemetry.window must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// AutoconnectOptions converts the reconnect section into supervisor options.
func (c *Config) AutoconnectOptions() autoconnect.Options {
	return autoconnect.Options{
		MaxFailures: c.Reconnect.MaxFailures,
		Cooldown:    c.Reconnect.Cooldown,
		MinInterval: c.Reconnect.MinInterval,
	}
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// default to info.
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

// CoreOptions converts the config into options for ble.New.
func (c *Config) CoreOptions() ble.Options {
	opts := ble.DefaultOptions()
	opts.ServiceUUID = c.UART.ServiceUUID
	opts.WriteCharUUID = c.UART.WriteUUID
	opts.NotifyCharUUID = c.UART.NotifyUUID
	opts.MaxWriteBytes = c.UART.MaxWriteBytes
	opts.QueueSize = c.UART.QueueSize
	opts.ScanWindow = c.Timeouts.ScanWindow
	opts.DisconnectTimeout = c.Timeouts.Disconnect
	return opts
}

const defaultHeader = `# bleuart configuration
#
# device.address or device.name selects the peripheral to connect to
# automatically once a scan sights it. Leave both empty to scan only.
# Durations use Go syntax (10s, 500ms).

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file was already
// present.
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
