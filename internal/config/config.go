package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/nottictl/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	PeripheralID       string        `yaml:"peripheral_id"`       // CoreBluetooth UUID (macOS) or MAC address
	ServiceUUID        string        `yaml:"service_uuid"`        // color service, 16-bit or 128-bit
	CharacteristicUUID string        `yaml:"characteristic_uuid"` // color receiver characteristic
	Timeout            time.Duration `yaml:"timeout"`             // bound for each BLE step
	Adapter            string        `yaml:"adapter"`             // BlueZ adapter id (Linux only)
	LogLevel           string        `yaml:"log_level"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "notti")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		PeripheralID:       ble.DefaultPeripheralID,
		ServiceUUID:        "fff0",
		CharacteristicUUID: "fff3",
		Timeout:            ble.DefaultTimeout,
		Adapter:            "hci0",
		LogLevel:           "info",
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

	cfg.PeripheralID = strings.TrimSpace(cfg.PeripheralID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.PeripheralID == "" {
		return fmt.Errorf("peripheral_id must not be empty")
	}
	if !validPeripheralID(c.PeripheralID) {
		return fmt.Errorf("peripheral_id must be a UUID or MAC address, got %q", c.PeripheralID)
	}

	if _, err := ble.ParseUUID(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}

	if _, err := ble.ParseUUID(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic_uuid: %w", err)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}

	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// PeripheralIDWarning returns a warning when peripheral_id cannot match any
// device on goos: BlueZ identifies peripherals by MAC address, CoreBluetooth
// by UUID. It returns "" when the identifier fits the platform.
func (c *Config) PeripheralIDWarning(goos string) string {
	if goos != "linux" {
		return ""
	}
	if _, err := uuid.Parse(c.PeripheralID); err != nil {
		return ""
	}
	return fmt.Sprintf("peripheral_id %s is a CoreBluetooth UUID but Linux identifies peripherals by MAC address; run \"notti scan\" to find it", c.PeripheralID)
}

// ClientOptions converts the config into BLE client options. Call Validate
// first.
func (c *Config) ClientOptions() (ble.ClientOptions, error) {
	svc, err := ble.ParseUUID(c.ServiceUUID)
	if err != nil {
		return ble.ClientOptions{}, err
	}
	char, err := ble.ParseUUID(c.CharacteristicUUID)
	if err != nil {
		return ble.ClientOptions{}, err
	}
	return ble.ClientOptions{
		PeripheralID:   c.PeripheralID,
		Service:        svc,
		Characteristic: char,
		Timeout:        c.Timeout,
	}, nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
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

// validPeripheralID accepts CoreBluetooth identifiers (UUIDs) and MAC
// addresses used by BlueZ.
func validPeripheralID(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	_, err := net.ParseMAC(id)
	return err == nil
}
