package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LinkType identifies which transport backend should be used.
type LinkType string

const (
	LinkSerial   LinkType = "serial"
	LinkUDP      LinkType = "udp"
	LinkEmulated LinkType = "emulated"

	DefaultSerialBaud = 115200
	DefaultUDPPort    = 8913
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// LinkConfig contains transport-specific connection parameters.
type LinkConfig struct {
	Type       LinkType `json:"type"`
	SerialPort string   `json:"serial_port"`
	SerialBaud int      `json:"serial_baud"`
	UDPHost    string   `json:"udp_host"`
	UDPPort    int      `json:"udp_port"`
}

// TimingConfig overrides the protocol timing defaults. Zero values keep
// the built-in defaults.
type TimingConfig struct {
	ResponseTimeoutMillis  int `json:"response_timeout_ms"`
	DiscoverIntervalMillis int `json:"discover_interval_ms"`
}

// PersistenceConfig controls the session history database.
type PersistenceConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Link        LinkConfig        `json:"link"`
	Timing      TimingConfig      `json:"timing"`
	Logging     LoggingConfig     `json:"logging"`
	Persistence PersistenceConfig `json:"persistence"`
}

func Default() AppConfig {
	return AppConfig{
		Link: LinkConfig{
			Type:       LinkSerial,
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
			UDPHost:    "",
			UDPPort:    DefaultUDPPort,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			Path:    "",
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Link.Type == "" {
		c.Link.Type = LinkSerial
	}
	if c.Link.SerialBaud <= 0 {
		c.Link.SerialBaud = DefaultSerialBaud
	}
	if c.Link.UDPPort <= 0 || c.Link.UDPPort > 65535 {
		c.Link.UDPPort = DefaultUDPPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Timing.ResponseTimeoutMillis < 0 {
		c.Timing.ResponseTimeoutMillis = 0
	}
	if c.Timing.DiscoverIntervalMillis < 0 {
		c.Timing.DiscoverIntervalMillis = 0
	}
}

func (c AppConfig) Validate() error {
	switch c.Link.Type {
	case LinkSerial:
		if strings.TrimSpace(c.Link.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Link.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case LinkUDP:
		if strings.TrimSpace(c.Link.UDPHost) == "" {
			return errors.New("udp host is required")
		}
		if c.Link.UDPPort <= 0 || c.Link.UDPPort > 65535 {
			return fmt.Errorf("udp port out of range: %d", c.Link.UDPPort)
		}
	case LinkEmulated:
	default:
		return fmt.Errorf("unknown link type: %s", c.Link.Type)
	}

	return nil
}

// UDPAddress returns the configured UDP endpoint as host:port.
func (c LinkConfig) UDPAddress() string {
	return net.JoinHostPort(c.UDPHost, strconv.Itoa(c.UDPPort))
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
