// Package config loads the probelink YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Probe       string            `yaml:"probe"` // auto-select on start
	ControlLink ControlLinkConfig `yaml:"control_link"`
	DataLink    DataLinkConfig    `yaml:"data_link"`
	Session     SessionConfig     `yaml:"session"`
	Hotkey      HotkeyConfig      `yaml:"hotkey"`
}

// ControlLinkConfig holds BLE control link settings.
type ControlLinkConfig struct {
	NamePrefix     string        `yaml:"name_prefix"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DataLinkConfig holds Wi-Fi data link settings.
type DataLinkConfig struct {
	Interface   string        `yaml:"interface"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// SessionConfig holds device session settings.
type SessionConfig struct {
	ProbeModel  string        `yaml:"probe_model"`
	Application string        `yaml:"application"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CertDir     string        `yaml:"cert_dir"`
	CloudURL    string        `yaml:"cloud_url"`
}

// HotkeyConfig holds the imaging toggle hotkey settings.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "probelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultCertDir returns the default certificate directory.
func DefaultCertDir() string {
	return filepath.Join(DefaultConfigDir(), "certs")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		ControlLink: ControlLinkConfig{
			NamePrefix:     "CUS-",
			ScanTimeout:    30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		DataLink: DataLinkConfig{
			Interface:   "wlan0",
			JoinTimeout: 45 * time.Second,
		},
		Session: SessionConfig{
			ProbeModel:  "L7HD",
			Application: "vascular",
			DialTimeout: 5 * time.Second,
			CertDir:     DefaultCertDir(),
			CloudURL:    "https://cloud.clarius.com/api/public/v0/devices/oem/?format=json",
		},
		Hotkey: HotkeyConfig{
			Enabled: false,
			Keys:    []string{"ctrl", "shift", "i"},
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in cert_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Session.CertDir = expandTilde(cfg.Session.CertDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.ControlLink.NamePrefix == "" {
		return fmt.Errorf("control_link.name_prefix must not be empty")
	}
	if c.Probe != "" && !strings.HasPrefix(c.Probe, c.ControlLink.NamePrefix) {
		return fmt.Errorf("probe %q does not match control_link.name_prefix %q", c.Probe, c.ControlLink.NamePrefix)
	}
	if c.ControlLink.ScanTimeout <= 0 {
		return fmt.Errorf("control_link.scan_timeout must be > 0")
	}
	if c.ControlLink.ConnectTimeout <= 0 {
		return fmt.Errorf("control_link.connect_timeout must be > 0")
	}

	if c.DataLink.Interface == "" {
		return fmt.Errorf("data_link.interface must not be empty")
	}
	if c.DataLink.JoinTimeout <= 0 {
		return fmt.Errorf("data_link.join_timeout must be > 0")
	}

	if c.Session.ProbeModel == "" {
		return fmt.Errorf("session.probe_model must not be empty")
	}
	if c.Session.Application == "" {
		return fmt.Errorf("session.application must not be empty")
	}
	if c.Session.DialTimeout <= 0 {
		return fmt.Errorf("session.dial_timeout must be > 0")
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty when hotkey.enabled is set")
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
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

const defaultConfigYAML = `# probelink configuration
# See the README for details on each option.

# Log level: debug, info, warn, error
log_level: info

# Probe to connect to on start, e.g. CUS-1234. Empty scans and waits.
probe: ""

control_link:
  # Only BLE advertisements whose name starts with this are probes
  name_prefix: "CUS-"
  scan_timeout: 30s
  connect_timeout: 10s

data_link:
  # NetworkManager wireless device used to join the probe's access point
  interface: wlan0
  join_timeout: 45s

session:
  probe_model: L7HD
  application: vascular
  dial_timeout: 5s
  # OEM certificates downloaded with probe-certs; used for pinning
  cert_dir: ~/.config/probelink/certs
  cloud_url: https://cloud.clarius.com/api/public/v0/devices/oem/?format=json

hotkey:
  # Global hotkey that toggles imaging
  enabled: false
  keys: ["ctrl", "shift", "i"]
`

// WriteDefault writes the default config file if none exists. It returns
// the path written, or "" if a config file was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
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
