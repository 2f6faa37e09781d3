// Package appconfig manages application configuration and on-disk file locations.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/tunnel-manager/internal/util"
)

const appDirName = "tunnel-manager"

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// SSHConfig controls how forwarders and connectivity probes are launched.
type SSHConfig struct {
	Binary                string `yaml:"binary"`
	RelayBinary           string `yaml:"relay_binary"`
	ProbeTimeoutSeconds   int    `yaml:"probe_timeout_seconds"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// TimingConfig holds the lifecycle delays, in milliseconds.
type TimingConfig struct {
	SettleMillis      int `yaml:"settle_ms"`
	ConnectAllDelayMs int `yaml:"connect_all_delay_ms"`
	PortReleaseMillis int `yaml:"port_release_ms"`
	BindTimeoutMillis int `yaml:"bind_timeout_ms"`
}

// Config holds application-level configuration.
type Config struct {
	SSH    SSHConfig    `yaml:"ssh"`
	Timing TimingConfig `yaml:"timing"`
	UI     UIConfig     `yaml:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SSH: SSHConfig{
			Binary:                util.DefaultSSHBinary,
			RelayBinary:           util.DefaultRelayBinary,
			ProbeTimeoutSeconds:   int(util.DefaultProbeTimeout / time.Second),
			ConnectTimeoutSeconds: int(util.DefaultConnectTimeout / time.Second),
		},
		Timing: TimingConfig{
			SettleMillis:      int(util.DefaultSettleInterval / time.Millisecond),
			ConnectAllDelayMs: int(util.DefaultConnectAllDelay / time.Millisecond),
			PortReleaseMillis: int(util.DefaultPortReleaseDelay / time.Millisecond),
			BindTimeoutMillis: int(util.DefaultBindTimeout / time.Millisecond),
		},
		UI: UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// normalize replaces invalid values with defaults.
func (c *Config) normalize() {
	d := Default()
	if c.SSH.Binary == "" {
		c.SSH.Binary = d.SSH.Binary
	}
	if c.SSH.RelayBinary == "" {
		c.SSH.RelayBinary = d.SSH.RelayBinary
	}
	// Probe must stay bounded to single-digit seconds.
	if c.SSH.ProbeTimeoutSeconds <= 0 || c.SSH.ProbeTimeoutSeconds > 9 {
		c.SSH.ProbeTimeoutSeconds = d.SSH.ProbeTimeoutSeconds
	}
	if c.SSH.ConnectTimeoutSeconds <= 0 {
		c.SSH.ConnectTimeoutSeconds = d.SSH.ConnectTimeoutSeconds
	}
	if c.Timing.SettleMillis <= 0 {
		c.Timing.SettleMillis = d.Timing.SettleMillis
	}
	if c.Timing.ConnectAllDelayMs <= 0 {
		c.Timing.ConnectAllDelayMs = d.Timing.ConnectAllDelayMs
	}
	if c.Timing.PortReleaseMillis <= 0 {
		c.Timing.PortReleaseMillis = d.Timing.PortReleaseMillis
	}
	if c.Timing.BindTimeoutMillis <= 0 || c.Timing.BindTimeoutMillis > 9000 {
		c.Timing.BindTimeoutMillis = d.Timing.BindTimeoutMillis
	}
	if c.UI.RefreshSeconds <= 0 {
		c.UI.RefreshSeconds = d.UI.RefreshSeconds
	}
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.SSH.ProbeTimeoutSeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second
}

func (c Config) SettleInterval() time.Duration {
	return time.Duration(c.Timing.SettleMillis) * time.Millisecond
}

func (c Config) ConnectAllDelay() time.Duration {
	return time.Duration(c.Timing.ConnectAllDelayMs) * time.Millisecond
}

func (c Config) PortReleaseDelay() time.Duration {
	return time.Duration(c.Timing.PortReleaseMillis) * time.Millisecond
}

func (c Config) BindTimeout() time.Duration {
	return time.Duration(c.Timing.BindTimeoutMillis) * time.Millisecond
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/tunnel-manager.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appDirName), nil
}

func inConfigDir(elem ...string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{d}, elem...)...), nil
}

// TunnelsFilePath is the default persistence location for the working tunnel set.
func TunnelsFilePath() (string, error) { return inConfigDir("tunnels.yaml") }

// ConfigsDir holds additional named tunnel files offered for load/merge.
func ConfigsDir() (string, error) { return inConfigDir("configs") }

// LogsDir holds per-tunnel forwarder stderr logs.
func LogsDir() (string, error) { return inConfigDir("logs") }

// LogFilePath is where the TUI writes application logs.
func LogFilePath() (string, error) { return inConfigDir("tunnel-manager.log") }

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
