// Package config loads the clawdeck configuration from
// ~/.clawdeck/config.yaml and exposes the knobs the gateway supervisor
// and CLI need. Secrets may come from a .env file in the data dir.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Watchdog WatchdogConfig `yaml:"watchdog"`

	// Providers are forwarded into the gateway subprocess environment.
	Providers []ProviderConfig `yaml:"providers"`
}

// GatewayConfig controls the supervised gateway process and the
// connection policy.
type GatewayConfig struct {
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args,omitempty"`
	Workspace string   `yaml:"workspace,omitempty"`

	// Identity presented during the handshake.
	ClientMode       string   `yaml:"client_mode"`
	Role             string   `yaml:"role"`
	Scopes           []string `yaml:"scopes"`
	Token            string   `yaml:"token,omitempty"`
	HandshakeVersion string   `yaml:"handshake_version,omitempty"`

	// Retry policy. Defaults are reasonable rather than sacred, so
	// they live in config instead of constants.
	StartAttempts        int      `yaml:"start_attempts"`
	StartBackoff         Duration `yaml:"start_backoff"`
	MaxReconnectFailures int      `yaml:"max_reconnect_failures"`
	ReconnectWindow      Duration `yaml:"reconnect_window"`
}

// ProviderConfig holds one AI provider credential set.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// WatchdogConfig controls the periodic health probe.
type WatchdogConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Schedule         string `yaml:"schedule"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

// Duration is a yaml-friendly time.Duration ("1s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		LogLevel: "info",
		Gateway: GatewayConfig{
			Host:                 "127.0.0.1",
			Port:                 4483,
			Command:              "claw-gateway",
			ClientMode:           "desktop",
			Role:                 "operator",
			Scopes:               []string{"chat:write", "sessions:read", "cron:write", "skills:write"},
			HandshakeVersion:     "v2",
			StartAttempts:        3,
			StartBackoff:         Duration(time.Second),
			MaxReconnectFailures: 5,
			ReconnectWindow:      Duration(2 * time.Minute),
		},
		Watchdog: WatchdogConfig{
			Enabled:          true,
			Schedule:         "@every 1m",
			FailureThreshold: 3,
		},
	}
}

// DefaultDataDir returns ~/.clawdeck.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawdeck"
	}
	return filepath.Join(home, ".clawdeck")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load loads the config from the default path, falling back to
// defaults when the file does not exist.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom loads the config from a specific path. A missing file
// yields the defaults, not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.expandEnv()
	return cfg, nil
}

// Save writes the config to its default location.
func (c *Config) Save() error {
	if err := c.EnsureDataDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0o600)
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// LoadDotEnv loads DATA_DIR/.env into the process environment, if it
// exists. Values already set in the environment win.
func (c *Config) LoadDotEnv() error {
	path := filepath.Join(c.DataDir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// GatewayEnv builds the extra environment passed to the gateway
// subprocess: provider API keys and endpoint settings.
func (c *Config) GatewayEnv() map[string]string {
	env := map[string]string{
		"CLAW_GATEWAY_HOST": c.Gateway.Host,
		"CLAW_GATEWAY_PORT": fmt.Sprintf("%d", c.Gateway.Port),
	}
	if c.Gateway.Workspace != "" {
		env["CLAW_WORKSPACE"] = ExpandHome(c.Gateway.Workspace)
	}
	for _, p := range c.Providers {
		prefix := strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
		if p.APIKey != "" {
			env[prefix+"_API_KEY"] = p.APIKey
		}
		if p.BaseURL != "" {
			env[prefix+"_BASE_URL"] = p.BaseURL
		}
	}
	return env
}

// Endpoint returns the ws:// URL of the gateway.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Gateway.Host, c.Gateway.Port)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = def.Gateway.Host
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = def.Gateway.Port
	}
	if c.Gateway.Command == "" {
		c.Gateway.Command = def.Gateway.Command
	}
	if c.Gateway.StartAttempts <= 0 {
		c.Gateway.StartAttempts = def.Gateway.StartAttempts
	}
	if c.Gateway.StartBackoff <= 0 {
		c.Gateway.StartBackoff = def.Gateway.StartBackoff
	}
	if c.Gateway.MaxReconnectFailures <= 0 {
		c.Gateway.MaxReconnectFailures = def.Gateway.MaxReconnectFailures
	}
	if c.Gateway.ReconnectWindow <= 0 {
		c.Gateway.ReconnectWindow = def.Gateway.ReconnectWindow
	}
	if c.Gateway.ClientMode == "" {
		c.Gateway.ClientMode = def.Gateway.ClientMode
	}
	if c.Gateway.Role == "" {
		c.Gateway.Role = def.Gateway.Role
	}
	if len(c.Gateway.Scopes) == 0 {
		c.Gateway.Scopes = def.Gateway.Scopes
	}
	if c.Gateway.HandshakeVersion == "" {
		c.Gateway.HandshakeVersion = def.Gateway.HandshakeVersion
	}
	if c.Watchdog.Schedule == "" {
		c.Watchdog.Schedule = def.Watchdog.Schedule
	}
	if c.Watchdog.FailureThreshold <= 0 {
		c.Watchdog.FailureThreshold = def.Watchdog.FailureThreshold
	}
}

func (c *Config) expandEnv() {
	c.DataDir = ExpandHome(os.ExpandEnv(c.DataDir))
	c.Gateway.Token = os.ExpandEnv(c.Gateway.Token)
	c.Gateway.Command = ExpandHome(os.ExpandEnv(c.Gateway.Command))
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
