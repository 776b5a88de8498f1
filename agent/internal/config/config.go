package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHost           = "localhost"
	DefaultPort           = 8098
	DefaultPath           = "/ws"
	DefaultReconnectDelay = 60 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultPingTimeout    = 10 * time.Second
	DefaultAuthHeader     = "x-api-key"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds the connection settings for the backupbeacon server.
type AgentConfig struct {
	// Host and Port locate the server's WebSocket endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Path is the WebSocket endpoint path on the server.
	Path string `yaml:"path"`

	// TLS selects wss:// instead of ws://.
	TLS bool `yaml:"tls"`

	// InsecureSkipVerify disables server certificate verification (self-signed setups).
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// ReconnectDelay is the wait after a lost or failed connection.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the delay when it grows. Left unset it equals
	// ReconnectDelay, which keeps the delay constant.
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// PingInterval is the heartbeat period; PingTimeout is how long to
	// wait for the matching pong.
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`

	Auth AuthConfig `yaml:"auth"`
}

// URL returns the WebSocket URL of the server.
func (a AgentConfig) URL() string {
	scheme := "ws"
	if a.TLS {
		scheme = "wss"
	}
	path := a.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(a.Port)),
		Path:   path,
	}
	return u.String()
}

// AuthConfig configures the optional API key sent on connect.
type AuthConfig struct {
	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.Agent.MaxReconnectDelay == 0 {
		cfg.Agent.MaxReconnectDelay = cfg.Agent.ReconnectDelay
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
// MaxReconnectDelay is left zero so Load can follow ReconnectDelay.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			Path:           DefaultPath,
			ReconnectDelay: DefaultReconnectDelay,
			PingInterval:   DefaultPingInterval,
			PingTimeout:    DefaultPingTimeout,
			Auth:           AuthConfig{Header: DefaultAuthHeader},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.Host == "" {
		return fmt.Errorf("agent.host is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("agent.port %d out of range", a.Port)
	}
	if a.ReconnectDelay <= 0 {
		return fmt.Errorf("agent.reconnect_delay must be positive")
	}
	if a.MaxReconnectDelay < a.ReconnectDelay {
		return fmt.Errorf("agent.max_reconnect_delay must be >= reconnect_delay")
	}
	if a.PingInterval <= 0 {
		return fmt.Errorf("agent.ping_interval must be positive")
	}
	if a.PingTimeout <= 0 {
		return fmt.Errorf("agent.ping_timeout must be positive")
	}
	if a.Auth.KeyEnv != "" && a.Auth.Header == "" {
		return fmt.Errorf("agent.auth.header is required when key_env is set")
	}
	return nil
}
