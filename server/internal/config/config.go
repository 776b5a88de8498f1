package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort = 8098

	DefaultWriteTimeout = 10 * time.Second
	DefaultHeartbeat    = 30 * time.Second
	DefaultQueueSize    = 16

	DefaultStatusURL     = "http://localhost:8099/api/status"
	DefaultStatusTimeout = 10 * time.Second

	DefaultReportingInterval = 10 * time.Second
	DefaultBackupStale       = 3 * time.Hour
	DefaultLongTermStale     = 24 * time.Hour
	DefaultMaxRefresh        = time.Hour
	DefaultErrorGrace        = 5 * time.Minute
	DefaultBackoffBase       = time.Minute
	DefaultBackoffMax        = 5 * time.Minute
)

// Config is the full server configuration parsed from config.yaml.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	StatusSource  StatusSourceConfig  `yaml:"status_source"`
	Updater       UpdaterConfig       `yaml:"updater"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPPort serves /ws, /health, /api/v1/state and /metrics (default 8098).
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. Zero disables it.
	GRPCPort int `yaml:"grpc_port"`

	// Auth optionally requires an API key on /ws and the gRPC health service.
	Auth AuthConfig `yaml:"auth"`

	// WS tunes per-subscriber delivery.
	WS WSConfig `yaml:"ws"`
}

// AuthConfig controls subscriber authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header (and gRPC metadata key) carrying the key.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// WSConfig tunes the broadcast hub.
type WSConfig struct {
	// WriteTimeout bounds a single frame write to one subscriber.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Heartbeat is the ping period. A subscriber that does not answer within
	// Heartbeat+WriteTimeout is dropped.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// QueueSize is the per-subscriber outbound buffer depth. A subscriber
	// whose buffer is full is evicted.
	QueueSize int `yaml:"queue_size"`
}

// StatusSourceConfig points at the backup service's status API.
type StatusSourceConfig struct {
	// URL returns the JSON status report.
	URL string `yaml:"url"`

	// MetricsURL optionally exposes per-source gauges in Prometheus text format.
	MetricsURL string `yaml:"metrics_url"`

	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout"`
}

// UpdaterConfig drives the staleness update worker. All fields may change
// at runtime through Watch.
type UpdaterConfig struct {
	ReportingInterval time.Duration `yaml:"reporting_interval"`

	// BackupStale is how long the backup service may report an error before
	// backups are considered stale.
	BackupStale time.Duration `yaml:"backup_stale"`

	// LongTermStale is the grace period after the next expected backup.
	LongTermStale time.Duration `yaml:"long_term_stale"`

	// MaxRefresh forces an unchanged message to be re-sent at least this often.
	MaxRefresh time.Duration `yaml:"max_refresh"`

	NotifyForStaleBackups bool `yaml:"notify_for_stale_backups"`

	// NotifyDelay is how long staleness must persist before notifying.
	NotifyDelay time.Duration `yaml:"notify_delay"`

	// ErrorGrace keeps logging quiet for transient failures this long.
	ErrorGrace time.Duration `yaml:"error_grace"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig bounds the worker's retry delay.
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// NotificationsConfig lists the targets that receive stale-backup notifications.
type NotificationsConfig struct {
	// StatusURL is linked from the notification text when set.
	StatusURL string `yaml:"status_url"`

	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig defines one notification target.
type TargetConfig struct {
	// Type is one of: slack | teams | http | homeassistant.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the target URL.
	URLEnv string `yaml:"url_env"`

	// TokenEnv holds a bearer token (homeassistant only).
	TokenEnv string `yaml:"token_env"`
}

// URL returns the target URL resolved from the environment.
func (t TargetConfig) URL() string {
	if t.URLEnv == "" {
		return ""
	}
	return os.Getenv(t.URLEnv)
}

// Token returns the bearer token resolved from the environment.
func (t TargetConfig) Token() string {
	if t.TokenEnv == "" {
		return ""
	}
	return os.Getenv(t.TokenEnv)
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			WS: WSConfig{
				WriteTimeout: DefaultWriteTimeout,
				Heartbeat:    DefaultHeartbeat,
				QueueSize:    DefaultQueueSize,
			},
		},
		StatusSource: StatusSourceConfig{
			URL:     DefaultStatusURL,
			Timeout: DefaultStatusTimeout,
		},
		Updater: UpdaterConfig{
			ReportingInterval:     DefaultReportingInterval,
			BackupStale:           DefaultBackupStale,
			LongTermStale:         DefaultLongTermStale,
			MaxRefresh:            DefaultMaxRefresh,
			NotifyForStaleBackups: true,
			ErrorGrace:            DefaultErrorGrace,
			Backoff: BackoffConfig{
				Base: DefaultBackoffBase,
				Max:  DefaultBackoffMax,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	if cfg.Server.GRPCPort != 0 && cfg.Server.GRPCPort == cfg.Server.HTTPPort {
		return fmt.Errorf("server.grpc_port must differ from server.http_port")
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.WS.WriteTimeout <= 0 {
		return fmt.Errorf("server.ws.write_timeout must be positive")
	}
	if cfg.Server.WS.Heartbeat <= 0 {
		return fmt.Errorf("server.ws.heartbeat must be positive")
	}
	if cfg.Server.WS.QueueSize <= 0 {
		return fmt.Errorf("server.ws.queue_size must be positive")
	}

	if cfg.StatusSource.URL == "" {
		return fmt.Errorf("status_source.url is required")
	}
	if cfg.StatusSource.Timeout <= 0 {
		return fmt.Errorf("status_source.timeout must be positive")
	}

	u := cfg.Updater
	if u.ReportingInterval <= 0 {
		return fmt.Errorf("updater.reporting_interval must be positive")
	}
	if u.BackupStale < 0 || u.LongTermStale < 0 || u.NotifyDelay < 0 || u.ErrorGrace < 0 {
		return fmt.Errorf("updater durations must not be negative")
	}
	if u.MaxRefresh <= 0 {
		return fmt.Errorf("updater.max_refresh must be positive")
	}
	if u.Backoff.Base <= 0 {
		return fmt.Errorf("updater.backoff.base must be positive")
	}
	if u.Backoff.Max < u.Backoff.Base {
		return fmt.Errorf("updater.backoff.max %v is below base %v", u.Backoff.Max, u.Backoff.Base)
	}

	for i, t := range cfg.Notifications.Targets {
		switch t.Type {
		case "slack", "teams", "http", "homeassistant":
		default:
			return fmt.Errorf("notifications.targets[%d]: unknown type %q", i, t.Type)
		}
		if t.URLEnv == "" {
			return fmt.Errorf("notifications.targets[%d] %q: url_env is required", i, t.Type)
		}
	}
	return nil
}
