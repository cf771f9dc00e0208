package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Provider  ProviderConfig  `json:"provider"`
	Database  DatabaseConfig  `json:"database"`
	Pairing   PairingConfig   `json:"pairing"`
	Auth      AuthConfig      `json:"auth"`
	Forwarder ForwarderConfig `json:"forwarder"`
	Sweeper   SweeperConfig   `json:"sweeper"`
	Retry     RetryConfig     `json:"retry"`
	Tracing   TracingConfig   `json:"tracing"`
	LogLevel  string          `json:"log_level"`
	LogFile   LogFileConfig   `json:"log_file"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port                int      `json:"port"`
	ReadTimeoutSec      int      `json:"read_timeout_sec"`
	WriteTimeoutSec     int      `json:"write_timeout_sec"`
	IdleTimeoutSec      int      `json:"idle_timeout_sec"`
	WebhookSecret       string   `json:"webhook_secret"`
	AllowedOrigins      []string `json:"allowed_origins"`
	WebhookMaxBodyBytes int64    `json:"webhook_max_body_bytes"`
}

// ProviderConfig holds settings for the messaging provider API
type ProviderConfig struct {
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key"`
	TimeoutSec        int    `json:"timeout_sec"`
	Integration       string `json:"integration"`
	WebhookURL        string `json:"webhook_url"`
	BreakerMaxFailure int    `json:"breaker_max_failures"`
	BreakerTimeoutSec int    `json:"breaker_timeout_sec"`
}

// DatabaseConfig holds the Connection Store settings
type DatabaseConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// PairingConfig holds the orchestrator's polling bounds, all in seconds
type PairingConfig struct {
	QRPollIntervalSec     int `json:"qr_poll_interval_sec"`
	QRTimeoutSec          int `json:"qr_timeout_sec"`
	QRMaxAttempts         int `json:"qr_max_attempts"`
	StatusInitialDelaySec int `json:"status_initial_delay_sec"`
	StatusPollIntervalSec int `json:"status_poll_interval_sec"`
	StatusTimeoutSec      int `json:"status_timeout_sec"`
	QRCountdownSec        int `json:"qr_countdown_sec"`
}

// AuthConfig holds user authentication settings for the connection API
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

// ForwarderConfig holds message forwarding settings
type ForwarderConfig struct {
	AMQPURL  string `json:"amqp_url"`
	Queue    string `json:"queue"`
	PoolSize int    `json:"pool_size"`
}

// SweeperConfig holds stale-attempt sweeping settings
type SweeperConfig struct {
	Enabled           bool   `json:"enabled"`
	Schedule          string `json:"schedule"`
	StaleAfterMinutes int    `json:"stale_after_minutes"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

// LogFileConfig enables rotated file logging in addition to stdout
type LogFileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
