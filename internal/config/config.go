package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"walink/internal/constants"
	"walink/internal/models"
	"walink/internal/security"
	"walink/internal/tracing"
	"walink/internal/validation"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file
const (
	EnvProviderURL    = "WALINK_PROVIDER_URL"
	EnvProviderAPIKey = "WALINK_PROVIDER_API_KEY"
	EnvWebhookSecret  = "WALINK_WEBHOOK_SECRET"
	EnvJWTSecret      = "WALINK_JWT_SECRET"
	EnvDBDriver       = "WALINK_DB_DRIVER"
	EnvDBDSN          = "WALINK_DB_DSN"
	EnvAMQPURL        = "WALINK_AMQP_URL"
	EnvLogLevel       = "WALINK_LOG_LEVEL"
	EnvPort           = "PORT"
	EnvMode           = "WALINK_ENV"
)

var (
	ErrMissingProviderURL    = models.ConfigError{Message: "missing provider base URL"}
	ErrMissingProviderAPIKey = models.ConfigError{Message: "missing provider API key"}
	ErrMissingJWTSecret      = models.ConfigError{Message: "missing JWT secret for the connection API"}
	ErrMissingDSN            = models.ConfigError{Message: "missing database DSN"}
)

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped and variables already set are never overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads the JSON config at path, applies defaults and environment
// overrides, then validates. A missing file is tolerated when allowMissing is
// set, leaving the environment as the only source.
func LoadConfig(path string, allowMissing bool) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	var config models.Config
	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	switch {
	case err == nil:
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && allowMissing:
	default:
		return nil, err
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.WebhookMaxBodyBytes == 0 {
		c.Server.WebhookMaxBodyBytes = constants.MaxWebhookBodyBytes
	}

	if c.Provider.TimeoutSec == 0 {
		c.Provider.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Provider.BreakerMaxFailure == 0 {
		c.Provider.BreakerMaxFailure = constants.DefaultBreakerMaxFailures
	}
	if c.Provider.BreakerTimeoutSec == 0 {
		c.Provider.BreakerTimeoutSec = constants.DefaultBreakerTimeoutSec
	}

	if c.Database.Driver == "" {
		c.Database.Driver = constants.DefaultDatabaseDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == constants.DefaultDatabaseDriver {
		c.Database.DSN = constants.DefaultDatabaseDSN
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = constants.DefaultDatabaseMaxOpenConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = constants.DefaultDatabaseMaxIdleConns
	}

	p := &c.Pairing
	if p.QRPollIntervalSec == 0 {
		p.QRPollIntervalSec = constants.DefaultQRPollIntervalSec
	}
	if p.QRTimeoutSec == 0 {
		p.QRTimeoutSec = constants.DefaultQRTimeoutSec
	}
	if p.StatusInitialDelaySec == 0 {
		p.StatusInitialDelaySec = constants.DefaultStatusInitialDelaySec
	}
	if p.StatusPollIntervalSec == 0 {
		p.StatusPollIntervalSec = constants.DefaultStatusPollIntervalSec
	}
	if p.StatusTimeoutSec == 0 {
		p.StatusTimeoutSec = constants.DefaultStatusTimeoutSec
	}
	if p.QRCountdownSec == 0 {
		p.QRCountdownSec = constants.DefaultQRCountdownSec
	}

	if c.Forwarder.Queue == "" {
		c.Forwarder.Queue = constants.DefaultForwarderQueue
	}
	if c.Forwarder.PoolSize == 0 {
		c.Forwarder.PoolSize = constants.DefaultForwarderPoolSize
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = constants.DefaultSweepSchedule
	}
	if c.Sweeper.StaleAfterMinutes == 0 {
		c.Sweeper.StaleAfterMinutes = constants.DefaultStaleAfterMinutes
	}

	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	t := &c.Tracing
	tracingDefaults := tracing.DefaultConfig()
	if t.ServiceName == "" {
		t.ServiceName = tracingDefaults.ServiceName
	}
	if t.Environment == "" {
		t.Environment = tracingDefaults.Environment
	}
	if t.OTLPEndpoint == "" {
		t.OTLPEndpoint = tracingDefaults.OTLPEndpoint
	}
	if t.SampleRate == 0 {
		t.SampleRate = tracingDefaults.SampleRate
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(c *models.Config) error {
	if v := os.Getenv(EnvProviderURL); v != "" {
		c.Provider.BaseURL = v
	}
	// SECURITY: credentials belong in the environment rather than the file
	if v := os.Getenv(EnvProviderAPIKey); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Server.WebhookSecret = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvDBDriver); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Forwarder.AMQPURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid %s %q", EnvPort, v)}
		}
		c.Server.Port = port
	}
	return nil
}

func validate(c *models.Config) error {
	if c.Provider.BaseURL == "" {
		return ErrMissingProviderURL
	}
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid provider base URL %q", c.Provider.BaseURL)}
	}
	if c.Provider.APIKey == "" {
		return ErrMissingProviderAPIKey
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port %d", c.Server.Port)}
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unsupported database driver %q (use sqlite3 or postgres)", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}

	timeouts := []struct {
		value int
		field string
	}{
		{c.Provider.TimeoutSec, "provider.timeout_sec"},
		{c.Server.ReadTimeoutSec, "server.read_timeout_sec"},
		{c.Server.WriteTimeoutSec, "server.write_timeout_sec"},
		{c.Server.IdleTimeoutSec, "server.idle_timeout_sec"},
		{c.Pairing.QRTimeoutSec, "pairing.qr_timeout_sec"},
		{c.Pairing.StatusTimeoutSec, "pairing.status_timeout_sec"},
		{c.Pairing.QRCountdownSec, "pairing.qr_countdown_sec"},
	}
	for _, t := range timeouts {
		if err := validation.ValidateTimeout(t.value, t.field); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	if c.Pairing.QRPollIntervalSec < 0 || c.Pairing.StatusPollIntervalSec < 0 || c.Pairing.StatusInitialDelaySec < 0 {
		return models.ConfigError{Message: "pairing intervals cannot be negative"}
	}

	if err := validation.ValidateConnectionPool(c.Database.MaxOpenConns, c.Database.MaxIdleConns); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if c.Forwarder.PoolSize < 1 {
		return models.ConfigError{Message: "forwarder.pool_size must be at least 1"}
	}
	if c.Sweeper.StaleAfterMinutes < 1 {
		return models.ConfigError{Message: "sweeper.stale_after_minutes must be at least 1"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}
	if c.LogFile.Path != "" {
		if err := security.ValidateFilePath(c.LogFile.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid log_file.path: %v", err)}
		}
	}
	return nil
}

// IsProduction reports whether WALINK_ENV selects production mode
func IsProduction() bool {
	return strings.EqualFold(os.Getenv(EnvMode), "production")
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if !IsProduction() {
		if c.Server.WebhookSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: webhook secret not set, provider webhooks are unauthenticated. Set %s.\n", EnvWebhookSecret)
		}
		return nil
	}

	secrets := []struct {
		value string
		name  string
	}{
		{c.Server.WebhookSecret, EnvWebhookSecret},
		{c.Auth.JWTSecret, EnvJWTSecret},
	}
	for _, s := range secrets {
		if s.value == "" {
			return models.ConfigError{Message: fmt.Sprintf("%s is required in production", s.name)}
		}
		if len(s.value) < constants.MinProductionSecretLen {
			return models.ConfigError{Message: fmt.Sprintf("%s must be at least %d characters long", s.name, constants.MinProductionSecretLen)}
		}
	}

	if c.LogLevel == "debug" || c.LogLevel == "trace" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}
