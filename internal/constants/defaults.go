package constants

// Pairing flow timings
const (
	DefaultQRPollIntervalSec     = 3
	DefaultQRTimeoutSec          = 60
	DefaultStatusInitialDelaySec = 2
	DefaultStatusPollIntervalSec = 3
	DefaultStatusTimeoutSec      = 120
	DefaultQRCountdownSec        = 30
)

// Connection input limits
const (
	MinPhoneDigits         = 10
	MaxPhoneDigits         = 15
	MaxDisplayNameLength   = 100
	MaxInstanceNameLength  = 128
	MaxWebhookBodyBytes    = 1 << 20
	MinProductionSecretLen = 32
)

// Default server and storage values
const (
	DefaultServerPort            = 8080
	DefaultDatabaseDriver        = "sqlite3"
	DefaultDatabaseDSN           = "walink.db"
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 200
	DefaultMaxBackoffMs          = 2000
	DefaultUpdateConflictRetries = 5
	DefaultDatabaseMaxOpenConns  = 25
	DefaultDatabaseMaxIdleConns  = 5
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 15
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultDatabasePingTimeoutSec = 5
)

// Provider circuit breaker
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeoutSec  = 30
)

// Sweeper and forwarder
const (
	DefaultSweepSchedule     = "@every 1m"
	DefaultStaleAfterMinutes = 15
	DefaultForwarderPoolSize = 16
	DefaultForwarderQueue    = "whatsapp_messages"
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
)

// Server error channel buffer size
const ServerErrorChannelSize = 1

// Phone number encryption at rest
const (
	EncryptionSalt       = "walink-phone-salt-v1"
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
	EncryptionIterations = 100000
	EncryptedValuePrefix = "enc:v1:"
)
