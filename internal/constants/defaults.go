package constants

// Default realtime channel configuration values
const (
	DefaultReconnectDelayMs          = 3000
	DefaultMaxReconnectDelayMs       = 30000
	DefaultCredentialRetryDelayMs    = 10000
	DefaultMaxCredentialRetryDelayMs = 60000
	DefaultReconnectMultiplier       = 2.0
	DefaultOpenTimeoutMs             = 10000
	DefaultReadLimitBytes            = 1 << 20
	DefaultSendTimeoutSec            = 5
)

// Default store configuration values
const (
	DefaultEventBufferSize  = 1000
	DefaultTypingTTLSec     = 6
	DefaultLoadRetryAttempt = 3
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultCredentialRefreshSkew  = 60
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultServerPort             = 8082
	DefaultRefreshIntervalSec     = 300
	DefaultStatePath              = "inboxsync.db"
	DefaultMaxErrorBodyBytes      = 4096
	DefaultTracingShutdownTimeout = 5
)

// Backend circuit breaker
const (
	DefaultBreakerFailures    = 5
	DefaultBreakerCooldownSec = 30
	BreakerHalfOpenProbes     = 1
)

// Encryption parameters for persisted local state
const (
	EncryptionSalt  = "inboxsync-local-state-v1"
	NonceSize       = 12
	KeySize         = 32
	KDFIterations   = 100000
	MinSecretLength = 32
)

// Privacy settings
const (
	DefaultTokenVisibleChars = 4
	DefaultIDVisibleChars    = 6
)
