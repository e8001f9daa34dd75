package models

// Config holds the application configuration
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Auth     AuthConfig     `json:"auth"`
	Realtime RealtimeConfig `json:"realtime"`
	State    StateConfig    `json:"state"`
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// BackendConfig holds the backend of record endpoints
type BackendConfig struct {
	APIBaseURL     string `json:"api_base_url"`
	RealtimeURL    string `json:"realtime_url"`
	HTTPTimeoutSec int    `json:"http_timeout_sec"`
}

// AuthConfig describes how short-lived realtime credentials are obtained
type AuthConfig struct {
	TokenURL       string `json:"token_url"`
	SessionToken   string `json:"session_token"`
	RefreshSkewSec int    `json:"refresh_skew_sec"`
}

// RealtimeConfig holds the reconnect policy of the event channel
type RealtimeConfig struct {
	ReconnectDelayMs          int     `json:"reconnect_delay_ms"`
	MaxReconnectDelayMs       int     `json:"max_reconnect_delay_ms"`
	CredentialRetryDelayMs    int     `json:"credential_retry_delay_ms"`
	MaxCredentialRetryDelayMs int     `json:"max_credential_retry_delay_ms"`
	Multiplier                float64 `json:"multiplier"`
	Jitter                    bool    `json:"jitter"`
	OpenTimeoutMs             int     `json:"open_timeout_ms"`
}

// StateConfig holds the persisted local state settings
type StateConfig struct {
	Path string `json:"path"`

	// EncryptionSecret enables encryption of sensitive values at rest. Env only.
	EncryptionSecret string `json:"-"`
}

// ServerConfig holds the local console API settings
type ServerConfig struct {
	Port int `json:"port"`
}

// StoreConfig holds conversation and reminder store settings
type StoreConfig struct {
	EventBufferSize    int `json:"event_buffer_size"`
	TypingTTLSec       int `json:"typing_ttl_sec"`
	RefreshIntervalSec int `json:"refresh_interval_sec"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
