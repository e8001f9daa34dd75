package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"inboxsync/internal/constants"
	"inboxsync/internal/models"
	"inboxsync/internal/security"
	"inboxsync/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingAPIURL      = models.ConfigError{Message: "missing backend API base URL"}
	ErrMissingRealtimeURL = models.ConfigError{Message: "missing realtime URL"}
	ErrMissingStatePath   = models.ConfigError{Message: "missing local state path"}
)

// LoadConfig reads the JSON file at path. A .env file next to it is loaded
// into the environment first without overriding variables already set, then
// environment overrides, defaults and validation are applied.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidatePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	if v := os.Getenv("INBOXSYNC_API_URL"); v != "" {
		c.Backend.APIBaseURL = v
	}
	if v := os.Getenv("INBOXSYNC_REALTIME_URL"); v != "" {
		c.Backend.RealtimeURL = v
	}
	if v := os.Getenv("INBOXSYNC_TOKEN_URL"); v != "" {
		c.Auth.TokenURL = v
	}

	// Secrets belong in the environment, not the config file
	if v := os.Getenv("INBOXSYNC_SESSION_TOKEN"); v != "" {
		c.Auth.SessionToken = v
	}
	if v := os.Getenv("INBOXSYNC_ENCRYPTION_SECRET"); v != "" {
		c.State.EncryptionSecret = v
	}

	if v := os.Getenv("INBOXSYNC_STATE_PATH"); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv("INBOXSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid PORT %q", v)}
		}
		c.Server.Port = port
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Backend.HTTPTimeoutSec <= 0 {
		c.Backend.HTTPTimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Auth.RefreshSkewSec <= 0 {
		c.Auth.RefreshSkewSec = constants.DefaultCredentialRefreshSkew
	}

	r := &c.Realtime
	if r.ReconnectDelayMs <= 0 {
		r.ReconnectDelayMs = constants.DefaultReconnectDelayMs
	}
	if r.MaxReconnectDelayMs <= 0 {
		r.MaxReconnectDelayMs = constants.DefaultMaxReconnectDelayMs
	}
	if r.CredentialRetryDelayMs <= 0 {
		r.CredentialRetryDelayMs = constants.DefaultCredentialRetryDelayMs
	}
	if r.MaxCredentialRetryDelayMs <= 0 {
		r.MaxCredentialRetryDelayMs = constants.DefaultMaxCredentialRetryDelayMs
	}
	if r.Multiplier == 0 {
		r.Multiplier = constants.DefaultReconnectMultiplier
	}
	if r.OpenTimeoutMs <= 0 {
		r.OpenTimeoutMs = constants.DefaultOpenTimeoutMs
	}

	if c.State.Path == "" {
		c.State.Path = constants.DefaultStatePath
	}
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}

	if c.Store.EventBufferSize <= 0 {
		c.Store.EventBufferSize = constants.DefaultEventBufferSize
	}
	if c.Store.TypingTTLSec <= 0 {
		c.Store.TypingTTLSec = constants.DefaultTypingTTLSec
	}
	if c.Store.RefreshIntervalSec <= 0 {
		c.Store.RefreshIntervalSec = constants.DefaultRefreshIntervalSec
	}

	defaults := tracing.DefaultTracingConfig()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = defaults.ServiceVersion
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = defaults.Environment
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = defaults.OTLPEndpoint
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Backend.APIBaseURL == "" {
		return ErrMissingAPIURL
	}
	if err := validateURL("backend.api_base_url", c.Backend.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if c.Backend.RealtimeURL == "" {
		return ErrMissingRealtimeURL
	}
	if err := validateURL("backend.realtime_url", c.Backend.RealtimeURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Auth.TokenURL != "" {
		if err := validateURL("auth.token_url", c.Auth.TokenURL, "http", "https"); err != nil {
			return err
		}
	}

	if c.State.Path == "" {
		return ErrMissingStatePath
	}
	if err := security.ValidatePath(c.State.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid state.path: %v", err)}
	}
	if c.State.EncryptionSecret != "" && len(c.State.EncryptionSecret) < constants.MinSecretLength {
		return models.ConfigError{Message: fmt.Sprintf("encryption secret must be at least %d characters long", constants.MinSecretLength)}
	}

	if c.Realtime.Multiplier < 1 {
		return models.ConfigError{Message: "realtime.multiplier must be at least 1"}
	}
	if c.Realtime.MaxReconnectDelayMs < c.Realtime.ReconnectDelayMs {
		return models.ConfigError{Message: "realtime.max_reconnect_delay_ms must not be below reconnect_delay_ms"}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server.port %d", c.Server.Port)}
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log_level %q", c.LogLevel)}
	}
	if err := tracing.Validate(c.Tracing); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid %s %q", key, raw)}
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return models.ConfigError{Message: fmt.Sprintf("%s must use one of %s", key, strings.Join(schemes, ", "))}
}
