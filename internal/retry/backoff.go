package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/models"
)

// BackoffConfig describes a capped exponential delay schedule. A multiplier
// of 1 without jitter yields a fixed delay.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig is used for bounded request retries
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultLoadRetryAttempt,
		Jitter:       true,
	}
}

// ReconnectConfig is the schedule used after an unexpected close of the
// realtime connection. MaxAttempts is unused there: reconnects never stop.
func ReconnectConfig(cfg models.RealtimeConfig) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(cfg.ReconnectDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxReconnectDelayMs) * time.Millisecond,
		Multiplier:   cfg.Multiplier,
		Jitter:       cfg.Jitter,
	}
}

// CredentialRetryConfig is the slower schedule used when no credential
// could be obtained for a connection attempt.
func CredentialRetryConfig(cfg models.RealtimeConfig) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(cfg.CredentialRetryDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxCredentialRetryDelayMs) * time.Millisecond,
		Multiplier:   cfg.Multiplier,
		Jitter:       cfg.Jitter,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &Backoff{
		config: config,
	}
}

// Retry runs operation until it succeeds, MaxAttempts is reached or the
// context ends. Errors for which isRetryable returns false end the loop at
// once; a nil predicate retries every error.
func (b *Backoff) Retry(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	attempts := b.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if err := Sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}

	return lastErr
}

// Delay returns the wait before retry number attempt (1-based)
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// ±25% around the computed delay, clamped to the schedule bounds
	if b.config.Jitter {
		delay += (secureFloat64() - 0.5) * 0.5 * delay
		if delay < float64(b.config.InitialDelay)/2 {
			delay = float64(b.config.InitialDelay) / 2
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// secureFloat64 returns a float64 in [0, 1)
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Int64()) / (1 << 53)
}
