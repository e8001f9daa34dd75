package api

import (
	"context"
	"sync"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/errors"

	"github.com/sirupsen/logrus"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker stops calling a backend that keeps failing. Only retryable
// failures (network, 5xx, 429) count; a 404 says nothing about backend
// health.
type breaker struct {
	maxFailures int
	cooldown    time.Duration
	probes      int
	clock       func() time.Time
	logger      *logrus.Logger

	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	probing   int
	probeWins int
}

func newBreaker(maxFailures int, cooldown time.Duration, logger *logrus.Logger) *breaker {
	if maxFailures <= 0 {
		maxFailures = constants.DefaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = constants.DefaultBreakerCooldownSec * time.Second
	}
	return &breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		probes:      constants.BreakerHalfOpenProbes,
		clock:       time.Now,
		logger:      logger,
	}
}

func (b *breaker) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return errors.New(errors.ErrCodeBackendAPI, "backend circuit is open").
			WithUserMessage("The server is temporarily unavailable")
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing, b.probeWins = 0, 0
		b.logger.Info("Backend circuit half-open")
		fallthrough
	case breakerHalfOpen:
		if b.probing >= b.probes {
			return false
		}
		b.probing++
		return true
	default:
		return true
	}
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && errors.IsRetryable(err) {
		b.failures++
		switch {
		case b.state == breakerHalfOpen:
			b.trip("Backend circuit reopened after failed probe")
		case b.failures >= b.maxFailures:
			b.trip("Backend circuit opened")
		}
		return
	}

	if b.state == breakerHalfOpen {
		b.probeWins++
		if b.probeWins < b.probes {
			b.probing--
			return
		}
		b.logger.Info("Backend circuit closed")
	}
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) trip(message string) {
	b.state = breakerOpen
	b.openedAt = b.clock()
	b.logger.WithFields(logrus.Fields{
		"failures": b.failures,
		"cooldown": b.cooldown,
	}).Warn(message)
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
