package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/errors"
	"inboxsync/internal/privacy"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// TokenSource supplies the long-lived session token
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// ExchangeCredentials trades the session token for a short-lived realtime
// credential at the token endpoint. The credential is cached until it is
// within skew of its exp claim.
type ExchangeCredentials struct {
	tokenURL string
	sessions TokenSource
	http     *http.Client
	skew     time.Duration
	clock    func() time.Time
	logger   *logrus.Logger

	mu      sync.Mutex
	cached  string
	expires time.Time
}

func NewExchangeCredentials(tokenURL string, sessions TokenSource, timeout, skew time.Duration, logger *logrus.Logger) *ExchangeCredentials {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeoutSec * time.Second
	}
	if skew < 0 {
		skew = 0
	}
	return &ExchangeCredentials{
		tokenURL: tokenURL,
		sessions: sessions,
		http:     &http.Client{Timeout: timeout},
		skew:     skew,
		clock:    time.Now,
		logger:   logger,
	}
}

// Credential returns a cached credential or fetches a fresh one. Concurrent
// callers wait for the same exchange.
func (c *ExchangeCredentials) Credential(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != "" && c.clock().Before(c.expires) {
		return c.cached, nil
	}

	token, expires, err := c.exchange(ctx)
	if err != nil {
		c.cached = ""
		return "", errors.NewCredentialError(err)
	}

	c.cached, c.expires = "", time.Time{}
	if !expires.IsZero() {
		c.cached = token
		c.expires = expires.Add(-c.skew)
	}

	c.logger.WithFields(logrus.Fields{
		"credential": privacy.MaskToken(token),
		"expires_at": expires,
	}).Debug("Realtime credential issued")
	return token, nil
}

// Invalidate drops the cached credential, e.g. after the server rejected it
func (c *ExchangeCredentials) Invalidate() {
	c.mu.Lock()
	c.cached = ""
	c.mu.Unlock()
}

func (c *ExchangeCredentials) exchange(ctx context.Context) (string, time.Time, error) {
	session, err := c.sessions.SessionToken(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	if session == "" {
		return "", time.Time{}, errors.NewAuthError("no session token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, errors.NewAPIError(c.tokenURL, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.DefaultMaxErrorBodyBytes*4))
	if err != nil {
		return "", time.Time{}, errors.NewAPIError(c.tokenURL, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, errors.NewAPIError(c.tokenURL, resp.StatusCode,
			fmt.Errorf("token exchange returned status %d", resp.StatusCode))
	}

	token := credentialFrom(body)
	if token == "" {
		return "", time.Time{}, errors.NewParseError("token response", fmt.Errorf("no token in response"))
	}
	return token, expiry(token), nil
}

// credentialFrom accepts {token}, {access_token} or either wrapped in {data}
func credentialFrom(body []byte) string {
	for _, path := range []string{"token", "access_token", "data.token", "data.access_token"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// expiry reads the exp claim without verifying the signature; verification
// belongs to the server. A zero time means the credential is not cacheable.
func expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// SessionCredentials uses the session token itself as the realtime
// credential, for backends without a token exchange endpoint
type SessionCredentials struct {
	Tokens TokenSource
}

func (s SessionCredentials) Credential(ctx context.Context) (string, error) {
	token, err := s.Tokens.SessionToken(ctx)
	if err != nil {
		return "", errors.NewCredentialError(err)
	}
	if token == "" {
		return "", errors.NewCredentialError(errors.NewAuthError("no session token"))
	}
	return token, nil
}
