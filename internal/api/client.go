// Package api is the REST client for the backend of record.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/errors"
	"inboxsync/internal/metrics"
	"inboxsync/internal/models"
	"inboxsync/internal/normalize"
	"inboxsync/internal/retry"
	"inboxsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const maxResponseBytes = 16 << 20

// TokenSource supplies the agent's session token used as bearer credential
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// Options configures a Client
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Retry applies to idempotent reads only
	Retry retry.BackoffConfig

	BreakerFailures int
	BreakerCooldown time.Duration
}

// Client talks to the conversation and reminder endpoints. Every error it
// returns is an *errors.AppError.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	retry   *retry.Backoff
	breaker *breaker
	logger  *logrus.Logger
}

func NewClient(opts Options, tokens TokenSource, logger *logrus.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultHTTPTimeoutSec * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultBackoffConfig()
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout},
		tokens:  tokens,
		retry:   retry.NewBackoff(opts.Retry),
		breaker: newBreaker(opts.BreakerFailures, opts.BreakerCooldown, logger),
		logger:  logger,
	}
}

// Conversations fetches every conversation visible to the agent
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	body, err := c.get(ctx, "list_conversations", "/api/conversations")
	if err != nil {
		return nil, err
	}
	list, err := normalize.ConversationList(body)
	if err != nil {
		if appErr, ok := errors.As(err); ok {
			appErr.WithContext("endpoint", "/api/conversations")
		}
		return nil, err
	}
	return list, nil
}

// Conversation fetches a single conversation. A {data: {...}} envelope is
// unwrapped.
func (c *Client) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	body, err := c.get(ctx, "get_conversation", "/api/conversations/"+url.PathEscape(id))
	if err != nil {
		return models.Conversation{}, err
	}
	if data := gjson.GetBytes(body, "data"); data.IsObject() {
		body = []byte(data.Raw)
	}
	return normalize.Conversation(body), nil
}

func (c *Client) CloseConversation(ctx context.Context, id string) error {
	_, err := c.do(ctx, "close_conversation", http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/close", nil)
	return err
}

func (c *Client) ReopenConversation(ctx context.Context, id string) error {
	_, err := c.do(ctx, "reopen_conversation", http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/reopen", nil)
	return err
}

// ScheduleFollowUp asks the backend to mark the conversation for follow-up
func (c *Client) ScheduleFollowUp(ctx context.Context, id string) error {
	_, err := c.do(ctx, "schedule_follow_up", http.MethodPost, "/api/ai/schedule-message/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) Reminders(ctx context.Context) ([]models.Reminder, error) {
	return c.reminders(ctx, "/reminders")
}

func (c *Client) ConversationReminders(ctx context.Context, conversationID string) ([]models.Reminder, error) {
	return c.reminders(ctx, "/reminders/conversation/"+url.PathEscape(conversationID))
}

func (c *Client) reminders(ctx context.Context, path string) ([]models.Reminder, error) {
	body, err := c.get(ctx, "list_reminders", path)
	if err != nil {
		return nil, err
	}
	return normalize.Reminders(body)
}

func (c *Client) CreateReminder(ctx context.Context, reminder models.NewReminder) error {
	_, err := c.do(ctx, "create_reminder", http.MethodPost, "/reminders", reminder)
	return err
}

func (c *Client) SnoozeReminder(ctx context.Context, id string, until time.Time) error {
	_, err := c.do(ctx, "snooze_reminder", http.MethodPost, "/reminders/"+url.PathEscape(id)+"/snooze", models.SnoozeRequest{SnoozeUntil: until})
	return err
}

func (c *Client) CompleteReminder(ctx context.Context, id string) error {
	_, err := c.do(ctx, "complete_reminder", http.MethodPost, "/reminders/"+url.PathEscape(id)+"/done", nil)
	return err
}

// DeleteReminder soft-deletes; the backend keeps the record as DELETED
func (c *Client) DeleteReminder(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete_reminder", http.MethodPost, "/reminders/"+url.PathEscape(id)+"/delete", nil)
	return err
}

// get retries transient failures of an idempotent read
func (c *Client) get(ctx context.Context, operation, path string) ([]byte, error) {
	var body []byte
	err := c.retry.Retry(ctx, func() error {
		var err error
		body, err = c.do(ctx, operation, http.MethodGet, path, nil)
		return err
	}, errors.IsRetryable)
	return body, err
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload interface{}) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "backend."+operation,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer span.End()

	var body []byte
	var status int
	start := time.Now()
	err := c.breaker.execute(ctx, func(ctx context.Context) error {
		var err error
		body, status, err = c.roundTrip(ctx, method, path, payload)
		return err
	})
	metrics.BackendRequestDuration.WithLabelValues(operation, statusLabel(status)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", status))

	if err != nil {
		tracing.RecordError(ctx, err)
		errors.Log(c.logger.WithFields(logrus.Fields{
			"operation": operation,
			"method":    method,
		}), err, "Backend request failed")
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"operation":   operation,
		"status":      status,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Backend request completed")
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	token, err := c.tokens.SessionToken(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeAuthentication, "session token unavailable").
			WithUserMessage("Please sign in again")
	}
	if token == "" {
		return nil, 0, errors.NewAuthError("no session token")
	}

	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternalError, "failed to marshal request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create request").WithContext("endpoint", path)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errors.NewAPIError(path, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, constants.DefaultMaxErrorBodyBytes))
		return nil, resp.StatusCode, errors.NewAPIError(path, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, errors.NewAPIError(path, 0, fmt.Errorf("failed to read response: %w", err))
	}
	return body, resp.StatusCode, nil
}

// errorMessage prefers the backend's message/error field over the raw body
func errorMessage(body []byte) string {
	for _, key := range []string{"message", "error", "detail"} {
		if v := gjson.GetBytes(body, key); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return strings.TrimSpace(string(body))
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
