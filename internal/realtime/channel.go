package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/errors"
	"inboxsync/internal/metrics"
	"inboxsync/internal/models"
	"inboxsync/internal/privacy"
	"inboxsync/internal/retry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of the event channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

var allStates = []string{StateDisconnected.String(), StateConnecting.String(), StateOpen.String()}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	default:
		return "DISCONNECTED"
	}
}

// Reconnect reasons, also used as metric labels
const (
	reasonClosed      = "closed"
	reasonDial        = "dial"
	reasonOpenTimeout = "open_timeout"
	reasonCredential  = "credential"
)

// ErrNotConnected is returned by Send when the channel is not open
var ErrNotConnected = errors.New(errors.ErrCodeTransport, "realtime channel is not connected")

// CredentialSource issues the short-lived token presented on each connect
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// ClientIDSource returns the persisted identifier of this client
type ClientIDSource interface {
	ClientID(ctx context.Context) (string, error)
}

// Options configures a Channel
type Options struct {
	URL             string
	Reconnect       retry.BackoffConfig
	CredentialRetry retry.BackoffConfig
	OpenTimeout     time.Duration
	ReadLimit       int64
	SendTimeout     time.Duration
}

// OptionsFromConfig builds channel options from the realtime config section
func OptionsFromConfig(endpoint string, cfg models.RealtimeConfig) Options {
	return Options{
		URL:             endpoint,
		Reconnect:       retry.ReconnectConfig(cfg),
		CredentialRetry: retry.CredentialRetryConfig(cfg),
		OpenTimeout:     time.Duration(cfg.OpenTimeoutMs) * time.Millisecond,
		ReadLimit:       constants.DefaultReadLimitBytes,
		SendTimeout:     constants.DefaultSendTimeoutSec * time.Second,
	}
}

// Channel owns the single live connection to the realtime endpoint and fans
// inbound frames out through a Registry. It reconnects on its own after any
// unexpected close; callers only observe data arriving or going stale.
type Channel struct {
	opts      Options
	creds     CredentialSource
	clientIDs ClientIDSource
	registry  *Registry
	logger    *logrus.Logger
	reconnect *retry.Backoff
	credRetry *retry.Backoff

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	state    State
	conn     *websocket.Conn
	gen      uint64
	timer    *time.Timer
	closing  bool
	wg       sync.WaitGroup

	// one attempt counter per delay class; both reset on a successful open
	reconnectAttempts  int
	credentialAttempts int
}

func NewChannel(opts Options, creds CredentialSource, clientIDs ClientIDSource, registry *Registry, logger *logrus.Logger) *Channel {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = constants.DefaultOpenTimeoutMs * time.Millisecond
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = constants.DefaultReadLimitBytes
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = constants.DefaultSendTimeoutSec * time.Second
	}

	metrics.SetRealtimeState(StateDisconnected.String(), allStates...)

	return &Channel{
		opts:      opts,
		creds:     creds,
		clientIDs: clientIDs,
		registry:  registry,
		logger:    logger,
		reconnect: retry.NewBackoff(opts.Reconnect),
		credRetry: retry.NewBackoff(opts.CredentialRetry),
	}
}

// Start binds the channel to ctx and opens the first connection. Cancelling
// ctx stops reconnecting; Close also tears down the live connection.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.Connect()
}

// Connect starts a connection attempt unless one is already open or in
// progress. A pending reconnect timer is cancelled.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.ctx == nil || c.closing || c.ctx.Err() != nil || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	ctx := c.ctx
	c.setStateLocked(StateConnecting)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, gen)
}

// Reconnect abandons the live connection or attempt in progress and
// connects again with a fresh credential. Used when the session changes so
// an open connection does not keep the previous credential.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	if c.ctx == nil || c.closing || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	// the old read loop and any pending attempt belong to a stale generation
	c.gen++
	c.reconnectAttempts, c.credentialAttempts = 0, 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.logger.Info("Realtime channel reconnecting for new session")
	c.Connect()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session changed"); err != nil {
			c.logger.WithError(err).Debug("Closing superseded realtime connection")
		}
	}
}

// Foreground reconnects at once if the channel is disconnected instead of
// waiting for the scheduled retry.
func (c *Channel) Foreground() {
	if c.State() != StateDisconnected {
		return
	}
	c.logger.Debug("Client returned to foreground, reconnecting immediately")
	c.Connect()
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes payload as a JSON frame. Nothing is queued: when the channel is
// not open the payload is dropped and ErrNotConnected returned.
func (c *Channel) Send(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		c.logger.WithField("state", state.String()).Warn("Dropping outbound frame, realtime channel not open")
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, payload); err != nil {
		return errors.NewTransportError("send", err)
	}
	return nil
}

// Close cancels any pending reconnect and closes the live connection with a
// normal closure. It must not be called from a listener.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	cancel := c.cancel
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.logger.Info("Realtime channel closed")
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return errors.NewTransportError("close", err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	token, err := c.creds.Credential(ctx)
	if err != nil {
		c.fail(gen, reasonCredential, errors.NewCredentialError(err))
		return
	}
	clientID, err := c.clientIDs.ClientID(ctx)
	if err != nil {
		c.fail(gen, reasonCredential, errors.NewStateError("client id", err))
		return
	}

	endpoint := strings.TrimRight(c.opts.URL, "/") + "/" + url.PathEscape(clientID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.OpenTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	timedOut := dialCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancelDial()
	if err != nil {
		reason := reasonDial
		if timedOut {
			reason = reasonOpenTimeout
			err = fmt.Errorf("connection did not open within %s: %w", c.opts.OpenTimeout, err)
		}
		c.fail(gen, reason, errors.NewTransportError("dial", err))
		return
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.conn = conn
	c.reconnectAttempts, c.credentialAttempts = 0, 0
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.logger.WithField("client_id", privacy.MaskID(clientID)).Info("Realtime channel connected")

	c.readLoop(ctx, gen, conn)
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropped(gen, conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		if err == nil {
			err = fmt.Errorf("frame has no type")
		}
		metrics.RealtimeFramesDroppedTotal.WithLabelValues("malformed").Inc()
		errors.Log(c.logger.WithField("bytes", len(data)), errors.NewParseError("frame", err), "Dropping malformed realtime frame")
		return
	}

	if !isKnownEvent(frame.Type) && c.registry.Count(frame.Type) == 0 {
		metrics.RealtimeFramesDroppedTotal.WithLabelValues("unknown_type").Inc()
		c.logger.WithField("event_type", frame.Type).Debug("Ignoring unknown event type")
		return
	}

	label := frame.Type
	if !isKnownEvent(label) {
		label = "other"
	}
	metrics.RealtimeFramesTotal.WithLabelValues(label).Inc()

	if c.registry.Dispatch(frame.Type, frame.Data) == 0 {
		metrics.RealtimeFramesDroppedTotal.WithLabelValues("no_listener").Inc()
	}
}

// dropped handles the end of an open connection
func (c *Channel) dropped(gen uint64, conn *websocket.Conn, cause error) {
	defer conn.CloseNow()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closing {
		return
	}
	c.conn = nil
	c.setStateLocked(StateDisconnected)

	entry := c.logger.WithField("close_status", int(websocket.CloseStatus(cause)))
	errors.Log(entry, errors.NewTransportError("read", cause), "Realtime connection lost")

	c.scheduleLocked(reasonClosed)
}

// fail handles a connection attempt that never opened
func (c *Channel) fail(gen uint64, reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closing {
		return
	}
	c.setStateLocked(StateDisconnected)

	errors.Log(c.logger.WithField("reason", reason), err, "Realtime connection attempt failed")

	c.scheduleLocked(reason)
}

// scheduleLocked arms the single reconnect timer, replacing any pending one
func (c *Channel) scheduleLocked(reason string) {
	c.stopTimerLocked()
	if c.ctx.Err() != nil {
		return
	}

	attempt, delay := c.nextDelayLocked(reason)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.timer != t {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.Connect()
	})
	c.timer = t

	metrics.RealtimeReconnectsTotal.WithLabelValues(reason).Inc()
	c.logger.WithFields(logrus.Fields{
		"reason":   reason,
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).Info("Realtime reconnect scheduled")
}

// nextDelayLocked advances the counter of the delay class reason belongs to
func (c *Channel) nextDelayLocked(reason string) (int, time.Duration) {
	if reason == reasonCredential {
		c.credentialAttempts++
		return c.credentialAttempts, c.credRetry.Delay(c.credentialAttempts)
	}
	c.reconnectAttempts++
	return c.reconnectAttempts, c.reconnect.Delay(c.reconnectAttempts)
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.SetRealtimeState(s.String(), allStates...)
}

func isKnownEvent(eventType string) bool {
	for _, known := range models.KnownEventTypes {
		if known == eventType {
			return true
		}
	}
	return false
}
