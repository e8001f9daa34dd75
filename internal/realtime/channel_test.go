package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inboxsync/internal/metrics"
	"inboxsync/internal/retry"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCredentials struct {
	mu    sync.Mutex
	token string
	err   error
	calls atomic.Int32
}

func (s *staticCredentials) Credential(ctx context.Context) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.err
}

func (s *staticCredentials) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

type staticClientID string

func (s staticClientID) ClientID(ctx context.Context) (string, error) {
	return string(s), nil
}

type handshake struct {
	path          string
	authorization string
	rawQuery      string
}

// fakeRealtimeServer accepts websocket connections and keeps them open until
// the client goes away or the test closes them.
type fakeRealtimeServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	handshakes []handshake
	conns      []*websocket.Conn
	closeCodes []websocket.StatusCode

	active    atomic.Int32
	maxActive atomic.Int32
	closeNow  bool
	accepted  chan *websocket.Conn
}

func newFakeRealtimeServer(t *testing.T, closeImmediately bool) *fakeRealtimeServer {
	f := &fakeRealtimeServer{
		closeNow: closeImmediately,
		accepted: make(chan *websocket.Conn, 64),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		n := f.active.Add(1)
		for {
			max := f.maxActive.Load()
			if n <= max || f.maxActive.CompareAndSwap(max, n) {
				break
			}
		}

		f.mu.Lock()
		f.handshakes = append(f.handshakes, handshake{
			path:          r.URL.Path,
			authorization: r.Header.Get("Authorization"),
			rawQuery:      r.URL.RawQuery,
		})
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		select {
		case f.accepted <- conn:
		default:
		}

		if f.closeNow {
			// released before the close frame goes out so a reconnect can
			// never be counted as overlapping this connection
			f.active.Add(-1)
			conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		defer f.active.Add(-1)

		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				f.mu.Lock()
				f.closeCodes = append(f.closeCodes, websocket.CloseStatus(err))
				f.mu.Unlock()
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtimeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeRealtimeServer) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handshakes)
}

func (f *fakeRealtimeServer) waitConn(t *testing.T) *websocket.Conn {
	select {
	case conn := <-f.accepted:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a realtime connection")
		return nil
	}
}

func fixedDelay(d time.Duration) retry.BackoffConfig {
	return retry.BackoffConfig{InitialDelay: d, MaxDelay: d, Multiplier: 1}
}

func newTestChannel(t *testing.T, endpoint string, creds CredentialSource, reconnect, credentialRetry time.Duration) (*Channel, *Registry) {
	registry := NewRegistry(newTestLogger())
	ch := NewChannel(Options{
		URL:             endpoint,
		Reconnect:       fixedDelay(reconnect),
		CredentialRetry: fixedDelay(credentialRetry),
		OpenTimeout:     time.Second,
	}, creds, staticClientID("client-1"), registry, newTestLogger())
	t.Cleanup(func() { ch.Close() })
	return ch, registry
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func TestChannel_ConnectsWithBearerHeader(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, _ := newTestChannel(t, server.url(), &staticCredentials{token: "short-lived"}, time.Hour, time.Hour)

	ch.Start(context.Background())
	server.waitConn(t)

	assert.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.handshakes, 1)
	assert.Equal(t, "/ws/client-1", server.handshakes[0].path)
	assert.Equal(t, "Bearer short-lived", server.handshakes[0].authorization)
	assert.Empty(t, server.handshakes[0].rawQuery)
}

func TestChannel_ConnectIsIdempotent(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, _ := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, time.Hour, time.Hour)

	ch.Start(context.Background())
	ch.Connect()
	ch.Connect()
	server.waitConn(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)
	ch.Connect()
	ch.Foreground()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.acceptedCount())
}

func TestChannel_ReconnectPresentsNewCredential(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	creds := &staticCredentials{token: "old"}
	ch, _ := newTestChannel(t, server.url(), creds, time.Hour, time.Hour)

	ch.Start(context.Background())
	server.waitConn(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	creds.setToken("new")
	ch.Reconnect()

	server.waitConn(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	server.mu.Lock()
	require.Len(t, server.handshakes, 2)
	assert.Equal(t, "Bearer old", server.handshakes[0].authorization)
	assert.Equal(t, "Bearer new", server.handshakes[1].authorization)
	server.mu.Unlock()

	// the old connection is closed normally and no retry is scheduled for it
	assert.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.closeCodes) == 1 && server.closeCodes[0] == websocket.StatusNormalClosure
	}, time.Second, 5*time.Millisecond)
	ch.mu.Lock()
	assert.Nil(t, ch.timer)
	ch.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, server.acceptedCount())
	assert.Equal(t, StateOpen, ch.State())
}

func TestChannel_ReconnectBeforeStartIsNoop(t *testing.T) {
	ch := NewChannel(Options{URL: "ws://127.0.0.1:1/ws"}, &staticCredentials{token: "t"}, staticClientID("c"), NewRegistry(newTestLogger()), newTestLogger())

	ch.Reconnect()

	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannel_DispatchesFramesAndSkipsMalformed(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, registry := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, time.Hour, time.Hour)

	var mu sync.Mutex
	var got []string
	registry.Register("new_conversation", func(data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
	})

	malformedBefore := testutil.ToFloat64(metrics.RealtimeFramesDroppedTotal.WithLabelValues("malformed"))

	ch.Start(context.Background())
	conn := server.waitConn(t)

	writeFrame(t, conn, `not json`)
	writeFrame(t, conn, `{"type":"new_conversation","data":{"id":"c1"}}`)
	writeFrame(t, conn, `{"data":{"id":"no type"}}`)
	writeFrame(t, conn, `{"type":"brand_new_event","data":{}}`)
	writeFrame(t, conn, `{"type":"new_conversation","data":{"id":"c2"}}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"id":"c1"}`, `{"id":"c2"}`}, got)
	mu.Unlock()
	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, malformedBefore+2, testutil.ToFloat64(metrics.RealtimeFramesDroppedTotal.WithLabelValues("malformed")))
}

func TestChannel_UnregisteredListenerNotCalled(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, registry := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, time.Hour, time.Hour)

	var removed, kept atomic.Int32
	unregister := registry.Register("typing", func(json.RawMessage) { removed.Add(1) })
	registry.Register("typing", func(json.RawMessage) { kept.Add(1) })

	ch.Start(context.Background())
	conn := server.waitConn(t)

	writeFrame(t, conn, `{"type":"typing","data":{}}`)
	require.Eventually(t, func() bool { return kept.Load() == 1 }, time.Second, 5*time.Millisecond)

	unregister()
	writeFrame(t, conn, `{"type":"typing","data":{}}`)
	require.Eventually(t, func() bool { return kept.Load() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), removed.Load())
}

func TestChannel_ReconnectsAfterUnexpectedClose(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, _ := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, 20*time.Millisecond, time.Hour)

	ch.Start(context.Background())
	first := server.waitConn(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	first.Close(websocket.StatusGoingAway, "restart")

	server.waitConn(t)
	assert.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, server.acceptedCount())
}

func TestChannel_RepeatedDropsNeverOverlapConnections(t *testing.T) {
	server := newFakeRealtimeServer(t, true)
	ch, _ := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, 15*time.Millisecond, time.Hour)

	ch.Start(context.Background())

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		ch.Foreground()
		time.Sleep(time.Millisecond)
	}
	ch.Close()

	assert.Greater(t, server.acceptedCount(), 2)
	assert.LessOrEqual(t, server.maxActive.Load(), int32(1))
}

func TestChannel_PendingReconnectTimerIsReplaced(t *testing.T) {
	creds := &staticCredentials{err: fmt.Errorf("identity provider unavailable")}
	ch, _ := newTestChannel(t, "ws://127.0.0.1:1/ws", creds, 20*time.Millisecond, time.Hour)

	ch.Start(context.Background())
	require.Eventually(t, func() bool { return creds.calls.Load() == 1 && ch.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	// two closes in quick succession before the first retry fires
	ch.mu.Lock()
	ch.scheduleLocked(reasonClosed)
	ch.scheduleLocked(reasonClosed)
	ch.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), creds.calls.Load())
}

func TestChannel_CredentialFailureRetriesSlowly(t *testing.T) {
	creds := &staticCredentials{err: fmt.Errorf("token endpoint down")}
	ch, _ := newTestChannel(t, "ws://127.0.0.1:1/ws", creds, 5*time.Millisecond, time.Hour)

	before := testutil.ToFloat64(metrics.RealtimeReconnectsTotal.WithLabelValues("credential"))

	ch.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), creds.calls.Load())
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RealtimeReconnectsTotal.WithLabelValues("credential")))

	ch.Foreground()
	assert.Eventually(t, func() bool { return creds.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestChannel_DelayClassesKeepSeparateAttempts(t *testing.T) {
	ch := NewChannel(Options{
		URL:             "ws://127.0.0.1:1/ws",
		Reconnect:       retry.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		CredentialRetry: retry.BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2},
	}, &staticCredentials{token: "t"}, staticClientID("c"), NewRegistry(newTestLogger()), newTestLogger())

	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		attempt, delay := ch.nextDelayLocked(reasonCredential)
		assert.Equal(t, i+1, attempt)
		assert.Equal(t, want, delay)
	}

	// credential failures do not inflate the drop schedule
	attempt, delay := ch.nextDelayLocked(reasonDial)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, 10*time.Millisecond, delay)

	attempt, delay = ch.nextDelayLocked(reasonClosed)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, 20*time.Millisecond, delay)

	attempt, delay = ch.nextDelayLocked(reasonCredential)
	assert.Equal(t, 4, attempt)
	assert.Equal(t, 800*time.Millisecond, delay)
}

func TestChannel_OpenTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()
	defer func() {
		heldMu.Lock()
		for _, c := range held {
			c.Close()
		}
		heldMu.Unlock()
	}()

	before := testutil.ToFloat64(metrics.RealtimeReconnectsTotal.WithLabelValues("open_timeout"))

	registry := NewRegistry(newTestLogger())
	ch := NewChannel(Options{
		URL:             "ws://" + listener.Addr().String() + "/ws",
		Reconnect:       fixedDelay(time.Hour),
		CredentialRetry: fixedDelay(time.Hour),
		OpenTimeout:     50 * time.Millisecond,
	}, &staticCredentials{token: "t"}, staticClientID("client-1"), registry, newTestLogger())
	defer ch.Close()

	ch.Start(context.Background())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RealtimeReconnectsTotal.WithLabelValues("open_timeout")) == before+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannel_SendRequiresOpenConnection(t *testing.T) {
	ch := NewChannel(Options{URL: "ws://127.0.0.1:1/ws"}, &staticCredentials{token: "t"}, staticClientID("c"), NewRegistry(newTestLogger()), newTestLogger())

	err := ch.Send(context.Background(), map[string]string{"type": "ping"})

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannel_SendWritesJSON(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, data, err := conn.Read(r.Context())
		if err == nil {
			received <- string(data)
		}
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ch, _ := newTestChannel(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &staticCredentials{token: "t"}, time.Hour, time.Hour)
	ch.Start(context.Background())
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Send(context.Background(), map[string]string{"type": "ping"}))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"ping"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestChannel_CloseIsIntentional(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, _ := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, 10*time.Millisecond, time.Hour)

	ch.Start(context.Background())
	server.waitConn(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	ch.Close()
	ch.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, 1, server.acceptedCount())

	ch.mu.Lock()
	assert.Nil(t, ch.timer)
	ch.mu.Unlock()

	assert.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.closeCodes) == 1 && server.closeCodes[0] == websocket.StatusNormalClosure
	}, time.Second, 5*time.Millisecond)

	ch.Foreground()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, server.acceptedCount())
}

func TestChannel_StopsReconnectingWhenContextEnds(t *testing.T) {
	server := newFakeRealtimeServer(t, false)
	ch, _ := newTestChannel(t, server.url(), &staticCredentials{token: "t"}, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	ch.Start(ctx)
	server.waitConn(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	cancel()

	assert.Eventually(t, func() bool { return ch.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.acceptedCount())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
