package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"inboxsync/internal/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSession string

func (s staticSession) SessionToken(ctx context.Context) (string, error) {
	return string(s), nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "agent-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

func tokenServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		respond(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestExchangeCredentials_CachesUntilSkew(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	credential := signedToken(t, now.Add(10*time.Minute))

	server, calls := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer session-1", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"token":%q}`, credential)
	})

	creds := NewExchangeCredentials(server.URL, staticSession("session-1"), time.Second, time.Minute, newTestLogger())
	creds.clock = func() time.Time { return now }
	ctx := context.Background()

	got, err := creds.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, credential, got)

	_, err = creds.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	// inside the refresh skew
	creds.clock = func() time.Time { return now.Add(9*time.Minute + 30*time.Second) }
	_, err = creds.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestExchangeCredentials_Invalidate(t *testing.T) {
	credential := signedToken(t, time.Now().Add(time.Hour))
	server, calls := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"access_token":%q}}`, credential)
	})

	creds := NewExchangeCredentials(server.URL, staticSession("s"), time.Second, time.Minute, newTestLogger())
	ctx := context.Background()

	_, err := creds.Credential(ctx)
	require.NoError(t, err)
	creds.Invalidate()
	got, err := creds.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, credential, got)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestExchangeCredentials_OpaqueTokenNotCached(t *testing.T) {
	server, calls := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token":"opaque-credential"}`)
	})

	creds := NewExchangeCredentials(server.URL, staticSession("s"), time.Second, time.Minute, newTestLogger())
	for i := 0; i < 2; i++ {
		got, err := creds.Credential(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "opaque-credential", got)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestExchangeCredentials_Failures(t *testing.T) {
	tests := []struct {
		name    string
		session string
		respond func(w http.ResponseWriter, r *http.Request)
		calls   int32
	}{
		{
			name:    "signed out",
			session: "",
			respond: func(w http.ResponseWriter, r *http.Request) {},
			calls:   0,
		},
		{
			name:    "rejected",
			session: "s",
			respond: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			calls:   1,
		},
		{
			name:    "no token in body",
			session: "s",
			respond: func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"status":"ok"}`) },
			calls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, calls := tokenServer(t, tt.respond)
			creds := NewExchangeCredentials(server.URL, staticSession(tt.session), time.Second, time.Minute, newTestLogger())

			_, err := creds.Credential(context.Background())
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeCredential, errors.GetCode(err))
			assert.True(t, errors.IsRetryable(err))
			assert.Equal(t, tt.calls, atomic.LoadInt32(calls))
		})
	}
}

func TestSessionCredentials(t *testing.T) {
	got, err := SessionCredentials{Tokens: staticSession("abc")}.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, err = SessionCredentials{Tokens: staticSession("")}.Credential(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCredential, errors.GetCode(err))
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	assert.True(t, exp.Equal(expiry(signedToken(t, exp))))
	assert.True(t, expiry("not-a-jwt").IsZero())
}
