package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"inboxsync/internal/errors"
	"inboxsync/internal/models"
	"inboxsync/internal/retry"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) SessionToken(ctx context.Context) (string, error) {
	return string(s), nil
}

type failingToken struct{}

func (failingToken) SessionToken(ctx context.Context) (string, error) {
	return "", assert.AnError
}

func newTestClient(t *testing.T, router http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	return NewClient(Options{
		BaseURL: server.URL + "/",
		Timeout: 5 * time.Second,
		Retry:   retry.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3},
	}, staticToken("session-abc"), logger)
}

func TestClient_Conversations(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer session-abc", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","data":[
			{"id":"a","customer_name":"Ann","priority":"high","unread_count":2},
			{"id":"b"}
		]}`)
	}).Methods(http.MethodGet)

	client := newTestClient(t, router)
	list, err := client.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Ann", list[0].CustomerName)
	assert.Equal(t, models.PriorityHigh, list[0].Priority)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, "b", list[1].ID)
}

func TestClient_ConversationsEnvelopeError(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"error","message":"inbox unavailable"}`)
	})

	client := newTestClient(t, router)
	_, err := client.Conversations(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBackendAPI, errors.GetCode(err))
}

func TestClient_RetriesTransientReads(t *testing.T) {
	var calls int32
	router := mux.NewRouter()
	router.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"a"}]`)
	})

	client := newTestClient(t, router)
	list, err := client.Conversations(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	router := mux.NewRouter()
	router.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"token expired"}`)
	})

	client := newTestClient(t, router)
	_, err := client.Conversations(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthentication, errors.GetCode(err))
	assert.Contains(t, err.Error(), "token expired")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_MutationsAreNotRetried(t *testing.T) {
	var calls int32
	router := mux.NewRouter()
	router.HandleFunc("/api/conversations/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}).Methods(http.MethodPost)

	client := newTestClient(t, router)
	err := client.CloseConversation(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Conversation(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		_, _ = io.WriteString(w, `{"data":{"id":"`+id+`","status":"closed"}}`)
	})

	client := newTestClient(t, router)
	conv, err := client.Conversation(context.Background(), "c 1")
	require.NoError(t, err)
	assert.Equal(t, "c 1", conv.ID)
	assert.Equal(t, models.ConversationStatusClosed, conv.Status)
}

func TestClient_ConversationActions(t *testing.T) {
	var hits []string
	router := mux.NewRouter()
	record := func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
	router.HandleFunc("/api/conversations/{id}/close", record).Methods(http.MethodPost)
	router.HandleFunc("/api/conversations/{id}/reopen", record).Methods(http.MethodPost)
	router.HandleFunc("/api/ai/schedule-message/{id}", record).Methods(http.MethodPost)

	client := newTestClient(t, router)
	ctx := context.Background()
	require.NoError(t, client.CloseConversation(ctx, "c1"))
	require.NoError(t, client.ReopenConversation(ctx, "c1"))
	require.NoError(t, client.ScheduleFollowUp(ctx, "c1"))

	assert.Equal(t, []string{
		"/api/conversations/c1/close",
		"/api/conversations/c1/reopen",
		"/api/ai/schedule-message/c1",
	}, hits)
}

func TestClient_Reminders(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/reminders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"r1","conversation_id":"c1","title":"Call","status":"pending","trigger_time":"2024-05-01T10:00:00Z"}]`)
	}).Methods(http.MethodGet)
	router.HandleFunc("/reminders/conversation/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c2", mux.Vars(r)["id"])
		_, _ = io.WriteString(w, `[]`)
	}).Methods(http.MethodGet)

	client := newTestClient(t, router)
	all, err := client.Reminders(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.ReminderStatusPending, all[0].Status)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), all[0].TriggerTime)

	scoped, err := client.ConversationReminders(context.Background(), "c2")
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestClient_ReminderMutations(t *testing.T) {
	until := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	var created models.NewReminder
	var snoozed models.SnoozeRequest
	var done, deleted string

	router := mux.NewRouter()
	router.HandleFunc("/reminders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	router.HandleFunc("/reminders/{id}/snooze", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&snoozed))
	}).Methods(http.MethodPost)
	router.HandleFunc("/reminders/{id}/done", func(w http.ResponseWriter, r *http.Request) {
		done = mux.Vars(r)["id"]
	}).Methods(http.MethodPost)
	router.HandleFunc("/reminders/{id}/delete", func(w http.ResponseWriter, r *http.Request) {
		deleted = mux.Vars(r)["id"]
	}).Methods(http.MethodPost)

	client := newTestClient(t, router)
	ctx := context.Background()

	require.NoError(t, client.CreateReminder(ctx, models.NewReminder{ConversationID: "c1", Title: "Call back", TriggerTime: until}))
	require.NoError(t, client.SnoozeReminder(ctx, "r1", until))
	require.NoError(t, client.CompleteReminder(ctx, "r2"))
	require.NoError(t, client.DeleteReminder(ctx, "r3"))

	assert.Equal(t, "Call back", created.Title)
	assert.True(t, until.Equal(created.TriggerTime))
	assert.True(t, until.Equal(snoozed.SnoozeUntil))
	assert.Equal(t, "r2", done)
	assert.Equal(t, "r3", deleted)
}

func TestClient_NotFound(t *testing.T) {
	client := newTestClient(t, mux.NewRouter())
	err := client.CompleteReminder(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestClient_TokenFailure(t *testing.T) {
	var calls int32
	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	server := httptest.NewServer(router)
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	client := NewClient(Options{BaseURL: server.URL}, failingToken{}, logger)
	err := client.CloseConversation(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthentication, errors.GetCode(err))

	empty := NewClient(Options{BaseURL: server.URL}, staticToken(""), logger)
	err = empty.DeleteReminder(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthentication, errors.GetCode(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad", errorMessage([]byte(`{"message":"bad"}`)))
	assert.Equal(t, "worse", errorMessage([]byte(`{"error":"worse"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("  plain text\n")))
}
