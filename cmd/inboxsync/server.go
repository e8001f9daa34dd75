package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/errors"
	"inboxsync/internal/middleware"
	"inboxsync/internal/models"
	"inboxsync/internal/realtime"
	"inboxsync/internal/service"
	"inboxsync/internal/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 1 << 20

// realtimeChannel is the part of realtime.Channel the console drives
type realtimeChannel interface {
	State() realtime.State
	Foreground()
}

// sessionTokens accepts a new session token on sign-in
type sessionTokens interface {
	SetSessionToken(ctx context.Context, token string) error
}

type serverDeps struct {
	port          int
	conversations *store.ConversationStore
	inbox         *service.Inbox
	reminders     *reminderScopes
	notifier      *store.RecentNotifier
	channel       realtimeChannel
	sessions      sessionTokens
	// signedIn runs after a new session token was stored
	signedIn func()
}

// Server is the local console API the UI surfaces consume
type Server struct {
	serverDeps
	router *mux.Router
	logger *logrus.Logger
	server *http.Server
}

func NewServer(deps serverDeps, logger *logrus.Logger) *Server {
	s := &Server{
		serverDeps: deps,
		router:     mux.NewRouter(),
		logger:     logger,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger), middleware.Recover(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	conversations := s.router.PathPrefix("/conversations").Subrouter()
	conversations.HandleFunc("", s.handleListConversations()).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}", s.handleGetConversation()).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}/typing", s.handleTyping()).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}/read", s.handleConversationAction(s.inbox.MarkAsRead)).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/close", s.handleConversationAction(s.inbox.Close)).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/reopen", s.handleConversationAction(s.inbox.Reopen)).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/follow-up", s.handleConversationAction(s.inbox.ScheduleFollowUp)).Methods(http.MethodPost)

	reminders := s.router.PathPrefix("/reminders").Subrouter()
	reminders.HandleFunc("", s.handleListReminders()).Methods(http.MethodGet)
	reminders.HandleFunc("", s.handleCreateReminder()).Methods(http.MethodPost)
	reminders.HandleFunc("/{id}/snooze", s.handleSnoozeReminder()).Methods(http.MethodPost)
	reminders.HandleFunc("/{id}/done", s.handleReminderAction((*store.ReminderStore).MarkDone)).Methods(http.MethodPost)
	reminders.HandleFunc("/{id}/delete", s.handleReminderAction((*store.ReminderStore).Delete)).Methods(http.MethodPost)

	s.router.HandleFunc("/visibility", s.handleVisibility()).Methods(http.MethodPost)
	s.router.HandleFunc("/notifications", s.handleNotifications()).Methods(http.MethodGet)
	s.router.HandleFunc("/session", s.handleSession()).Methods(http.MethodPost)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.WithField("port", s.port).Info("Starting console server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
	Loading       bool                  `json:"loading"`
	Error         interface{}           `json:"error,omitempty"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := s.conversations.State()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"realtime":      s.channel.State().String(),
			"loaded":        !state.Loading,
			"conversations": len(state.Conversations),
		})
	}
}

func (s *Server) handleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		state := s.conversations.State()
		resp := conversationsResponse{
			Conversations: store.Apply(state.Conversations, filter),
			Loading:       state.Loading,
		}
		if state.Err != nil {
			resp.Error = errors.ToHTTPResponse(state.Err).Error
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
			c, err := s.conversations.RefreshConversation(r.Context(), id)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, c)
			return
		}

		c := s.conversations.Get(id)
		if c == nil {
			s.writeError(w, r, errors.NewNotFoundError("conversation", id))
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"conversation_id": id,
			"typing":          s.conversations.IsTyping(id),
		})
	}
}

func (s *Server) handleConversationAction(action func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := action(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		c := s.conversations.Get(id)
		if c == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleListReminders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := s.reminders.get(r.URL.Query().Get("conversation_id"))
		list, err := scope.Reminders(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if list == nil {
			list = []models.Reminder{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reminders": list})
	}
}

func (s *Server) handleCreateReminder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.NewReminder
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		scope := r.URL.Query().Get("conversation_id")
		err := s.reminders.mutate(r.Context(), scope, func(rs *store.ReminderStore) error {
			return rs.Create(r.Context(), req)
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleSnoozeReminder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req snoozeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		id := mux.Vars(r)["id"]
		scope := r.URL.Query().Get("conversation_id")
		err := s.reminders.mutate(r.Context(), scope, func(rs *store.ReminderStore) error {
			return rs.Snooze(r.Context(), id, req.Minutes)
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleReminderAction(action func(rs *store.ReminderStore, ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		scope := r.URL.Query().Get("conversation_id")
		err := s.reminders.mutate(r.Context(), scope, func(rs *store.ReminderStore) error {
			return action(rs, r.Context(), id)
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

// handleVisibility stands in for the host's tab-visibility notification
func (s *Server) handleVisibility() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req visibilityRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Visible {
			s.channel.Foreground()
		}
		writeJSON(w, http.StatusOK, map[string]string{"realtime": s.channel.State().String()})
	}
}

func (s *Server) handleNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recent := s.notifier.Recent()
		if recent == nil {
			recent = []store.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": recent})
	}
}

type sessionRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		token := strings.TrimSpace(req.Token)
		if token == "" {
			s.writeError(w, r, errors.NewValidationError("token", "is required"))
			return
		}

		if err := s.sessions.SetSessionToken(r.Context(), token); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("Session token updated")
		if s.signedIn != nil {
			s.signedIn()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		errors.Log(s.logger.WithField("path", r.URL.Path), err, "Console request failed")
	}
	writeJSON(w, status, errors.ToHTTPResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid JSON body").
			WithUserMessage("The request body is not valid JSON")
	}
	return nil
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Status: models.ConversationStatus(strings.ToLower(q.Get("status"))),
		Search: q.Get("search"),
	}
	if f.Status != "" && !f.Status.IsValid() {
		return f, errors.NewValidationError("status", "unknown status").WithContext("status", string(f.Status))
	}

	for _, v := range values(q["platform"]) {
		f.Platforms = append(f.Platforms, models.Platform(v))
	}
	for _, v := range values(q["priority"]) {
		f.Priorities = append(f.Priorities, models.Priority(v))
	}
	for _, v := range values(q["sentiment"]) {
		f.Sentiments = append(f.Sentiments, models.Sentiment(v))
	}

	if raw := q.Get("unread_only"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errors.NewValidationError("unread_only", "must be a boolean")
		}
		f.UnreadOnly = unread
	}
	return f, nil
}

// values accepts both repeated and comma-separated query parameters
func values(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, v := range strings.Split(r, ",") {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
