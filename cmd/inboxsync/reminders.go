package main

import (
	"context"
	"sync"

	"inboxsync/internal/store"

	"github.com/sirupsen/logrus"
)

// reminderScopes holds one ReminderStore per conversation plus the
// unscoped store under "". A mutation through one scope refetches the
// others so every view reflects the server.
type reminderScopes struct {
	api      store.ReminderAPI
	notifier store.Notifier
	logger   *logrus.Logger

	mu     sync.Mutex
	scopes map[string]*store.ReminderStore
}

func newReminderScopes(api store.ReminderAPI, notifier store.Notifier, logger *logrus.Logger) *reminderScopes {
	return &reminderScopes{
		api:      api,
		notifier: notifier,
		logger:   logger,
		scopes:   make(map[string]*store.ReminderStore),
	}
}

func (r *reminderScopes) get(conversationID string) *store.ReminderStore {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scopes[conversationID]
	if !ok {
		s = store.NewReminderStore(r.api, conversationID, r.notifier, r.logger)
		r.scopes[conversationID] = s
	}
	return s
}

func (r *reminderScopes) others(conversationID string) []*store.ReminderStore {
	return r.list(func(id string) bool { return id != conversationID })
}

func (r *reminderScopes) list(keep func(id string) bool) []*store.ReminderStore {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*store.ReminderStore, 0, len(r.scopes))
	for id, s := range r.scopes {
		if keep(id) {
			out = append(out, s)
		}
	}
	return out
}

// mutate runs fn against one scope and, on success, refreshes the rest
func (r *reminderScopes) mutate(ctx context.Context, conversationID string, fn func(s *store.ReminderStore) error) error {
	if err := fn(r.get(conversationID)); err != nil {
		return err
	}
	for _, s := range r.others(conversationID) {
		if err := s.Refetch(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to refresh reminder scope after mutation")
		}
	}
	return nil
}

// refetchAll is the periodic refresh task
func (r *reminderScopes) refetchAll(ctx context.Context) error {
	var firstErr error
	for _, s := range r.list(func(string) bool { return true }) {
		if err := s.Refetch(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
