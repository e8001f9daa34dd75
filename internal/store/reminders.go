package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"inboxsync/internal/errors"
	"inboxsync/internal/metrics"
	"inboxsync/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ReminderAPI is the part of the backend client the reminder store needs
type ReminderAPI interface {
	Reminders(ctx context.Context) ([]models.Reminder, error)
	ConversationReminders(ctx context.Context, conversationID string) ([]models.Reminder, error)
	CreateReminder(ctx context.Context, reminder models.NewReminder) error
	SnoozeReminder(ctx context.Context, id string, until time.Time) error
	CompleteReminder(ctx context.Context, id string) error
	DeleteReminder(ctx context.Context, id string) error
}

// ReminderState is a snapshot of the reminder store. DELETED reminders are
// never part of it.
type ReminderState struct {
	Reminders []models.Reminder
	Loading   bool
	Err       error
}

// ReminderStore caches the reminders of one conversation, or all reminders
// when no conversation is given. Mutations never patch the cache: each
// successful one invalidates it and fetches the list again.
type ReminderStore struct {
	api            ReminderAPI
	conversationID string
	notifier       Notifier
	logger         *logrus.Logger
	clock          func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	reminders []models.Reminder
	valid     bool
	loaded    bool
	version   uint64
	err       error
}

func NewReminderStore(api ReminderAPI, conversationID string, notifier Notifier, logger *logrus.Logger) *ReminderStore {
	return &ReminderStore{
		api:            api,
		conversationID: conversationID,
		notifier:       notifier,
		logger:         logger,
		clock:          time.Now,
	}
}

// WithClock replaces the clock used to compute snooze deadlines
func (s *ReminderStore) WithClock(clock func() time.Time) *ReminderStore {
	s.clock = clock
	return s
}

// Reminders returns the active reminders, fetching them if the cache is
// invalid
func (s *ReminderStore) Reminders(ctx context.Context) ([]models.Reminder, error) {
	s.mu.Lock()
	if s.valid {
		list := active(s.reminders)
		s.mu.Unlock()
		return list, nil
	}
	s.mu.Unlock()

	return s.fetch(ctx)
}

// Refetch invalidates the cache and fetches the list again
func (s *ReminderStore) Refetch(ctx context.Context) error {
	s.invalidate()
	_, err := s.fetch(ctx)
	return err
}

// State returns the current snapshot
func (s *ReminderStore) State() ReminderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReminderState{
		Reminders: active(s.reminders),
		Loading:   !s.loaded,
		Err:       s.err,
	}
}

// Create schedules a new reminder. In a conversation-scoped store the
// conversation defaults to the store's.
func (s *ReminderStore) Create(ctx context.Context, reminder models.NewReminder) error {
	if reminder.ConversationID == "" {
		reminder.ConversationID = s.conversationID
	}
	reminder.Title = strings.TrimSpace(reminder.Title)

	var err error
	switch {
	case reminder.ConversationID == "":
		err = errors.NewValidationError("conversation_id", "is required")
	case reminder.Title == "":
		err = errors.NewValidationError("title", "is required")
	case reminder.TriggerTime.IsZero():
		err = errors.NewValidationError("trigger_time", "is required")
	}
	if err != nil {
		s.notifier.NotifyFailure("create", err)
		return err
	}

	return s.mutate(ctx, "create", func(ctx context.Context) error {
		return s.api.CreateReminder(ctx, reminder)
	})
}

// Snooze moves the reminder to now plus minutes, measured on the local clock
func (s *ReminderStore) Snooze(ctx context.Context, id string, minutes int) error {
	if minutes <= 0 {
		err := errors.NewValidationError("minutes", "must be positive")
		s.notifier.NotifyFailure("snooze", err)
		return err
	}
	until := s.clock().Add(time.Duration(minutes) * time.Minute).UTC()

	return s.mutate(ctx, "snooze", func(ctx context.Context) error {
		return s.api.SnoozeReminder(ctx, id, until)
	})
}

func (s *ReminderStore) MarkDone(ctx context.Context, id string) error {
	return s.mutate(ctx, "done", func(ctx context.Context) error {
		return s.api.CompleteReminder(ctx, id)
	})
}

// Delete soft-deletes the reminder on the backend
func (s *ReminderStore) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete", func(ctx context.Context) error {
		return s.api.DeleteReminder(ctx, id)
	})
}

func (s *ReminderStore) mutate(ctx context.Context, operation string, call func(ctx context.Context) error) error {
	if err := call(ctx); err != nil {
		metrics.ReminderMutationsTotal.WithLabelValues(operation, "error").Inc()
		s.notifier.NotifyFailure(operation, err)
		return err
	}
	metrics.ReminderMutationsTotal.WithLabelValues(operation, "success").Inc()

	s.invalidate()
	if _, err := s.fetch(ctx); err != nil {
		errors.Log(s.logger.WithField("operation", operation), err, "Reminder refetch after mutation failed")
	}
	return nil
}

func (s *ReminderStore) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.version++
	s.mu.Unlock()
}

// fetch collapses concurrent requests for the same cache version into one
func (s *ReminderStore) fetch(ctx context.Context) ([]models.Reminder, error) {
	s.mu.Lock()
	version := s.version
	s.mu.Unlock()

	v, err, _ := s.group.Do(fmt.Sprintf("reminders-%d", version), func() (interface{}, error) {
		var list []models.Reminder
		var err error
		if s.conversationID != "" {
			list, err = s.api.ConversationReminders(ctx, s.conversationID)
		} else {
			list, err = s.api.Reminders(ctx)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			metrics.ReminderFetchesTotal.WithLabelValues("error").Inc()
			fetchErr := errors.NewFetchError("reminders", err)
			if version == s.version {
				s.err = fetchErr
			}
			return nil, fetchErr
		}
		metrics.ReminderFetchesTotal.WithLabelValues("success").Inc()
		if version == s.version {
			s.reminders = list
			s.valid = true
			s.loaded = true
			s.err = nil
		}
		return active(list), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Reminder), nil
}

func active(list []models.Reminder) []models.Reminder {
	out := make([]models.Reminder, 0, len(list))
	for _, r := range list {
		if r.IsActive() {
			out = append(out, r)
		}
	}
	return out
}
