package store

import (
	"sync"
	"time"

	"inboxsync/internal/errors"

	"github.com/sirupsen/logrus"
)

// Notifier surfaces a failed user action as a transient notification
type Notifier interface {
	NotifyFailure(operation string, err error)
}

// Notification is one reported failure
type Notification struct {
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	At        time.Time `json:"at"`
}

// RecentNotifier logs failures and keeps the most recent ones for display
type RecentNotifier struct {
	logger *logrus.Logger
	limit  int

	mu     sync.Mutex
	recent []Notification
}

func NewRecentNotifier(limit int, logger *logrus.Logger) *RecentNotifier {
	if limit <= 0 {
		limit = 20
	}
	return &RecentNotifier{logger: logger, limit: limit}
}

func (n *RecentNotifier) NotifyFailure(operation string, err error) {
	errors.Log(n.logger.WithField("operation", operation), err, "Action failed")

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.recent) >= n.limit {
		n.recent = n.recent[1:]
	}
	n.recent = append(n.recent, Notification{
		Operation: operation,
		Message:   errors.GetUserMessage(err),
		Code:      string(errors.GetCode(err)),
		At:        time.Now().UTC(),
	})
}

// Recent returns the retained notifications, oldest first
func (n *RecentNotifier) Recent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.recent...)
}
