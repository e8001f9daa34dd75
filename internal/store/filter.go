package store

import (
	"sort"
	"strings"

	"inboxsync/internal/models"
)

// Filter selects a view of the conversation list. Zero values match
// everything.
type Filter struct {
	Status     models.ConversationStatus
	Search     string
	Platforms  []models.Platform
	Priorities []models.Priority
	Sentiments []models.Sentiment
	UnreadOnly bool
}

// View returns the conversations matching f, most recent first
func (s *ConversationStore) View(f Filter) []models.Conversation {
	return Apply(s.State().Conversations, f)
}

// Apply filters list and sorts the result by timestamp, newest first. Ties
// keep their collection order.
func Apply(list []models.Conversation, f Filter) []models.Conversation {
	search := strings.ToLower(strings.TrimSpace(f.Search))

	out := make([]models.Conversation, 0, len(list))
	for _, c := range list {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if len(f.Platforms) > 0 && !contains(f.Platforms, c.Platform) {
			continue
		}
		if len(f.Priorities) > 0 && !contains(f.Priorities, c.Priority) {
			continue
		}
		if len(f.Sentiments) > 0 && !contains(f.Sentiments, c.Sentiment) {
			continue
		}
		if search != "" && !matches(c, search) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func matches(c models.Conversation, search string) bool {
	for _, field := range []string{c.CustomerName, c.LastMessage, c.Email, c.ID} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

func contains[T comparable](set []T, v T) bool {
	for _, candidate := range set {
		if candidate == v {
			return true
		}
	}
	return false
}
