package service

import (
	"context"

	"inboxsync/internal/errors"
	"inboxsync/internal/models"
	"inboxsync/internal/privacy"
	"inboxsync/internal/store"

	"github.com/sirupsen/logrus"
)

// ConversationActions are the backend round-trips behind status changes
type ConversationActions interface {
	CloseConversation(ctx context.Context, id string) error
	ReopenConversation(ctx context.Context, id string) error
	ScheduleFollowUp(ctx context.Context, id string) error
}

// ConversationPatcher is the part of the conversation store the inbox mutates
type ConversationPatcher interface {
	Optimistic(ctx context.Context, id string, fields store.Fields, commit func(ctx context.Context) error) error
	MarkAsRead(id string) bool
}

// Inbox combines status round-trips with optimistic store patches. Failures
// are reverted in the store and reported through the notifier.
type Inbox struct {
	api           ConversationActions
	conversations ConversationPatcher
	notifier      store.Notifier
	logger        *logrus.Logger
}

func NewInbox(api ConversationActions, conversations ConversationPatcher, notifier store.Notifier, logger *logrus.Logger) *Inbox {
	return &Inbox{
		api:           api,
		conversations: conversations,
		notifier:      notifier,
		logger:        logger,
	}
}

func (i *Inbox) Close(ctx context.Context, id string) error {
	return i.transition(ctx, "close_conversation", id, models.ConversationStatusClosed, i.api.CloseConversation)
}

func (i *Inbox) Reopen(ctx context.Context, id string) error {
	return i.transition(ctx, "reopen_conversation", id, models.ConversationStatusOpen, i.api.ReopenConversation)
}

// ScheduleFollowUp moves the conversation to follow-up
func (i *Inbox) ScheduleFollowUp(ctx context.Context, id string) error {
	return i.transition(ctx, "schedule_follow_up", id, models.ConversationStatusFollowUp, i.api.ScheduleFollowUp)
}

// MarkAsRead resets the unread count locally
func (i *Inbox) MarkAsRead(ctx context.Context, id string) error {
	if !i.conversations.MarkAsRead(id) {
		return errors.NewNotFoundError("conversation", id)
	}
	return nil
}

func (i *Inbox) transition(ctx context.Context, operation, id string, status models.ConversationStatus, call func(ctx context.Context, id string) error) error {
	fields := store.Fields{"status": string(status)}
	err := i.conversations.Optimistic(ctx, id, fields, func(ctx context.Context) error {
		return call(ctx, id)
	})
	if err != nil {
		i.notifier.NotifyFailure(operation, err)
		return err
	}

	i.logger.WithFields(logrus.Fields{
		"operation":       operation,
		"conversation_id": privacy.MaskID(id),
		"status":          status,
	}).Info("Conversation status changed")
	return nil
}
