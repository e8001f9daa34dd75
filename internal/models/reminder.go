package models

import "time"

type ReminderStatus string

const (
	ReminderStatusPending ReminderStatus = "PENDING"
	ReminderStatusOverdue ReminderStatus = "OVERDUE"
	ReminderStatusSnoozed ReminderStatus = "SNOOZED"
	ReminderStatusDone    ReminderStatus = "DONE"
	ReminderStatusDeleted ReminderStatus = "DELETED"
)

// Reminder is a follow-up scheduled against a conversation
type Reminder struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Title           string         `json:"title"`
	Notes           string         `json:"notes"`
	TriggerTime     time.Time      `json:"trigger_time"`
	Status          ReminderStatus `json:"status"`
	SnoozeCount     int            `json:"snooze_count"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	RecipientEmail  string         `json:"recipient_email"`
}

// IsActive reports whether the reminder belongs in active-facing views
func (r Reminder) IsActive() bool {
	return r.Status != ReminderStatusDeleted
}

// NewReminder is the body of a reminder creation request
type NewReminder struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Notes          string    `json:"notes,omitempty"`
	TriggerTime    time.Time `json:"trigger_time"`
	RecipientEmail string    `json:"recipient_email,omitempty"`
}

// SnoozeRequest is the body of a reminder snooze request
type SnoozeRequest struct {
	SnoozeUntil time.Time `json:"snooze_until"`
}
