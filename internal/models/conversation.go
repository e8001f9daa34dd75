package models

import "time"

type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformTelegram  Platform = "telegram"
	PlatformWeb       Platform = "web"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

type ConversationStatus string

const (
	ConversationStatusOpen     ConversationStatus = "open"
	ConversationStatusClosed   ConversationStatus = "closed"
	ConversationStatusFollowUp ConversationStatus = "follow-up"
)

// Conversation is the canonical record of a customer thread on one platform.
// Every component past the normalizer works only with this shape.
type Conversation struct {
	ID                       string             `json:"id"`
	Platform                 Platform           `json:"platform"`
	CustomerID               string             `json:"customer_id"`
	CustomerName             string             `json:"customer_name"`
	Email                    string             `json:"email"`
	BillingAddress           string             `json:"billingAddress"`
	ShippingAddress          string             `json:"shippingAddress"`
	GSTIN                    string             `json:"gstin"`
	LastMessage              string             `json:"last_message"`
	Timestamp                time.Time          `json:"timestamp"`
	UnreadCount              int                `json:"unread_count"`
	AvatarURL                string             `json:"avatar_url"`
	IsAIEnabled              bool               `json:"is_ai_enabled"`
	AssignedAgentID          *string            `json:"assigned_agent_id"`
	Priority                 Priority           `json:"priority"`
	Sentiment                Sentiment          `json:"sentiment"`
	Status                   ConversationStatus `json:"status"`
	ReplyWindowEndsAt        *time.Time         `json:"reply_window_ends_at"`
	Categories               []string           `json:"categories"`
	LastMessageIsPrivateNote bool               `json:"last_message_is_private_note"`
}

// IsValid reports whether p is one of the known platforms
func (p Platform) IsValid() bool {
	switch p {
	case PlatformWhatsApp, PlatformInstagram, PlatformTelegram, PlatformWeb:
		return true
	}
	return false
}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

func (s ConversationStatus) IsValid() bool {
	switch s {
	case ConversationStatusOpen, ConversationStatusClosed, ConversationStatusFollowUp:
		return true
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared snapshots
func (c Conversation) Clone() Conversation {
	out := c
	if c.AssignedAgentID != nil {
		id := *c.AssignedAgentID
		out.AssignedAgentID = &id
	}
	if c.ReplyWindowEndsAt != nil {
		ts := *c.ReplyWindowEndsAt
		out.ReplyWindowEndsAt = &ts
	}
	if c.Categories != nil {
		out.Categories = append([]string(nil), c.Categories...)
	}
	return out
}
