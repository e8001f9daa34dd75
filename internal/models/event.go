package models

import (
	"encoding/json"
	"time"
)

// Event types delivered over the realtime channel
const (
	EventNewConversation     = "new_conversation"
	EventConversationUpdated = "conversation_updated"
	EventNewMessage          = "new_message"
	EventTyping              = "typing"
	EventMessageReaction     = "message_reaction"
	EventMessageDeleted      = "message_deleted"
	EventMessageStatus       = "message_status"
)

// KnownEventTypes lists every event type the client understands
var KnownEventTypes = []string{
	EventNewConversation,
	EventConversationUpdated,
	EventNewMessage,
	EventTyping,
	EventMessageReaction,
	EventMessageDeleted,
	EventMessageStatus,
}

// Frame is the envelope of every inbound realtime message
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "inbound"
	MessageDirectionOutbound MessageDirection = "outbound"
)

// MessageEvent is the conversation-level view of a new_message event
type MessageEvent struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	Text           string           `json:"text"`
	Timestamp      time.Time        `json:"timestamp"`
	Direction      MessageDirection `json:"direction"`
	IsPrivateNote  bool             `json:"is_private_note"`
}

// TypingEvent signals that the customer started or stopped typing
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}
