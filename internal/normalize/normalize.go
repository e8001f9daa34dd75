// Package normalize maps the loosely shaped conversation, message and
// reminder payloads of the backend onto the canonical models. Nothing outside
// this package looks at raw payloads.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"inboxsync/internal/errors"
	"inboxsync/internal/models"

	"github.com/tidwall/gjson"
)

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Conversation returns the canonical record for raw. It never fails: every
// missing or mistyped field takes its default.
func Conversation(raw []byte) models.Conversation {
	return conversation(gjson.ParseBytes(raw))
}

// ConversationFields normalizes an already decoded field map, as produced
// by merging a patch into an existing record.
func ConversationFields(fields map[string]interface{}) models.Conversation {
	raw, err := json.Marshal(fields)
	if err != nil {
		return conversation(gjson.Result{})
	}
	return conversation(gjson.ParseBytes(raw))
}

func conversation(r gjson.Result) models.Conversation {
	c := models.Conversation{
		ID:                       identifier(r, "id", "conversation_id"),
		Platform:                 models.Platform(enum(r.Get("platform"))),
		CustomerID:               identifier(r, "customer_id"),
		CustomerName:             str(r.Get("customer_name")),
		Email:                    str(r.Get("email")),
		BillingAddress:           str(r.Get("billingAddress")),
		ShippingAddress:          str(r.Get("shippingAddress")),
		GSTIN:                    str(r.Get("gstin")),
		LastMessage:              preview(r.Get("last_message")),
		Timestamp:                instant(r.Get("timestamp")),
		UnreadCount:              count(r.Get("unread_count")),
		AvatarURL:                str(r.Get("avatar_url")),
		IsAIEnabled:              boolean(r.Get("is_ai_enabled"), true),
		AssignedAgentID:          optionalID(r.Get("assigned_agent_id")),
		Priority:                 models.Priority(enum(r.Get("priority"))),
		Sentiment:                models.Sentiment(enum(r.Get("sentiment"))),
		Status:                   models.ConversationStatus(enum(r.Get("status"))),
		ReplyWindowEndsAt:        optionalInstant(r.Get("reply_window_ends_at")),
		Categories:               tags(r.Get("categories")),
		LastMessageIsPrivateNote: boolean(r.Get("last_message_is_private_note"), false),
	}

	if !c.Platform.IsValid() {
		c.Platform = models.PlatformWeb
	}
	if !c.Priority.IsValid() {
		c.Priority = models.PriorityMedium
	}
	if !c.Sentiment.IsValid() {
		c.Sentiment = models.SentimentNeutral
	}
	if !c.Status.IsValid() {
		c.Status = models.ConversationStatusOpen
	}
	return c
}

// ConversationList decodes the bulk conversation response. Both the
// {status, data} envelope and a bare array are accepted. Entries without an
// identity are skipped and later duplicates of an identity are dropped.
func ConversationList(raw []byte) ([]models.Conversation, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.NewParseError("conversation list", errors.New(errors.ErrCodeParse, "invalid JSON"))
	}

	r := gjson.ParseBytes(raw)
	items := r
	if r.IsObject() {
		if strings.EqualFold(r.Get("status").String(), "error") {
			msg := firstString(r, "message", "error")
			if msg == "" {
				msg = "backend reported an error"
			}
			return nil, errors.New(errors.ErrCodeBackendAPI, msg).WithContext("resource", "conversations")
		}
		items = r.Get("data")
	}
	if !items.IsArray() {
		return nil, errors.NewParseError("conversation list", errors.New(errors.ErrCodeParse, "expected an array of conversations"))
	}

	out := make([]models.Conversation, 0, len(items.Array()))
	seen := make(map[string]struct{})
	items.ForEach(func(_, item gjson.Result) bool {
		c := conversation(item)
		if c.ID == "" {
			return true
		}
		if _, dup := seen[c.ID]; dup {
			return true
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
		return true
	})
	return out, nil
}

// Message extracts the conversation-level facts of a new_message payload.
// ok is false when the payload names no conversation.
func Message(raw []byte) (models.MessageEvent, bool) {
	r := gjson.ParseBytes(raw)
	m := models.MessageEvent{
		ConversationID: identifier(r, "conversation_id", "conversation.id", "conversation.conversation_id"),
		MessageID:      identifier(r, "message_id", "id"),
		Text:           firstString(r, "text", "content", "message", "body"),
		Timestamp:      instant(first(r, "timestamp", "created_at")),
		Direction:      models.MessageDirection(enum(r.Get("direction"))),
		IsPrivateNote:  boolean(first(r, "is_private_note", "is_private"), false),
	}
	if m.Direction != models.MessageDirectionOutbound {
		m.Direction = models.MessageDirectionInbound
	}
	return m, m.ConversationID != ""
}

// Typing decodes a typing indicator. A payload without is_typing means the
// customer started typing.
func Typing(raw []byte) (models.TypingEvent, bool) {
	r := gjson.ParseBytes(raw)
	t := models.TypingEvent{
		ConversationID: identifier(r, "conversation_id", "conversation.id"),
		IsTyping:       boolean(r.Get("is_typing"), true),
	}
	return t, t.ConversationID != ""
}

// Reminder returns the canonical reminder for raw.
func Reminder(raw []byte) models.Reminder {
	return reminder(gjson.ParseBytes(raw))
}

func reminder(r gjson.Result) models.Reminder {
	rem := models.Reminder{
		ID:              identifier(r, "id", "reminder_id"),
		ConversationID:  identifier(r, "conversation_id"),
		Title:           str(r.Get("title")),
		Notes:           str(r.Get("notes")),
		TriggerTime:     instant(r.Get("trigger_time")),
		Status:          models.ReminderStatus(strings.ToUpper(strings.TrimSpace(r.Get("status").String()))),
		SnoozeCount:     count(r.Get("snooze_count")),
		LastTriggeredAt: optionalInstant(r.Get("last_triggered_at")),
		CreatedAt:       instant(r.Get("created_at")),
		UpdatedAt:       instant(r.Get("updated_at")),
		RecipientEmail:  str(r.Get("recipient_email")),
	}
	switch rem.Status {
	case models.ReminderStatusPending, models.ReminderStatusOverdue, models.ReminderStatusSnoozed,
		models.ReminderStatusDone, models.ReminderStatusDeleted:
	default:
		rem.Status = models.ReminderStatusPending
	}
	return rem
}

// Reminders decodes a reminder listing, either {reminders, pagination} or a
// bare array.
func Reminders(raw []byte) ([]models.Reminder, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.NewParseError("reminder list", errors.New(errors.ErrCodeParse, "invalid JSON"))
	}

	r := gjson.ParseBytes(raw)
	items := r
	if r.IsObject() {
		items = first(r, "reminders", "data")
	}
	if !items.IsArray() {
		return nil, errors.NewParseError("reminder list", errors.New(errors.ErrCodeParse, "expected an array of reminders"))
	}

	out := make([]models.Reminder, 0, len(items.Array()))
	items.ForEach(func(_, item gjson.Result) bool {
		out = append(out, reminder(item))
		return true
	})
	return out, nil
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := str(r.Get(p)); s != "" {
			return s
		}
	}
	return ""
}

func str(v gjson.Result) string {
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// identifier accepts string ids and integral numeric ids
func identifier(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if id := idString(r.Get(p)); id != "" {
			return id
		}
	}
	return ""
}

func idString(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.Number:
		if v.Num == math.Trunc(v.Num) && math.Abs(v.Num) < 1<<53 {
			return strconv.FormatInt(int64(v.Num), 10)
		}
		return v.Raw
	}
	return ""
}

func optionalID(v gjson.Result) *string {
	id := idString(v)
	if id == "" {
		return nil
	}
	return &id
}

func enum(v gjson.Result) string {
	return strings.ToLower(strings.TrimSpace(str(v)))
}

func preview(v gjson.Result) string {
	if v.IsObject() {
		return firstString(v, "text", "content", "body")
	}
	return str(v)
}

func count(v gjson.Result) int {
	var n float64
	switch v.Type {
	case gjson.Number:
		n = v.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if math.IsNaN(n) || n <= 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func boolean(v gjson.Result, def bool) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	}
	return def
}

func instant(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		for _, layout := range instantLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	case gjson.Number:
		// epoch seconds, or milliseconds for values past 1e12
		if v.Num > 1e12 {
			return time.UnixMilli(int64(v.Num)).UTC()
		}
		if v.Num > 0 {
			return time.Unix(int64(v.Num), 0).UTC()
		}
	}
	return time.Time{}
}

func optionalInstant(v gjson.Result) *time.Time {
	t := instant(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func tags(v gjson.Result) []string {
	out := []string{}
	seen := make(map[string]struct{})
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	switch {
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			add(str(item))
			return true
		})
	case v.Type == gjson.String:
		for _, tag := range strings.Split(v.Str, ",") {
			add(tag)
		}
	}
	return out
}
