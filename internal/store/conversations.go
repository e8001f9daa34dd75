package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"inboxsync/internal/constants"
	"inboxsync/internal/errors"
	"inboxsync/internal/metrics"
	"inboxsync/internal/models"
	"inboxsync/internal/normalize"
	"inboxsync/internal/privacy"
	"inboxsync/internal/realtime"

	"github.com/sirupsen/logrus"
)

// ConversationAPI is the part of the backend client the conversation store needs
type ConversationAPI interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
}

// EventSource is satisfied by realtime.Registry
type EventSource interface {
	Register(eventType string, fn realtime.Listener) (unregister func())
}

// Fields is a partial conversation keyed by wire field name
type Fields map[string]interface{}

// State is an immutable snapshot of the conversation store. Conversations
// must not be modified by the receiver.
type State struct {
	Conversations []models.Conversation
	Loading       bool
	Err           error
}

// Options tunes a ConversationStore
type Options struct {
	EventBufferSize int
	TypingTTL       time.Duration
	Clock           func() time.Time
}

// mutation transforms the collection into a new one without touching the
// input slice or its elements
type mutation func(list []models.Conversation) []models.Conversation

type pendingMutation struct {
	stamp uint64
	apply mutation
}

type subscriber struct {
	fn func(State)
}

// ConversationStore holds the client-side snapshot of every conversation
// visible to the agent. The collection is replaced as a whole on every
// change.
//
// Live events that arrive before the first successful load are buffered and
// replayed once it applies. While a later refresh is in flight, changes are
// applied at once and journaled; the journal entries recorded after the
// refresh was issued are replayed on top of its response.
type ConversationStore struct {
	api    ConversationAPI
	logger *logrus.Logger
	opts   Options

	mu            sync.Mutex
	conversations []models.Conversation
	loaded        bool
	err           error
	issued        uint64
	settled       uint64
	pending       []pendingMutation
	statusFilter  models.ConversationStatus
	typing        map[string]time.Time
	subscribers   []*subscriber
}

func NewConversationStore(api ConversationAPI, opts Options, logger *logrus.Logger) *ConversationStore {
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = constants.DefaultEventBufferSize
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = constants.DefaultTypingTTLSec * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &ConversationStore{
		api:           api,
		logger:        logger,
		opts:          opts,
		conversations: []models.Conversation{},
		typing:        make(map[string]time.Time),
	}
}

// Load fetches the full collection. Only the most recently issued load may
// apply its result; older responses are discarded. A failed load keeps the
// current data and records the error.
func (s *ConversationStore) Load(ctx context.Context) error {
	s.mu.Lock()
	s.issued++
	token := s.issued
	s.mu.Unlock()

	list, err := s.api.Conversations(ctx)

	s.mu.Lock()
	if token != s.issued {
		s.mu.Unlock()
		metrics.ConversationLoadsTotal.WithLabelValues("stale").Inc()
		s.logger.WithField("request", token).Debug("Discarding stale conversation load")
		return nil
	}
	s.settled = token

	if err != nil {
		s.err = errors.NewFetchError("conversations", err)
		if s.loaded {
			s.pending = nil
		}
		loadErr := s.err
		s.mu.Unlock()

		metrics.ConversationLoadsTotal.WithLabelValues("error").Inc()
		errors.Log(s.logger.WithField("request", token), loadErr, "Failed to load conversations")
		s.notify()
		return loadErr
	}

	firstLoad := !s.loaded
	next := list
	replayed := 0
	for _, p := range s.pending {
		if firstLoad || p.stamp >= token {
			next = p.apply(next)
			replayed++
		}
	}
	s.conversations = next
	s.pending = nil
	s.loaded = true
	s.err = nil
	count := len(next)
	s.mu.Unlock()

	metrics.ConversationLoadsTotal.WithLabelValues("success").Inc()
	metrics.ConversationsLoaded.Set(float64(count))
	s.logger.WithFields(logrus.Fields{
		"conversations": count,
		"replayed":      replayed,
		"first_load":    firstLoad,
	}).Info("Conversations loaded")
	s.notify()
	return nil
}

// ApplyNewConversation prepends the conversation, or updates it in place at
// the front when the identity is already present.
func (s *ConversationStore) ApplyNewConversation(raw []byte) {
	id := normalize.Conversation(raw).ID
	if id == "" {
		s.logger.Warn("Ignoring new_conversation event without identity")
		return
	}
	s.live(func(list []models.Conversation) []models.Conversation {
		return upsertFront(list, s.merge(list, raw))
	})
}

// ApplyConversationUpdated moves the conversation to the front with the
// event's fields merged in. An unknown conversation is inserted only if it
// passes the active status filter.
func (s *ConversationStore) ApplyConversationUpdated(raw []byte) {
	id := normalize.Conversation(raw).ID
	if id == "" {
		s.logger.Warn("Ignoring conversation_updated event without identity")
		return
	}
	s.live(func(list []models.Conversation) []models.Conversation {
		if indexOf(list, id) < 0 {
			c := normalize.Conversation(raw)
			if s.statusFilter != "" && c.Status != s.statusFilter {
				return list
			}
			return upsertFront(list, c)
		}
		return upsertFront(list, s.merge(list, raw))
	})
}

// ApplyMessage updates the preview of the conversation a message belongs to
// and bumps it to the front. Only inbound messages raise the unread count.
// A message no newer than the conversation's timestamp is already reflected
// and is ignored.
func (s *ConversationStore) ApplyMessage(raw []byte) {
	msg, ok := normalize.Message(raw)
	if !ok {
		s.logger.Warn("Ignoring new_message event without conversation")
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.opts.Clock().UTC()
	}

	s.live(func(list []models.Conversation) []models.Conversation {
		i := indexOf(list, msg.ConversationID)
		if i < 0 {
			s.logger.WithField("conversation_id", privacy.MaskID(msg.ConversationID)).Debug("Message for unknown conversation ignored")
			return list
		}
		// a refresh response that already includes the message must not
		// count it again when the journal is replayed on top of it
		if !list[i].Timestamp.Before(msg.Timestamp) {
			return list
		}
		c := list[i].Clone()
		c.LastMessage = msg.Text
		c.Timestamp = msg.Timestamp
		c.LastMessageIsPrivateNote = msg.IsPrivateNote
		if msg.Direction == models.MessageDirectionInbound {
			c.UnreadCount++
		}
		return upsertFront(list, c)
	})
}

// ApplyTyping records a typing indicator for the conversation
func (s *ConversationStore) ApplyTyping(raw []byte) {
	ev, ok := normalize.Typing(raw)
	if !ok {
		return
	}

	s.mu.Lock()
	if ev.IsTyping {
		s.typing[ev.ConversationID] = s.opts.Clock().Add(s.opts.TypingTTL)
	} else {
		delete(s.typing, ev.ConversationID)
	}
	s.mu.Unlock()
	s.notify()
}

// IsTyping reports whether the customer of the conversation is typing
func (s *ConversationStore) IsTyping(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.typing[id]
	if !ok {
		return false
	}
	if !s.opts.Clock().Before(until) {
		delete(s.typing, id)
		return false
	}
	return true
}

// MarkAsRead zeroes the unread count of the conversation locally. It reports
// whether the conversation exists.
func (s *ConversationStore) MarkAsRead(id string) bool {
	found, first := false, true
	s.local(func(list []models.Conversation) []models.Conversation {
		i := indexOf(list, id)
		if first {
			found, first = i >= 0, false
		}
		if i < 0 {
			return list
		}
		if list[i].UnreadCount == 0 {
			return list
		}
		c := list[i].Clone()
		c.UnreadCount = 0
		return replaceAt(list, i, c)
	})
	return found
}

// Patch merges fields into the conversation without moving it and returns
// the inverse patch that restores the previous values.
func (s *ConversationStore) Patch(id string, fields Fields) (inverse Fields, ok bool) {
	if len(fields) == 0 {
		return Fields{}, s.Get(id) != nil
	}

	// journal replays rerun the mutation; only the first run reports back
	first := true
	s.local(func(list []models.Conversation) []models.Conversation {
		i := indexOf(list, id)
		primary := first
		first = false
		if i < 0 {
			return list
		}
		current := toFields(list[i])
		if primary {
			inverse = make(Fields, len(fields))
			for k := range fields {
				inverse[k] = current[k]
			}
			ok = true
		}
		for k, v := range fields {
			current[k] = v
		}
		patched := normalize.ConversationFields(current)
		patched.ID = list[i].ID
		return replaceAt(list, i, patched)
	})
	return inverse, ok
}

// Optimistic applies fields, runs commit and reverts the patch when commit
// fails. The commit error is returned unchanged.
func (s *ConversationStore) Optimistic(ctx context.Context, id string, fields Fields, commit func(ctx context.Context) error) error {
	inverse, ok := s.Patch(id, fields)
	if !ok {
		return errors.NewNotFoundError("conversation", id)
	}

	if err := commit(ctx); err != nil {
		s.Patch(id, inverse)
		metrics.OptimisticRollbacksTotal.WithLabelValues(fieldNames(fields)).Inc()
		s.logger.WithFields(logrus.Fields{
			"conversation_id": privacy.MaskID(id),
			"fields":          fieldNames(fields),
		}).WithError(err).Warn("Reverted optimistic conversation patch")
		return err
	}
	return nil
}

// RefreshConversation re-fetches one conversation and replaces it without
// changing its position.
func (s *ConversationStore) RefreshConversation(ctx context.Context, id string) (models.Conversation, error) {
	c, err := s.api.Conversation(ctx, id)
	if err != nil {
		return models.Conversation{}, errors.NewFetchError("conversation", err).WithContext("conversation_id", id)
	}
	if c.ID == "" {
		c.ID = id
	}

	s.local(func(list []models.Conversation) []models.Conversation {
		if i := indexOf(list, c.ID); i >= 0 {
			return replaceAt(list, i, c)
		}
		return upsertFront(list, c)
	})
	return c, nil
}

// Attach registers the store's listeners. The returned detach must be
// called when the store stops consuming events.
func (s *ConversationStore) Attach(events EventSource) (detach func()) {
	unregister := []func(){
		events.Register(models.EventNewConversation, func(data json.RawMessage) { s.ApplyNewConversation(data) }),
		events.Register(models.EventConversationUpdated, func(data json.RawMessage) { s.ApplyConversationUpdated(data) }),
		events.Register(models.EventNewMessage, func(data json.RawMessage) { s.ApplyMessage(data) }),
		events.Register(models.EventTyping, func(data json.RawMessage) { s.ApplyTyping(data) }),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, fn := range unregister {
				fn()
			}
		})
	}
}

// SetStatusFilter sets the status tab currently shown. An empty status
// means all conversations are shown.
func (s *ConversationStore) SetStatusFilter(status models.ConversationStatus) {
	s.mu.Lock()
	s.statusFilter = status
	s.mu.Unlock()
}

// State returns the current snapshot
func (s *ConversationStore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Get returns a copy of the conversation with the given id, or nil
func (s *ConversationStore) Get(id string) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.conversations, id)
	if i < 0 {
		return nil
	}
	c := s.conversations[i].Clone()
	return &c
}

// Subscribe calls fn with the new state after every change
func (s *ConversationStore) Subscribe(fn func(State)) (unsubscribe func()) {
	sub := &subscriber{fn: fn}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, candidate := range s.subscribers {
				if candidate == sub {
					s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *ConversationStore) stateLocked() State {
	return State{
		Conversations: s.conversations,
		Loading:       !s.loaded,
		Err:           s.err,
	}
}

// live applies a realtime event, buffering it until the first load
func (s *ConversationStore) live(m mutation) {
	s.mu.Lock()
	if !s.loaded {
		s.enqueueLocked(m)
		s.mu.Unlock()
		return
	}
	s.applyLocked(m)
	s.mu.Unlock()
	s.notify()
}

// local applies a local mutation at once. Before the first load there is
// nothing to mutate, so nothing is buffered.
func (s *ConversationStore) local(m mutation) {
	s.mu.Lock()
	s.applyLocked(m)
	s.mu.Unlock()
	s.notify()
}

func (s *ConversationStore) applyLocked(m mutation) {
	s.conversations = m(s.conversations)
	if s.loaded && s.issued != s.settled {
		s.enqueueLocked(m)
	}
	metrics.ConversationsLoaded.Set(float64(len(s.conversations)))
}

func (s *ConversationStore) enqueueLocked(m mutation) {
	if len(s.pending) >= s.opts.EventBufferSize {
		s.pending = s.pending[1:]
		metrics.BufferedEventsDroppedTotal.Inc()
		s.logger.WithField("buffer_size", s.opts.EventBufferSize).Warn("Event buffer full, dropping oldest event")
	}
	s.pending = append(s.pending, pendingMutation{stamp: s.issued, apply: m})
}

func (s *ConversationStore) notify() {
	s.mu.Lock()
	state := s.stateLocked()
	subs := s.subscribers
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(state)
	}
}

// merge overlays the raw event on the stored record with the same identity
func (s *ConversationStore) merge(list []models.Conversation, raw []byte) models.Conversation {
	incoming := normalize.Conversation(raw)
	i := indexOf(list, incoming.ID)
	if i < 0 {
		return incoming
	}

	var overlay map[string]interface{}
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return incoming
	}
	fields := toFields(list[i])
	for k, v := range overlay {
		if k == "id" || k == "conversation_id" {
			continue
		}
		fields[k] = v
	}
	merged := normalize.ConversationFields(fields)
	merged.ID = incoming.ID
	return merged
}

func toFields(c models.Conversation) Fields {
	raw, err := json.Marshal(c)
	if err != nil {
		return Fields{"id": c.ID}
	}
	fields := Fields{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Fields{"id": c.ID}
	}
	return fields
}

func indexOf(list []models.Conversation, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// upsertFront returns a new slice with c first and any previous record of
// the same identity removed
func upsertFront(list []models.Conversation, c models.Conversation) []models.Conversation {
	next := make([]models.Conversation, 0, len(list)+1)
	next = append(next, c)
	for i := range list {
		if list[i].ID != c.ID {
			next = append(next, list[i])
		}
	}
	return next
}

func replaceAt(list []models.Conversation, i int, c models.Conversation) []models.Conversation {
	next := make([]models.Conversation, len(list))
	copy(next, list)
	next[i] = c
	return next
}

func fieldNames(fields Fields) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
