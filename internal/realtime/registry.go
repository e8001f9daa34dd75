package realtime

import (
	"encoding/json"
	"sync"

	"inboxsync/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Listener receives the data payload of one frame
type Listener func(data json.RawMessage)

type registration struct {
	fn Listener
}

// Registry maps event types to ordered listener lists. One registry is
// shared by every consumer of a session's event channel.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string][]*registration
	logger    *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		listeners: make(map[string][]*registration),
		logger:    logger,
	}
}

// Register appends fn to the listeners of eventType. The returned function
// removes exactly this registration; calling it again does nothing.
func (r *Registry) Register(eventType string, fn Listener) (unregister func()) {
	reg := &registration{fn: fn}

	r.mu.Lock()
	r.listeners[eventType] = append(r.listeners[eventType], reg)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(eventType, reg)
		})
	}
}

func (r *Registry) remove(eventType string, reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.listeners[eventType]
	for i, candidate := range current {
		if candidate != reg {
			continue
		}
		// copy so snapshots taken by in-flight dispatches stay intact
		next := make([]*registration, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, eventType)
		} else {
			r.listeners[eventType] = next
		}
		return
	}
}

// Dispatch calls the listeners registered for eventType at the time of the
// call, in registration order, and returns how many were called. A panic in
// one listener is logged and does not stop the others.
func (r *Registry) Dispatch(eventType string, data json.RawMessage) int {
	r.mu.RLock()
	snapshot := r.listeners[eventType]
	r.mu.RUnlock()

	for _, reg := range snapshot {
		r.invoke(eventType, reg.fn, data)
	}
	return len(snapshot)
}

func (r *Registry) invoke(eventType string, fn Listener, data json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ListenerPanicsTotal.WithLabelValues(eventType).Inc()
			r.logger.WithFields(logrus.Fields{
				"event_type": eventType,
				"panic":      p,
			}).Error("Listener panicked while handling event")
		}
	}()
	fn(data)
}

// Count returns the number of listeners registered for eventType
func (r *Registry) Count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[eventType])
}
