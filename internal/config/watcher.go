package config

import (
	"context"
	"os"
	"sync"
	"time"

	"inboxsync/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// Watcher polls the config file and hands reloaded configuration to the
// registered callbacks. Only settings that are safe to change at runtime
// (currently log_level) are acted on by the process.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *logrus.Logger

	mu        sync.RWMutex
	config    *models.Config
	callbacks []func(*models.Config)
}

func NewWatcher(path string, initial *models.Config, interval time.Duration, logger *logrus.Logger) *Watcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger,
		config:   initial,
	}
}

// Start blocks until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	stat, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	w.logger.WithField("path", w.path).Info("Configuration watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				w.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}
			if stat.ModTime().After(lastModTime) {
				lastModTime = stat.ModTime()
				w.reload()
			}
		}
	}
}

func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback; callbacks run synchronously in registration
// order and a panicking callback does not affect the others.
func (w *Watcher) OnChange(callback func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}

	w.mu.Lock()
	previous := w.config
	w.config = next
	callbacks := make([]func(*models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded")
	w.logChanges(previous, next)

	for _, cb := range callbacks {
		w.safeCall(cb, next)
	}
}

func (w *Watcher) safeCall(cb func(*models.Config), cfg *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(cfg)
}

// logChanges reports settings that only take effect after a restart
func (w *Watcher) logChanges(old, next *models.Config) {
	if old == nil {
		return
	}
	if old.LogLevel != next.LogLevel {
		w.logger.WithFields(logrus.Fields{"old": old.LogLevel, "new": next.LogLevel}).Info("Log level changed")
	}
	if old.Backend != next.Backend || old.Realtime != next.Realtime || old.State.Path != next.State.Path {
		w.logger.Warn("Backend, realtime or state settings changed; restart to apply")
	}
}
