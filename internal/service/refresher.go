package service

import (
	"context"
	"time"

	"inboxsync/internal/constants"

	"github.com/sirupsen/logrus"
)

// RefreshTask is one periodic re-fetch
type RefreshTask struct {
	Name string
	Run  func(ctx context.Context) error
}

// Refresher re-fetches server state on an interval so drift from missed
// realtime events is bounded.
type Refresher struct {
	tasks    []RefreshTask
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewRefresher(interval time.Duration, logger *logrus.Logger, tasks ...RefreshTask) *Refresher {
	if interval <= 0 {
		interval = constants.DefaultRefreshIntervalSec * time.Second
	}
	return &Refresher{
		tasks:    tasks,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called. The first refresh runs
// after one interval; initial loads belong to the caller.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.interval).Info("Starting periodic refresh")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Refresher context cancelled, stopping")
			return
		case <-r.stopCh:
			r.logger.Info("Refresher stop signal received, stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

func (r *Refresher) Stop() {
	close(r.stopCh)
}

// RunOnce runs every task once; a failing task does not stop the others
func (r *Refresher) RunOnce(ctx context.Context) {
	for _, task := range r.tasks {
		if err := task.Run(ctx); err != nil {
			r.logger.WithError(err).WithField("task", task.Name).Warn("Periodic refresh failed")
			continue
		}
		r.logger.WithField("task", task.Name).Debug("Periodic refresh completed")
	}
}
