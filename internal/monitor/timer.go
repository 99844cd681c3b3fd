package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/carewatch/internal/metrics"
)

// Timer periodically re-profiles every patient so risk levels decay once
// risky activity leaves the profiling window.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTimer creates a re-profiling timer. A non-positive interval disables it.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the re-profiling loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	if t.interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.reprofile(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) reprofile(ctx context.Context) {
	count, err := t.service.ReprofileAll(ctx)
	if err != nil {
		metrics.ReprofileRunsTotal.WithLabelValues("error").Inc()
		t.logger.Warn("periodic re-profiling failed", "error", err, "profiled", count)
		return
	}
	metrics.ReprofileRunsTotal.WithLabelValues("ok").Inc()
	t.logger.Info("periodic re-profiling done", "profiled", count)
}
