// Package scheduler runs the periodic watch renewal sweep.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/watch"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = 6 * time.Hour

// Sweeper renews subscriptions close to expiry.
type Sweeper interface {
	Sweep(ctx context.Context, buffer time.Duration) (watch.SweepReport, error)
}

// Scheduler runs Sweep once at start and then on every tick.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	buffer   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. Non-positive durations use DefaultInterval and
// watch.DefaultRenewBuffer.
func New(sweeper Sweeper, interval, buffer time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if buffer <= 0 {
		buffer = watch.DefaultRenewBuffer
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		buffer:   buffer,
		logger:   logging.WithComponent(logger, "scheduler"),
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval), slog.Duration("buffer", s.buffer))
}

// Stop cancels the loop and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	start := time.Now()
	report, err := s.sweeper.Sweep(ctx, s.buffer)
	if err != nil {
		s.logger.Error("watch sweep failed", logging.Err(err))
		return
	}
	s.logger.Debug("watch sweep done",
		slog.Int("checked", report.Checked),
		slog.Int("renewed", report.Renewed),
		slog.Int("failed", report.Failed),
		logging.Duration(time.Since(start)))
}
