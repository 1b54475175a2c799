package sync

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers a full orchestrator pass on a fixed interval. A slow pass
// is never doubled: if the previous cycle is still running the tick is
// skipped. Manual triggers through the API may still run concurrently; the
// store's idempotent upserts make that safe.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	log          *zap.Logger

	mu       stdsync.Mutex
	syncing  stdsync.Mutex
	running  bool
	stopChan chan struct{}
}

func NewScheduler(orchestrator *Orchestrator, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		interval:     interval,
		log:          log.Named("scheduler"),
	}
}

// Start begins the periodic sync loop. A stopped scheduler can be started
// again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	// Fresh channel per run; Stop closed the previous one.
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	s.log.Info("starting", zap.Duration("interval", s.interval))

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-stop:
				s.log.Info("stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop. In-flight passes finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if !s.syncing.TryLock() {
		s.log.Info("previous pass still running, skipping cycle")
		return
	}
	defer s.syncing.Unlock()

	report, err := s.orchestrator.Run(ctx, TriggerRequest{})
	if err != nil {
		s.log.Error("scheduled pass failed", zap.Error(err))
		return
	}
	if report.NewCount > 0 || report.ErrorCount > 0 {
		s.log.Info("scheduled pass completed",
			zap.Int("connections", len(report.Connections)),
			zap.Int("new", report.NewCount),
			zap.Int("duplicates", report.DuplicateCount),
			zap.Int("errors", report.ErrorCount))
	}
}
