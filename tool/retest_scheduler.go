package tool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepEvent captures one scheduler-driven re-test sweep.
type SweepEvent struct {
	StartedAt time.Time
	Result    TestAllResult
	Error     error
}

// SweepEventHandler handles scheduler sweep events.
type SweepEventHandler func(event SweepEvent)

// RetestSchedulerConfig controls background re-test scheduling.
type RetestSchedulerConfig struct {
	Service *Service
	// Schedule is a cron expression (default: every fifteen minutes).
	Schedule string
	Now      func() time.Time
	Logger   *slog.Logger
	OnSweep  SweepEventHandler
}

// RetestScheduler periodically re-tests every stored tool on a cron schedule.
type RetestScheduler struct {
	service  *Service
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger
	onSweep  SweepEventHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetestScheduler creates a re-test scheduler.
func NewRetestScheduler(cfg RetestSchedulerConfig) (*RetestScheduler, error) {
	if cfg.Service == nil {
		return nil, errors.New("tool: retest scheduler service is nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetestSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnSweep == nil {
		cfg.OnSweep = func(SweepEvent) {}
	}

	return &RetestScheduler{
		service:  cfg.Service,
		schedule: schedule,
		now:      cfg.Now,
		logger:   cfg.Logger,
		onSweep:  cfg.OnSweep,
	}, nil
}

// Next returns the next sweep time after now.
func (s *RetestScheduler) Next() time.Time {
	return nextRunUTC(s.schedule, s.now())
}

// Start begins scheduler execution. Calling Start on a running scheduler
// is a no-op.
func (s *RetestScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("tool: retest scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			wait := s.Next().Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()

	s.logger.Info("retest scheduler started", "next_run", s.Next())
	return nil
}

// Stop terminates scheduler execution and waits for an in-progress sweep.
func (s *RetestScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep.
func (s *RetestScheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.service == nil {
		return errors.New("tool: retest scheduler service is nil")
	}

	started := s.now()
	result, err := s.service.TestAll(ctx)
	if err != nil {
		s.logger.Warn("retest sweep failed", "error", err)
	} else {
		s.logger.Debug("retest sweep finished",
			"tested", len(result.Results),
			"skipped", len(result.Skipped),
		)
	}
	s.onSweep(SweepEvent{StartedAt: started, Result: result, Error: err})
	return err
}
