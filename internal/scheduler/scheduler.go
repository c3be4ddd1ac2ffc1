package scheduler

import (
	"context"
	"log/slog"
	"time"

	"mgmtsystem/internal/engine"
)

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	ProcessReminderQueue(ctx context.Context, days int) (engine.ReminderResult, error)
	FlushMail(ctx context.Context) (sent, failed int, err error)
}

// Scheduler runs the deadline reminder sweep on a fixed interval and flushes
// the mail queue more often.
type Scheduler struct {
	Sweeper       Sweeper
	Interval      time.Duration
	FlushInterval time.Duration
	Lookahead     int
	Logger        *slog.Logger
}

func New(s Sweeper, interval time.Duration, lookahead int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Sweeper:       s,
		Interval:      interval,
		FlushInterval: time.Minute,
		Lookahead:     lookahead,
		Logger:        logger.With("component", "scheduler"),
	}
}

// Run sweeps once immediately, then on every tick, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	flushEvery := s.FlushInterval
	if flushEvery <= 0 {
		flushEvery = time.Minute
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			s.sweep(ctx)
		case <-flush.C:
			s.flush(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.Sweeper.ProcessReminderQueue(ctx, s.Lookahead); err != nil && ctx.Err() == nil {
		s.Logger.ErrorContext(ctx, "reminder sweep failed", "error", err)
	}
	s.flush(ctx)
}

func (s *Scheduler) flush(ctx context.Context) {
	sent, failed, err := s.Sweeper.FlushMail(ctx)
	if err != nil && ctx.Err() == nil {
		s.Logger.ErrorContext(ctx, "mail flush failed", "error", err)
		return
	}
	if sent+failed > 0 {
		s.Logger.InfoContext(ctx, "mail queue flushed", "sent", sent, "failed", failed)
	}
}
