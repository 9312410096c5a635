package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/logging"
)

// ErrInvalidSchedule is returned by Start when the schedule does not parse.
var ErrInvalidSchedule = errors.New("invalid sync schedule")

// Start runs the initial load and then an incremental sync on every tick of
// the configured schedule until ctx is cancelled. Failed runs are logged and
// never stop the loop.
func (s *Syncer) Start(ctx context.Context) error {
	sched, err := config.ScheduleParser().Parse(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, s.config.Schedule, err)
	}

	if err := s.EnsureInitialLoad(ctx); err != nil {
		s.logger.Warn("initial load failed, retrying on next tick", "error", err)
	}

	for {
		now := time.Now()
		next := sched.Next(now)
		s.logger.Debug("next sync scheduled", "at", next.Format(time.DateTime), "in", next.Sub(now).Round(time.Second))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.tick(ctx)
	}
}

func (s *Syncer) tick(ctx context.Context) {
	if !s.InitialLoadComplete() {
		if err := s.EnsureInitialLoad(ctx); err != nil {
			s.logger.Warn("initial load failed", "error", err)
		}
		return
	}

	stats, err := s.RunIncremental(ctx)
	if err != nil {
		return
	}
	logging.LogSyncStats(s.logger, stats)
}

// String identifies the scheduler in supervisor events.
func (s *Syncer) String() string {
	return "sync-scheduler"
}
