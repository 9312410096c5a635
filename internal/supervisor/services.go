package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/thejerf/suture/v4"

	"github.com/cbmmg/painel-centrais/internal/syncer"
)

// Scheduler is the blocking loop of the sync scheduler.
type Scheduler interface {
	Start(ctx context.Context) error
	String() string
}

// SchedulerService adapts the sync scheduler to suture. A schedule that does
// not parse is permanent, so it is not restarted.
type SchedulerService struct {
	scheduler Scheduler
}

func NewSchedulerService(s Scheduler) *SchedulerService {
	return &SchedulerService{scheduler: s}
}

func (s *SchedulerService) Serve(ctx context.Context) error {
	err := s.scheduler.Start(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, syncer.ErrInvalidSchedule) {
		return fmt.Errorf("%w: %v", suture.ErrDoNotRestart, err)
	}
	if err == nil {
		err = errors.New("scheduler stopped unexpectedly")
	}
	return err
}

func (s *SchedulerService) String() string {
	return s.scheduler.String()
}
