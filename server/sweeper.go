package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultSweepInterval is used by StartSweeper when interval is zero.
const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes expired codes and access tokens.
type Sweeper struct {
	scheduler gocron.Scheduler
	job       gocron.Job
}

// StartSweeper schedules SweepExpired every interval. A run that is still
// going when the next one is due is rescheduled rather than overlapped.
func (s *Server) StartSweeper(ctx context.Context, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	job, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.sweep, ctx),
		gocron.WithName("oauth-expired-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	scheduler.Start()
	s.Logger.Info("Started expired credential sweeper", "interval", interval)
	return &Sweeper{scheduler: scheduler, job: job}, nil
}

func (s *Server) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, _, err := s.SweepExpired(ctx); err != nil {
		s.Logger.Error("Expired credential sweep failed", "error", err)
	}
}

// LastRun reports when the sweep last started.
func (sw *Sweeper) LastRun() (time.Time, error) {
	return sw.job.LastRun()
}

// Stop shuts the scheduler down and waits for a running sweep to finish.
func (sw *Sweeper) Stop() error {
	if sw == nil {
		return nil
	}
	return sw.scheduler.Shutdown()
}
