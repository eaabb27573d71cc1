package flush

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Runner is satisfied by *Job.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler invokes a Runner on a fixed interval until its context ends.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      zerolog.Logger
}

func NewScheduler(r Runner, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{runner: r, interval: interval, log: log.With().Str("component", "flush-scheduler").Logger()}
}

// Start blocks, running one flush per tick. A tick that fires while a run is
// still going is dropped by the ticker.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("flush scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("flush scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.runner.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrLockHeld), errors.Is(err, ErrRunInProgress):
		s.log.Debug().Err(err).Msg("flush skipped")
	case errors.Is(err, context.Canceled):
	default:
		s.log.Error().Err(err).Msg("flush run failed")
	}
}
