package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Poller queues incremental syncs for polling connections.
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// PollScheduler triggers a polling cycle on a fixed interval.
type PollScheduler struct {
	poller       Poller
	interval     time.Duration
	runOnStartup bool
}

func NewPollScheduler(poller Poller, interval time.Duration, runOnStartup bool) *PollScheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &PollScheduler{poller: poller, interval: interval, runOnStartup: runOnStartup}
}

// Run blocks until ctx is cancelled. A failed cycle is logged and the next
// tick tries again.
func (s *PollScheduler) Run(ctx context.Context) error {
	log.WithField("interval", s.interval).Info("Poll scheduler started")

	if s.runOnStartup {
		s.cycle(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Poll scheduler stopped")
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *PollScheduler) cycle(ctx context.Context) {
	queued, err := s.poller.Poll(ctx)
	if err != nil {
		log.WithError(err).Error("Polling cycle failed")
		return
	}
	log.WithField("queued", queued).Debug("Polling cycle complete")
}
