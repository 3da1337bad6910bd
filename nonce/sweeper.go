package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

var newScheduler = func() (gocron.Scheduler, error) { return gocron.NewScheduler() }

// Sweeper periodically deletes expired nonces.
type Sweeper struct {
	scheduler gocron.Scheduler
	ledger    *Ledger
	logger    *slog.Logger
}

// StartSweeper schedules a sweep every interval. interval must exceed the
// nonce TTL so a sweep cannot race a legitimate consume.
func StartSweeper(ledger *Ledger, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if interval <= ledger.TTL() {
		return nil, fmt.Errorf("sweep interval %s must exceed nonce TTL %s", interval, ledger.TTL())
	}

	s, err := newScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	sweeper := &Sweeper{scheduler: s, ledger: ledger, logger: logger}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sweeper.run),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to schedule nonce sweep: %w", err)
	}

	s.Start()
	logger.Info("nonce sweeper started", "interval", interval.String())
	return sweeper, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.ledger.Sweep(ctx)
	if err != nil {
		s.logger.Error("nonce sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("nonce sweep completed", "removed", removed)
	}
}

func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
