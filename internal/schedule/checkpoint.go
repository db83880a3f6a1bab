// Package schedule runs the background checkpoint timer.
//
// A node can trigger a checkpoint two ways: by operation count (see
// engine.Config.CheckpointOps, checked inline on every mutation) or by
// wall-clock interval, which needs something outside the engine to tick
// it. This package is that something.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/chenfan33/cloud-project/internal/logging"
)

// Checkpointer is the subset of engine.Engine the scheduler depends on.
type Checkpointer interface {
	Checkpoint() error
}

// CheckpointScheduler fires a checkpoint on a fixed interval until stopped.
type CheckpointScheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewCheckpointScheduler builds a scheduler that checkpoints eng every
// interval. It does not start ticking until Start is called. interval
// must be positive; callers should skip construction entirely when
// interval-based checkpointing is disabled.
func NewCheckpointScheduler(eng Checkpointer, interval time.Duration, logger *slog.Logger) (*CheckpointScheduler, error) {
	logger = logging.Default(logger).With("component", "schedule")
	if interval <= 0 {
		return nil, fmt.Errorf("schedule: checkpoint interval must be positive, got %s", interval)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("schedule: create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := eng.Checkpoint(); err != nil {
				logger.Warn("scheduled checkpoint failed", "error", err)
				return
			}
			logger.Debug("scheduled checkpoint completed")
		}),
		gocron.WithName("checkpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: register checkpoint job: %w", err)
	}

	return &CheckpointScheduler{scheduler: s, logger: logger}, nil
}

// Start begins ticking. Safe to call once.
func (c *CheckpointScheduler) Start() {
	c.scheduler.Start()
	c.logger.Info("checkpoint scheduler started")
}

// Stop halts ticking and waits for any in-flight checkpoint to finish.
func (c *CheckpointScheduler) Stop() error {
	if err := c.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("schedule: shutdown: %w", err)
	}
	return nil
}
