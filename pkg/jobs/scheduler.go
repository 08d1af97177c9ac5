package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs periodic tasks on cron expressions with seconds precision.
// A run that is still in progress when the next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

// NewScheduler constructs a scheduler evaluating expressions in loc.
func NewScheduler(loc *time.Location, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger.Sugar()}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, logger: logger, timeout: timeout}
}

// Register adds a named task. Each run receives a context bounded by the
// scheduler timeout.
func (s *Scheduler) Register(name, spec string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		start := time.Now()
		s.logger.Sugar().Infow("scheduled task started", "task", name)
		if err := task(ctx); err != nil {
			s.logger.Sugar().Errorw("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Sugar().Infow("scheduled task finished", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", name, spec, err)
	}
	return nil
}

// Start launches the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
