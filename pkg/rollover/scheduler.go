package rollover

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Runner performs one rollover pass
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler triggers a Runner on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses schedule (standard five-field cron or a descriptor
// such as "@hourly") and prepares a scheduler. Each tick is bounded by timeout.
// A slow tick does not hold back the next one; overlapping runs converge
// through the roller's per-period guards.
func NewScheduler(runner Runner, schedule string, timeout time.Duration, logger *observability.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid rollover schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing on schedule
func (s *Scheduler) Start() {
	s.logger.Info("Rollover scheduler started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running tick to finish. If ctx
// expires first the running tick is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	defer s.cancel()

	select {
	case <-stopped.Done():
		s.logger.Info("Rollover scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-stopped.Done()
		return fmt.Errorf("rollover scheduler stop: %w", ctx.Err())
	}
}

// RunOnce performs a single bounded run outside the schedule
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.runner.Run(ctx)
}

func (s *Scheduler) tick() {
	summary, err := s.RunOnce(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled rollover run failed")
		return
	}
	if summary.Failed > 0 {
		s.logger.WithField("failed", summary.Failed).Warn("Scheduled rollover run finished with failures")
	}
}

// cronLogger adapts Logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
