package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Runner is anything that performs one sweep.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs a Runner on a cron schedule. An overrunning sweep causes
// the next tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debugw("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Errorw("cron: "+msg, append(kv, "error", err)...)
}

// NewScheduler parses spec (standard five-field cron or a descriptor such as
// "@every 15m") and registers r. timeout bounds each run; zero means none.
func NewScheduler(spec string, r Runner, timeout time.Duration) (*Scheduler, error) {
	logger := cronLogger{l: zap.L().Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{cron: c, runner: r, timeout: timeout}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, eris.Wrapf(err, "sweep: invalid schedule %q", spec)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.runner.Run(ctx); err != nil {
		zap.L().Error("sweep: scheduled run failed", zap.Error(err))
	}
}

// Start begins running on schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	zap.L().Info("sweep: scheduler started")
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		zap.L().Warn("sweep: scheduler stop timed out")
	}
}

// Next returns the next scheduled run time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
