// Package scheduler triggers discover and refresh runs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/dispatcher"
)

// Runner executes a run synchronously.
type Runner interface {
	Run(ctx context.Context, mode crawler.BatchMode) (crawler.RunSummary, error)
}

// Config maps run modes to cron specs. An empty spec disables that mode.
type Config struct {
	Discover string
	Refresh  string
}

// Scheduler wraps robfig/cron.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the configured schedules. Overlapping ticks of the same job
// are skipped.
func New(runner Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner: runner,
		logger: logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for mode, spec := range map[crawler.BatchMode]string{
		crawler.ModeDiscover: cfg.Discover,
		crawler.ModeRefresh:  cfg.Refresh,
	} {
		if spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(spec, s.job(mode)); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", mode, spec, err)
		}
		logger.Info("run scheduled", zap.String("mode", string(mode)), zap.String("spec", spec))
	}
	return s, nil
}

// Jobs returns the number of registered schedules.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) job(mode crawler.BatchMode) func() {
	return func() {
		summary, err := s.runner.Run(s.ctx, mode)
		switch {
		case errors.Is(err, dispatcher.ErrRunInProgress):
			s.logger.Info("scheduled run skipped", zap.String("mode", string(mode)), zap.Error(err))
		case err != nil:
			s.logger.Error("scheduled run failed", zap.String("mode", string(mode)), zap.Error(err))
		default:
			s.logger.Info("scheduled run finished",
				zap.String("mode", string(mode)),
				zap.String("run_id", summary.ID),
				zap.Int("warnings", len(summary.Warnings)),
			)
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
