// Package scheduler runs the status refresh job on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"concursohub/internal/engine"
)

// Actor recorded on events written by scheduled runs.
const Actor = "scheduler"

const defaultRunTimeout = 4 * time.Minute

// Refresher is the job being scheduled; engine.Engine satisfies it.
type Refresher interface {
	RefreshStatuses(ctx context.Context, actorID string) (engine.RefreshResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	job     Refresher
	logger  *zap.Logger
	timeout time.Duration
}

// New parses a standard five-field schedule (or a descriptor such as "@hourly")
// interpreted in loc. Overlapping ticks are skipped while a run is in progress.
func New(schedule string, loc *time.Location, job Refresher, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{l: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		job:     job,
		logger:  logger,
		timeout: defaultRunTimeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("refresh scheduler started", zap.Time("next", s.Next()))
}

// Stop halts new ticks and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled run, zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce executes the job immediately and logs the outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (engine.RefreshResult, error) {
	res, err := s.job.RefreshStatuses(ctx, Actor)
	switch {
	case errors.Is(err, engine.ErrJobRunning):
		s.logger.Info("refresh skipped", zap.Error(err))
	case err != nil:
		s.logger.Error("scheduled refresh failed", zap.Error(err))
	default:
		s.logger.Info("scheduled refresh done",
			zap.Int("scanned", res.Scanned),
			zap.Int("updated", res.Updated),
			zap.Int("failed", res.Failed),
		)
	}
	return res, err
}

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
