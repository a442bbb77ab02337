// Package scheduler runs ScriptPipe's periodic maintenance jobs.
//
// Jobs are registered with cron expressions and receive the scheduler's
// context, which is cancelled by Stop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs dedup pruning at the top of every hour.
const DefaultPruneSchedule = "0 * * * *"

// Pruner deletes processed dedup records older than a cutoff.
type Pruner interface {
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler; call Start to begin running jobs.
func NewScheduler() *Scheduler {
	// 5-field expressions (min, hour, dom, month, dow) plus @hourly style descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler.job: failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler.job: completed", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "schedule", expr)
	return nil
}

// AddPruneJob deletes processed dedup records older than retention on expr.
func (s *Scheduler) AddPruneJob(expr string, p Pruner, retention time.Duration) error {
	return s.AddJob("prune-dedup", expr, PruneTask(p, retention))
}

// PruneTask returns a job that removes processed dedup records older than retention.
func PruneTask(p Pruner, retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := p.PruneProcessed(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("Scheduler.prune: removed processed dedup records", "count", n, "retention", retention)
		}
		return nil
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
