// Package cron runs the relay's periodic maintenance: purging expired replay
// markers and rate windows, and applying retention to queued events, dead
// letters and audit rows.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named maintenance task. Run returns how many rows it removed.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler runs Jobs on their cron specs until stopped.
type Scheduler struct {
	cron   *cronlib.Cron
	jobs   []Job
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates every job spec and registers the jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
		jobs:   cfg.Jobs,
		logger: logger.With("component", "maintenance"),
		ctx:    context.Background(),
	}
	for _, job := range cfg.Jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.run(s.jobContext(), job) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
		}
	}
	return s, nil
}

// Start begins running jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop cancels job contexts and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// RunNow runs every job once, synchronously.
func (s *Scheduler) RunNow(ctx context.Context) {
	for _, job := range s.jobs {
		s.run(ctx, job)
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("maintenance job purged rows", "job", job.Name, "purged", n, "elapsed", time.Since(start))
		return
	}
	s.logger.Debug("maintenance job ran", "job", job.Name)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
