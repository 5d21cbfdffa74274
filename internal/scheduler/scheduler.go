// Package scheduler runs periodic maintenance jobs on cron schedules:
// embedding cache purges, backfill of chunks that are missing embeddings,
// and storage vacuuming.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bidflow/bidflow/pkg/schema"
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error

	next       time.Time
	lastRun    *time.Time
	lastStatus string
}

// JobStatus is a read-only snapshot of one registered job.
type JobStatus struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
}

// Scheduler drives registered jobs from a single polling loop.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	jobs   []*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// New creates an empty scheduler. Jobs must be registered before Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		inflight: make(map[string]struct{}),
	}
}

// Register adds a job. The first run is the next cron occurrence after now.
func (s *Scheduler) Register(name, cronExpr string, run func(ctx context.Context) error) error {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Name == name {
			return schema.NewErrorf(schema.ErrCodeConflict, "job %q already registered", name)
		}
	}
	s.jobs = append(s.jobs, &Job{Name: name, Cron: cronExpr, Run: run, next: next})
	return nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next occurrence has passed.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	due := make([]*Job, 0, len(s.jobs))
	now := time.Now().UTC()
	for _, job := range s.jobs {
		if !job.next.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.Name) {
			continue // previous invocation still running
		}
		s.runJob(ctx, job, now)
		s.release(job.Name)
	}
}

// runJob executes one job and advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.InfoContext(ctx, "running maintenance job", "job", job.Name)

	status := "success"
	if err := job.Run(ctx); err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "maintenance job failed",
			"job", job.Name, "error", err.Error())
	}

	next, err := s.CalculateNextRun(job.Cron, now)
	if err != nil {
		// The expression was valid at Register; this should not happen.
		next = now.Add(s.interval)
	}

	s.mu.Lock()
	ranAt := now
	job.lastRun = &ranAt
	job.lastStatus = status
	job.next = next
	s.mu.Unlock()
}

// Trigger runs a registered job immediately, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for _, j := range s.jobs {
		if j.Name == name {
			job = j
			break
		}
	}
	s.mu.Unlock()

	if job == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no job registered as %q", name)
	}
	if !s.tryAcquire(job.Name) {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", name)
	}
	defer s.release(job.Name)

	s.runJob(ctx, job, time.Now().UTC())
	return nil
}

// Jobs returns a snapshot of every registered job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, JobStatus{
			Name:       job.Name,
			Cron:       job.Cron,
			NextRunAt:  job.next,
			LastRunAt:  job.lastRun,
			LastStatus: job.lastStatus,
		})
	}
	return out
}

// tryAcquire marks a job in-flight unless it already is.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next occurrence of a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %v", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the polling loop and waits for it to exit. The lock is
// not held while waiting; a job that is mid-run still needs it to record
// its outcome.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
