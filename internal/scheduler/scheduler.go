// Package scheduler runs named jobs on a fixed interval. A job never overlaps
// with itself: a trigger that arrives while the previous run of the same job is
// still active is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Default schedule.
const (
	DefaultInterval        = 80 * time.Second
	DefaultLargeScaleDelay = 60 * time.Second
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrNotStarted = errors.New("scheduler: not started")
)

// Trigger sources, used in logs.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// Delay before the first scheduled run. Zero runs the job immediately.
	Delay time.Duration
	Run   func(ctx context.Context)
}

// Hooks are optional callbacks for scheduler events.
type Hooks struct {
	OnSkip func(job string)
}

type job struct {
	Job
	mu sync.Mutex
}

// Scheduler owns a set of jobs and their run loops.
type Scheduler struct {
	logger log.Logger
	hooks  Hooks

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
	wg   sync.WaitGroup
}

// New returns an empty Scheduler.
func New(logger log.Logger, hooks Hooks) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		logger: logger,
		hooks:  hooks,
		jobs:   map[string]*job{},
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(j Job) error {
	switch {
	case j.Name == "":
		return errors.New("scheduler: job name is required")
	case j.Interval <= 0:
		return fmt.Errorf("scheduler: job %q: interval must be positive", j.Name)
	case j.Delay < 0:
		return fmt.Errorf("scheduler: job %q: delay must not be negative", j.Name)
	case j.Run == nil:
		return fmt.Errorf("scheduler: job %q: run func is required", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return fmt.Errorf("scheduler: job %q: already started", j.Name)
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("scheduler: duplicate job %q", j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Start launches one loop per job. Loops stop when ctx is cancelled; use Wait
// to block until they and any in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
		s.logger.Info(ctx, "job scheduled", "job", j.Name, "interval", j.Interval.String(), "delay", j.Delay.String())
	}
}

// Wait blocks until every loop and run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// TryRun starts a manual run of the named job in the background. It reports
// false when the job is already running.
func (s *Scheduler) TryRun(name string) (bool, error) {
	s.mu.Lock()
	ctx := s.ctx
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if ctx == nil {
		return false, ErrNotStarted
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return s.fire(ctx, j, TriggerManual), nil
}

// Running reports whether the named job has a run in progress.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if j.mu.TryLock() {
		j.mu.Unlock()
		return false
	}
	return true
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	timer := time.NewTimer(j.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.fire(ctx, j, TriggerSchedule)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, j, TriggerSchedule)
		}
	}
}

// fire starts a run of j unless one is already in progress.
func (s *Scheduler) fire(ctx context.Context, j *job, trigger string) bool {
	if !j.mu.TryLock() {
		s.logger.Warn(ctx, "previous run still active, skipping trigger", "job", j.Name, "trigger", trigger)
		if s.hooks.OnSkip != nil {
			s.hooks.OnSkip(j.Name)
		}
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.mu.Unlock()
		j.Run(log.WithContext(ctx, s.logger.With("job", j.Name, "trigger", trigger)))
	}()
	return true
}
