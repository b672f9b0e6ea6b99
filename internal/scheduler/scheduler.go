// Package scheduler runs periodic maintenance jobs, such as the retention
// sweep of abandoned uploads, on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work of a scheduled job. ctx is cancelled on Stop.
type JobFunc func(ctx context.Context) error

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name      string
	Running   bool
	LastRun   time.Time
	NextRun   time.Time
	Schedule  string
	LastError string
}

type job struct {
	id       cron.EntryID
	schedule string
	fn       JobFunc
	running  bool
	lastRun  time.Time
	lastErr  error
}

// Scheduler manages named cron jobs. A job never overlaps with itself: a
// tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates an idle scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		logger: slog.Default(),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Add schedules fn under name, replacing any job of that name. expr is a
// five-field cron expression or a descriptor such as "@every 1h".
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.id)
		delete(s.jobs, name)
	}

	j := &job{schedule: expr, fn: fn}
	id, err := s.cron.AddFunc(expr, func() {
		if s.begin(name, j) {
			s.run(name, j)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	j.id = id
	s.jobs[name] = j
	s.logger.Info("scheduled job", "job", name, "schedule", expr, "next_run", s.cron.Entry(id).Next)
	return nil
}

// Remove unschedules the named job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.id)
		delete(s.jobs, name)
		s.logger.Info("removed job", "job", name)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.RLock()
	n := len(s.jobs)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop stops the schedule, cancels running jobs and returns a context that
// is done once they have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// begin marks j running. It returns false when the scheduler was stopped
// or j is already running.
func (s *Scheduler) begin(name string, j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || j.running {
		s.logger.Debug("skipping job tick", "job", name, "running", j.running)
		return false
	}
	j.running = true
	s.wg.Add(1)
	return true
}

func (s *Scheduler) run(name string, j *job) {
	defer s.wg.Done()
	start := time.Now()
	err := j.fn(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.running = false
	j.lastErr = err
	if err != nil {
		s.logger.Error("job failed", "job", name, "duration", time.Since(start), "error", err)
		return
	}
	j.lastRun = time.Now()
	s.logger.Debug("job completed", "job", name, "duration", time.Since(start))
}

// Trigger runs the named job now, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	stopped := s.stopped
	s.mu.RUnlock()

	switch {
	case stopped:
		return fmt.Errorf("scheduler is stopped")
	case !ok:
		return fmt.Errorf("job %s is not scheduled", name)
	}
	if !s.begin(name, j) {
		return fmt.Errorf("job %s already running", name)
	}
	go s.run(name, j)
	return nil
}

// Status returns the state of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		st := JobStatus{
			Name:     name,
			Running:  j.running,
			LastRun:  j.lastRun,
			NextRun:  s.cron.Entry(j.id).Next,
			Schedule: j.schedule,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// ValidateSchedule checks a schedule without adding anything.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}
