// Package scheduler provides durable execution of named recurring tasks.
// One dispatcher loop ticks on a fixed period and fans due tasks out to
// parallel executors; every state transition is persisted before the next
// step runs, so a restart reloads a consistent picture and resumes.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"vigil/internal/apm"
	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
)

// abandonGrace is how long past its timeout a handler may keep running
// before the watchdog gives up waiting and records the run as failed.
const abandonGrace = 5 * time.Second

// Config tunes the dispatcher. Zero values select the documented defaults.
type Config struct {
	MaxConcurrent  int           // default 8
	Tick           time.Duration // default 15s, capped at 30s
	DefaultTimeout time.Duration // default 5m, for tasks without their own
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	if c.Tick > 30*time.Second {
		c.Tick = 30 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithMonitor wires handler runs through the apm operation wrapper.
func WithMonitor(m *apm.Monitor) Option {
	return func(s *Scheduler) { s.monitor = m }
}

// WithClock swaps the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithDisabledHook registers a callback fired when a task is auto-disabled
// after reaching its failure cap. The supervisor bridges it to a DR event.
func WithDisabledHook(fn func(task model.ScheduledTask, lastErr error)) Option {
	return func(s *Scheduler) { s.disabledHook = fn }
}

// execution is one in-flight run of a task.
type execution struct {
	runID     string
	taskID    string
	startedAt time.Time
	timeout   time.Duration
	cancel    context.CancelFunc
	abandoned bool
}

// Scheduler owns the dispatcher loop and the in-flight executions. At most
// one execution per task id is tracked at any instant.
type Scheduler struct {
	cfg      Config
	logger   *logging.Logger
	store    store.Store
	registry *Registry
	monitor  *apm.Monitor

	now          func() time.Time
	disabledHook func(model.ScheduledTask, error)

	mu      sync.Mutex
	tasks   map[string]*model.ScheduledTask
	running map[string]*execution

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopping  bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a scheduler over the given store and handler registry.
func New(cfg Config, st store.Store, registry *Registry, logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger).Component("scheduler"),
		store:    st,
		registry: registry,
		now:      time.Now,
		tasks:    make(map[string]*model.ScheduledTask),
		running:  make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start recovers persisted tasks and launches the dispatcher. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		if err = s.recover(runCtx); err != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.logger.Recover("scheduler-dispatcher")
			s.loop(runCtx)
		}()
		s.logger.Info("scheduler started",
			"tasks", len(s.tasks), "tick", s.cfg.Tick, "max_concurrent", s.cfg.MaxConcurrent)
	})
	return err
}

// Stop cancels the dispatcher and in-flight executors, waiting up to ctx
// for them to surrender. Idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		for _, exec := range s.running {
			if exec.cancel != nil {
				exec.cancel()
			}
		}
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("scheduler stopped")
		case <-ctx.Done():
			err = errors.Timeout("scheduler stop: executors still running")
		}
	})
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
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

// tick runs one dispatch pass: reap handlers stuck past their timeout,
// then start every due task while capacity remains.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.reapTimeouts(now)

	for _, task := range s.dueTasks(now) {
		ok, full := s.reserve(task.ID)
		if full {
			break // excess dues re-evaluated next tick
		}
		if !ok {
			continue
		}
		s.dispatch(ctx, task.ID)
	}
}

// dueTasks snapshots the tasks eligible to run, highest priority first,
// earliest next_run breaking ties.
func (s *Scheduler) dueTasks(now time.Time) []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.ScheduledTask
	for id, task := range s.tasks {
		if _, inFlight := s.running[id]; inFlight {
			continue
		}
		if task.Due(now) {
			due = append(due, *task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		ni, nj := due[i].NextRun, due[j].NextRun
		switch {
		case ni == nil:
			return true
		case nj == nil:
			return false
		default:
			return ni.Before(*nj)
		}
	})
	return due
}

// reserve claims the task's execution slot, upholding both the
// one-in-flight-per-task invariant and the global concurrency cap.
func (s *Scheduler) reserve(taskID string) (ok, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false, true
	}
	if len(s.running) >= s.cfg.MaxConcurrent {
		return false, true
	}
	if _, inFlight := s.running[taskID]; inFlight {
		return false, false
	}
	s.running[taskID] = &execution{taskID: taskID}
	return true, false
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, taskID)
}

// reapTimeouts cancels executions past their timeout and, once the grace
// period is also gone, abandons them: the run is recorded failed and the
// zombie goroutine's eventual outcome is discarded.
func (s *Scheduler) reapTimeouts(now time.Time) {
	s.mu.Lock()
	var cancels []*execution
	var abandons []*execution
	for _, exec := range s.running {
		if exec.cancel == nil || exec.startedAt.IsZero() {
			continue // still being set up
		}
		over := now.Sub(exec.startedAt)
		switch {
		case over > exec.timeout+abandonGrace && !exec.abandoned:
			exec.abandoned = true
			abandons = append(abandons, exec)
		case over > exec.timeout:
			cancels = append(cancels, exec)
		}
	}
	s.mu.Unlock()

	for _, exec := range cancels {
		exec.cancel()
	}
	for _, exec := range abandons {
		exec.cancel()
		s.logger.Error("handler abandoned past timeout",
			"task_id", exec.taskID, "run_id", exec.runID, "timeout", exec.timeout)
		s.finish(context.Background(), exec,
			errors.Timeout("handler exceeded timeout %s and ignored cancellation", exec.timeout), nil)
	}
}

// Health reports dispatcher state for the ops surface.
type Health struct {
	Tasks    int `json:"tasks"`
	Enabled  int `json:"enabled"`
	Running  int `json:"running"`
	Disabled int `json:"disabled"`
}

// Health snapshots the scheduler's task counts.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{Tasks: len(s.tasks), Running: len(s.running)}
	for _, task := range s.tasks {
		if task.Enabled {
			h.Enabled++
		} else {
			h.Disabled++
		}
	}
	return h
}
