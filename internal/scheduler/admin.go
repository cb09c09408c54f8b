package scheduler

import (
	"context"
	"sort"
	"time"

	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/store"
)

// Register persists a new scheduled task and admits it to the dispatcher.
// Tasks register enabled and due immediately unless NextRun says otherwise.
func (s *Scheduler) Register(ctx context.Context, task model.ScheduledTask) (string, error) {
	if task.Name == "" {
		return "", errors.Validation("scheduled task needs a name")
	}
	if task.Kind == "" {
		return "", errors.Validation("scheduled task %q needs a kind", task.Name)
	}
	if task.Interval <= 0 {
		return "", errors.Validation("scheduled task %q needs a positive interval", task.Name)
	}

	if task.ID == "" {
		task.ID = model.NewID("sched")
	}
	if task.MaxFailures <= 0 {
		task.MaxFailures = 3
	}
	if task.RetryDelayBase <= 0 {
		task.RetryDelayBase = time.Minute
	}
	now := s.now()
	task.Status = model.TaskStatusScheduled
	task.Enabled = true
	task.FailureCount = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return "", errors.Conflict("scheduled task %s already registered", task.ID)
	}
	s.mu.Unlock()

	if err := s.persist(ctx, task); err != nil {
		return "", err
	}

	s.mu.Lock()
	t := task
	s.tasks[task.ID] = &t
	s.mu.Unlock()

	s.logger.Info("task registered", "task_id", task.ID, "task", taskDescription(task))
	return task.ID, nil
}

// Cancel terminates a task permanently and aborts any in-flight run.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("scheduled task %s not found", taskID)
	}
	if task.Status == model.TaskStatusCancelled {
		s.mu.Unlock()
		return nil
	}
	task.Status = model.TaskStatusCancelled
	task.Enabled = false
	task.UpdatedAt = s.now()
	snapshot := *task
	exec := s.running[taskID]
	s.mu.Unlock()

	if exec != nil && exec.cancel != nil {
		exec.cancel()
	}
	return s.persist(ctx, snapshot)
}

// SetEnabled flips a task's enabled flag. Re-enabling clears the failure
// count so the retry ladder starts over.
func (s *Scheduler) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("scheduled task %s not found", taskID)
	}
	if task.Status == model.TaskStatusCancelled {
		s.mu.Unlock()
		return errors.Conflict("scheduled task %s is cancelled", taskID)
	}
	task.Enabled = enabled
	if enabled {
		task.FailureCount = 0
		if task.Status == model.TaskStatusFailed {
			task.Status = model.TaskStatusScheduled
		}
	}
	task.UpdatedAt = s.now()
	snapshot := *task
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// Get returns one task by id.
func (s *Scheduler) Get(taskID string) (model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return model.ScheduledTask{}, errors.NotFound("scheduled task %s not found", taskID)
	}
	return *task, nil
}

// List returns all tasks sorted by name.
func (s *Scheduler) List() []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runs returns a task's run records, most recent first. Limit <= 0
// returns everything persisted.
func (s *Scheduler) Runs(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	runs, err := store.QueryTyped[model.TaskExecution](ctx, s.store, store.KindTaskExecution, store.IdxTaskID, taskID)
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
