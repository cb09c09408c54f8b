package scheduler

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/apm"
	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/store"
)

// dispatch transitions a reserved task to running, persists the claim,
// and spawns its executor. The persist happens before the handler runs:
// a crash between the two is recovered as a failed run at next boot.
func (s *Scheduler) dispatch(ctx context.Context, taskID string) {
	now := s.now()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		s.release(taskID)
		return
	}
	task.Status = model.TaskStatusRunning
	task.LastRun = &now
	next := now.Add(task.Interval)
	task.NextRun = &next
	task.UpdatedAt = now
	snapshot := *task

	exec := s.running[taskID]
	exec.runID = model.NewID("run")
	exec.startedAt = now
	exec.timeout = task.Timeout
	if exec.timeout <= 0 {
		exec.timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, exec.timeout)
	exec.cancel = cancel
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		s.logger.Error("dispatch persist failed", "task_id", taskID, "error", err)
		s.release(taskID)
		cancel()
		return
	}

	s.wg.Add(1)
	s.logger.Go("scheduler-exec-"+taskID, func() {
		defer s.wg.Done()
		defer cancel()
		result, err := s.execute(runCtx, snapshot)
		s.finish(ctx, exec, err, result)
	})
}

// execute resolves the handler and runs it under the apm wrapper.
func (s *Scheduler) execute(ctx context.Context, task model.ScheduledTask) (map[string]any, error) {
	handler, ok := s.registry.Handler(task.Kind)
	if !ok {
		return nil, errors.Validation("no_handler: task kind %q has no registered handler", task.Kind)
	}

	var result map[string]any
	fn := func(ctx context.Context) error {
		var err error
		result, err = handler(ctx, task)
		return err
	}

	var err error
	if s.monitor != nil {
		err = s.monitor.Track(ctx, "scheduler", string(task.Kind), fn)
	} else {
		err = fn(ctx)
	}
	return result, err
}

// finish applies one run's outcome. A run whose execution entry was
// already abandoned by the watchdog is discarded; otherwise the task row
// and an immutable run record are persisted before the slot frees up.
func (s *Scheduler) finish(ctx context.Context, exec *execution, runErr error, result map[string]any) {
	now := s.now()

	s.mu.Lock()
	current, tracked := s.running[exec.taskID]
	if !tracked || current != exec {
		s.mu.Unlock()
		s.logger.Warn("discarding outcome of abandoned run",
			"task_id", exec.taskID, "run_id", exec.runID)
		return
	}
	delete(s.running, exec.taskID)

	task, ok := s.tasks[exec.taskID]
	if !ok {
		s.mu.Unlock()
		return
	}

	run := model.TaskExecution{
		ID:        exec.runID,
		TaskID:    exec.taskID,
		StartedAt: exec.startedAt,
		EndedAt:   &now,
		Duration:  now.Sub(exec.startedAt),
		Result:    result,
	}

	var disabled bool
	var disabledSnapshot model.ScheduledTask
	switch {
	case runErr == nil:
		task.Status = model.TaskStatusCompleted
		task.FailureCount = 0
		run.Status = model.TaskStatusCompleted

	case errors.IsCancelled(runErr) || (s.stopping && errors.IsTimeout(runErr)):
		// Shutdown interrupted the run; the task stays eligible and the
		// next process picks it up on schedule. An admin cancel already
		// moved the row to its terminal status and keeps it.
		if task.Status == model.TaskStatusRunning {
			task.Status = model.TaskStatusScheduled
		}
		run.Status = model.TaskStatusCancelled
		run.Error = runErr.Error()

	default:
		task.Status = model.TaskStatusFailed
		task.FailureCount++
		run.Status = model.TaskStatusFailed
		run.Error = runErr.Error()

		retryAt := now.Add(task.RetryDelay())
		task.NextRun = &retryAt

		if task.FailureCount >= task.MaxFailures && task.MaxFailures > 0 {
			task.Enabled = false
			disabled = true
		}
	}
	task.UpdatedAt = now
	snapshot := *task
	if disabled {
		disabledSnapshot = *task
	}
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		s.logger.Error("outcome persist failed", "task_id", snapshot.ID, "error", err)
	}
	if err := s.persistRun(ctx, run); err != nil {
		s.logger.Error("run record persist failed", "run_id", run.ID, "error", err)
	}

	switch run.Status {
	case model.TaskStatusCompleted:
		s.logger.Debug("task completed",
			"task_id", snapshot.ID, "run_id", run.ID, "duration", run.Duration)
	case model.TaskStatusCancelled:
		s.logger.Info("task run cancelled", "task_id", snapshot.ID, "run_id", run.ID)
	default:
		s.logger.Warn("task failed",
			"task_id", snapshot.ID, "run_id", run.ID,
			"failures", snapshot.FailureCount, "next_run", snapshot.NextRun, "error", runErr)
	}

	if disabled {
		s.logger.Error("task auto-disabled after repeated failures",
			"task_id", disabledSnapshot.ID, "failures", disabledSnapshot.FailureCount)
		if s.disabledHook != nil {
			s.disabledHook(disabledSnapshot, runErr)
		}
	}

	if s.monitor != nil {
		s.monitor.RecordMetric(apm.Sample{
			Kind: apm.MetricThroughput, Value: 1, Unit: "runs",
			Service: "scheduler", Op: string(snapshot.Kind),
			Tags: map[string]string{"status": string(run.Status)},
		})
	}
}

// recover reloads persisted tasks. Rows still marked running belonged to
// a process that died mid-run: the lease is gone, so the run is recorded
// failed and the task rescheduled with backoff.
func (s *Scheduler) recover(ctx context.Context) error {
	now := s.now()
	var loaded, crashed int

	err := store.StreamTyped(ctx, s.store, store.KindScheduledTask, func(task model.ScheduledTask) error {
		if task.Status == model.TaskStatusRunning {
			crashed++
			task.Status = model.TaskStatusFailed
			task.FailureCount++
			retryAt := now.Add(task.RetryDelay())
			task.NextRun = &retryAt
			if task.FailureCount >= task.MaxFailures && task.MaxFailures > 0 {
				task.Enabled = false
			}
			task.UpdatedAt = now

			run := model.TaskExecution{
				ID:        model.NewID("run"),
				TaskID:    task.ID,
				Status:    model.TaskStatusFailed,
				StartedAt: orNow(task.LastRun, now),
				EndedAt:   &now,
				Error:     "run interrupted by process restart",
			}
			if err := s.persistRun(ctx, run); err != nil {
				return err
			}
			if err := s.persist(ctx, task); err != nil {
				return err
			}
		}

		loaded++
		t := task
		s.mu.Lock()
		s.tasks[task.ID] = &t
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindOf(err), err, "recover scheduled tasks")
	}
	if crashed > 0 {
		s.logger.Warn("recovered interrupted runs", "count", crashed)
	}
	s.logger.Debug("scheduled tasks loaded", "count", loaded)
	return nil
}

func orNow(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}

func (s *Scheduler) persist(ctx context.Context, task model.ScheduledTask) error {
	rec, err := store.ScheduledTaskRecord(task)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return errors.Wrap(errors.KindOf(err), err, "persist task %s", task.ID)
	}
	return nil
}

func (s *Scheduler) persistRun(ctx context.Context, run model.TaskExecution) error {
	rec, err := store.TaskRunRecord(run)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return errors.Wrap(errors.KindOf(err), err, "persist run %s", run.ID)
	}
	return nil
}

func taskDescription(task model.ScheduledTask) string {
	return fmt.Sprintf("%s (%s, every %s)", task.Name, task.Kind, task.Interval)
}
