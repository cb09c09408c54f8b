// Package workflow executes workflow definitions as persistent,
// resumable DAGs. The engine owns ready-set computation, condition
// gating, the per-kind task handlers, failure behavior and the
// termination rules; human-facing task instances are armed through the
// TaskSink and complete back through CompleteTask.
package workflow

import (
	"context"
	"sync"
	"time"

	"vigil/internal/apm"
	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
)

// TaskSink arms compliance-task instances for workflow tasks that need
// external work, and cancels them when their execution terminates
// early. Arm must be idempotent per (execution, definition task):
// recovery re-arms everything current.
type TaskSink interface {
	Arm(ctx context.Context, task model.ComplianceTask) (string, error)
	CancelForExecution(ctx context.Context, executionID, reason string) error
}

// Notifier delivers notification-task events. *notify.Center satisfies it.
type Notifier interface {
	Send(ctx context.Context, ev notify.Event) (notify.Result, error)
}

// TaskResult is what a completed task contributes back to the execution.
type TaskResult struct {
	Variables map[string]any
	Actor     string
}

// Option customizes the engine.
type Option func(*Engine)

// WithTaskSink wires the compliance-task manager.
func WithTaskSink(sink TaskSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithNotifier wires the event sink notification tasks emit through.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMonitor wires operation tracking.
func WithMonitor(m *apm.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.defs.now = now
	}
}

// WithDefaults sets the engine-wide settings a definition may override.
func WithDefaults(s model.WorkflowSettings) Option {
	return func(e *Engine) { e.defaults = s }
}

// Engine runs workflow executions. State mutations of one execution are
// serialized through a per-execution lock; different executions proceed
// in parallel. Every transition is persisted before its follow-up
// handlers run, so recovery can replay from store state alone.
type Engine struct {
	store       store.Store
	defs        *Definitions
	conditions  *Conditions
	automations *Automations
	sink        TaskSink
	notifier    Notifier
	monitor     *apm.Monitor
	logger      *logging.Logger
	defaults    model.WorkflowSettings
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*executionLock
}

type executionLock struct {
	mu   sync.Mutex
	refs int
}

// New builds the engine. Definitions, conditions and automations are
// created internally and exposed via accessors for registration.
func New(st store.Store, logger *logging.Logger, opts ...Option) *Engine {
	logger = logging.OrNop(logger).Component("workflow")
	e := &Engine{
		store:       st,
		defs:        NewDefinitions(st, logger),
		automations: NewAutomations(),
		logger:      logger,
		defaults:    model.WorkflowSettings{FailureBehavior: model.FailureStop},
		now:         time.Now,
		locks:       make(map[string]*executionLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conditions == nil {
		e.conditions = NewConditions(e.now)
	}
	return e
}

// Definitions exposes the definition registry.
func (e *Engine) Definitions() *Definitions { return e.defs }

// Conditions exposes the condition-evaluator registry.
func (e *Engine) Conditions() *Conditions { return e.conditions }

// Automations exposes the automation-handler registry.
func (e *Engine) Automations() *Automations { return e.automations }

// lockExecution serializes transitions of one execution. The returned
// release function must be called exactly once.
func (e *Engine) lockExecution(id string) func() {
	e.mu.Lock()
	l := e.locks[id]
	if l == nil {
		l = &executionLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// Start creates and launches an execution of an active definition.
func (e *Engine) Start(ctx context.Context, definitionID, triggeredBy string, triggerPayload, initialVars map[string]any) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	err := e.track(ctx, "start", func(ctx context.Context) error {
		def, err := e.defs.Get(ctx, definitionID)
		if err != nil {
			return err
		}
		if def.Status != model.DefinitionActive {
			return errors.Conflict("definition %s is %s, not active", definitionID, def.Status)
		}

		now := e.now().UTC()
		vars := make(map[string]any, len(def.DefaultVariables)+len(initialVars))
		for k, v := range def.DefaultVariables {
			vars[k] = v
		}
		for k, v := range initialVars {
			vars[k] = v
		}

		exec = model.WorkflowExecution{
			ID:                model.NewID("exec"),
			DefinitionID:      def.ID,
			DefinitionVersion: def.Version,
			Status:            model.ExecutionActive,
			Context: model.ExecutionContext{
				Variables:      vars,
				TriggeredBy:    triggeredBy,
				TriggerPayload: triggerPayload,
			},
			CreatedAt: now,
			StartedAt: &now,
			UpdatedAt: now,
		}
		exec.RecordHistory("workflow_started", "", triggeredBy, nil)

		// The row exists before any task starts, so a crash here leaves a
		// recoverable active execution with empty sets.
		if err := e.persist(ctx, exec); err != nil {
			return err
		}
		if err := e.defs.MarkExecuted(ctx, def.ID); err != nil {
			e.logger.Warn("mark executed failed", "definition_id", def.ID, "error", err)
		}

		unlock := e.lockExecution(exec.ID)
		started := e.advance(&exec, &def)
		err = e.persist(ctx, exec)
		unlock()
		if err != nil {
			return err
		}

		e.logger.Info("workflow started",
			"execution_id", exec.ID, "definition_id", def.ID, "triggered_by", triggeredBy,
			"initial_tasks", len(started))
		e.dispatchTasks(ctx, exec, def, started)
		return nil
	})
	return exec, err
}

// CompleteTask moves a current task to completed, merges its result
// variables and advances the DAG. On a paused execution the completion
// is recorded but advancement waits for Resume.
func (e *Engine) CompleteTask(ctx context.Context, executionID, taskID string, result TaskResult) error {
	return e.track(ctx, "complete_task", func(ctx context.Context) error {
		return e.transition(ctx, executionID, func(exec *model.WorkflowExecution, def *model.WorkflowDefinition) error {
			if err := exec.CompleteTask(taskID); err != nil {
				return errors.Wrap(errors.KindConflict, err, "complete task")
			}
			for k, v := range result.Variables {
				if exec.Context.Variables == nil {
					exec.Context.Variables = make(map[string]any)
				}
				exec.Context.Variables[k] = v
			}
			exec.RecordHistory("task_completed", taskID, result.Actor, nil)
			return nil
		})
	})
}

// FailTask moves a current task to failed and applies the definition's
// failure behavior.
func (e *Engine) FailTask(ctx context.Context, executionID, taskID string, taskErr error) error {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	return e.track(ctx, "fail_task", func(ctx context.Context) error {
		return e.transition(ctx, executionID, func(exec *model.WorkflowExecution, def *model.WorkflowDefinition) error {
			if err := exec.FailTask(taskID); err != nil {
				return errors.Wrap(errors.KindConflict, err, "fail task")
			}
			exec.RecordHistory("task_failed", taskID, "engine", map[string]any{"error": msg})
			e.logger.Warn("workflow task failed",
				"execution_id", exec.ID, "task_id", taskID, "error", msg)

			settings := e.effectiveSettings(def)
			switch settings.FailureBehavior {
			case model.FailureRetry:
				if exec.RetriedTasks[taskID] < 1 {
					if err := exec.RequeueTask(taskID); err != nil {
						return errors.Wrap(errors.KindFatal, err, "requeue task")
					}
					exec.RecordHistory("task_retried", taskID, "engine", nil)
				}
			case model.FailureStop:
				if exec.Status == model.ExecutionActive {
					e.finalize(exec, model.ExecutionFailed, "task "+taskID+" failed: "+msg)
				}
			}
			return nil
		})
	})
}

// Cancel terminates an execution and its armed tasks. Approvals already
// granted survive on the task records; cancellation never resurrects.
func (e *Engine) Cancel(ctx context.Context, executionID, actor, reason string) error {
	return e.track(ctx, "cancel", func(ctx context.Context) error {
		return e.transition(ctx, executionID, func(exec *model.WorkflowExecution, def *model.WorkflowDefinition) error {
			if !exec.Status.CanTransition(model.ExecutionCancelled) {
				return errors.Conflict("execution %s is %s and cannot be cancelled", exec.ID, exec.Status)
			}
			exec.RecordHistory("workflow_cancelled", "", actor, map[string]any{"reason": reason})
			e.finalize(exec, model.ExecutionCancelled, reason)
			return nil
		})
	})
}

// Pause suspends ready-set advancement. In-flight tasks keep running;
// their completions are recorded and replayed on Resume.
func (e *Engine) Pause(ctx context.Context, executionID, actor string) error {
	return e.transition(ctx, executionID, func(exec *model.WorkflowExecution, def *model.WorkflowDefinition) error {
		if !exec.Status.CanTransition(model.ExecutionPaused) {
			return errors.Conflict("execution %s is %s and cannot pause", exec.ID, exec.Status)
		}
		exec.Status = model.ExecutionPaused
		exec.RecordHistory("workflow_paused", "", actor, nil)
		return nil
	})
}

// Resume reactivates a paused execution and replays deferred reactions:
// the ready set catches up, and a stop-behavior failure recorded during
// the pause fails the execution now.
func (e *Engine) Resume(ctx context.Context, executionID, actor string) error {
	return e.transition(ctx, executionID, func(exec *model.WorkflowExecution, def *model.WorkflowDefinition) error {
		if !exec.Status.CanTransition(model.ExecutionActive) {
			return errors.Conflict("execution %s is %s and cannot resume", exec.ID, exec.Status)
		}
		exec.Status = model.ExecutionActive
		exec.RecordHistory("workflow_resumed", "", actor, nil)
		settings := e.effectiveSettings(def)
		if settings.FailureBehavior == model.FailureStop && len(exec.Failed) > 0 {
			e.finalize(exec, model.ExecutionFailed, "task failure recorded while paused")
		}
		return nil
	})
}

// Get loads one execution.
func (e *Engine) Get(ctx context.Context, executionID string) (model.WorkflowExecution, error) {
	return store.GetTyped[model.WorkflowExecution](ctx, e.store, store.KindWorkflowExecution, executionID)
}

// List returns executions, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status model.ExecutionStatus) ([]model.WorkflowExecution, error) {
	if status != "" {
		return store.QueryTyped[model.WorkflowExecution](ctx, e.store, store.KindWorkflowExecution, store.IdxStatus, string(status))
	}
	var out []model.WorkflowExecution
	err := store.StreamTyped(ctx, e.store, store.KindWorkflowExecution, func(exec model.WorkflowExecution) error {
		out = append(out, exec)
		return nil
	})
	return out, err
}

// Recover replays ready-set computation for every active execution and
// re-dispatches handlers for all current tasks. Arming is idempotent, so
// a crash between persist and dispatch loses nothing.
func (e *Engine) Recover(ctx context.Context) error {
	execs, err := store.QueryTyped[model.WorkflowExecution](ctx, e.store, store.KindWorkflowExecution, store.IdxStatus, string(model.ExecutionActive))
	if err != nil {
		return errors.Wrap(errors.KindOf(err), err, "load active executions")
	}
	for _, row := range execs {
		if err := e.recoverOne(ctx, row.ID); err != nil {
			e.logger.Error("execution recovery failed", "execution_id", row.ID, "error", err)
		}
	}
	if len(execs) > 0 {
		e.logger.Info("workflow executions recovered", "count", len(execs))
	}
	return nil
}

func (e *Engine) recoverOne(ctx context.Context, executionID string) error {
	unlock := e.lockExecution(executionID)
	exec, err := e.Get(ctx, executionID)
	if err != nil {
		unlock()
		return err
	}
	def, err := e.defs.Get(ctx, exec.DefinitionID)
	if err != nil {
		unlock()
		return err
	}

	e.advance(&exec, &def)
	err = e.persist(ctx, exec)
	unlock()
	if err != nil {
		return err
	}

	// Re-dispatch everything current, not only the newly started: the
	// crash may have preceded the original dispatch.
	var current []model.TaskDefinition
	for _, id := range exec.Current {
		if td, ok := def.Task(id); ok {
			current = append(current, *td)
		}
	}
	e.dispatchTasks(ctx, exec, def, current)
	return nil
}

// SweepExpired expires executions that outlived their max_duration.
// Returns how many were expired.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired := 0
	for _, status := range []model.ExecutionStatus{model.ExecutionActive, model.ExecutionPaused} {
		rows, err := store.QueryTyped[model.WorkflowExecution](ctx, e.store, store.KindWorkflowExecution, store.IdxStatus, string(status))
		if err != nil {
			return expired, err
		}
		for _, row := range rows {
			def, err := e.defs.Get(ctx, row.DefinitionID)
			if err != nil {
				continue
			}
			settings := e.effectiveSettings(&def)
			if settings.MaxDuration <= 0 || row.StartedAt == nil {
				continue
			}
			if e.now().Sub(*row.StartedAt) <= settings.MaxDuration {
				continue
			}
			err = e.transition(ctx, row.ID, func(exec *model.WorkflowExecution, def *model.WorkflowDefinition) error {
				if exec.Status.Terminal() || e.now().Sub(orZero(exec.StartedAt)) <= settings.MaxDuration {
					return nil
				}
				exec.RecordHistory("workflow_expired", "", "engine", map[string]any{
					"max_duration": settings.MaxDuration.String(),
				})
				e.finalize(exec, model.ExecutionExpired, "exceeded max duration "+settings.MaxDuration.String())
				return nil
			})
			if err != nil {
				e.logger.Error("expiry sweep failed", "execution_id", row.ID, "error", err)
				continue
			}
			expired++
		}
	}
	return expired, nil
}

// transition runs fn over a freshly loaded execution under its lock,
// advances the DAG when the execution is active, persists, and then
// dispatches handlers for any tasks the pass started.
func (e *Engine) transition(ctx context.Context, executionID string, fn func(*model.WorkflowExecution, *model.WorkflowDefinition) error) error {
	unlock := e.lockExecution(executionID)

	exec, err := e.Get(ctx, executionID)
	if err != nil {
		unlock()
		return err
	}
	if exec.Status.Terminal() {
		unlock()
		return errors.Conflict("execution %s is terminal (%s)", executionID, exec.Status)
	}
	def, err := e.defs.Get(ctx, exec.DefinitionID)
	if err != nil {
		unlock()
		return err
	}

	if err := fn(&exec, &def); err != nil {
		unlock()
		return err
	}

	started := e.advance(&exec, &def)
	exec.RecomputeProgress(len(def.Tasks))
	exec.UpdatedAt = e.now().UTC()

	err = e.persist(ctx, exec)
	unlock()
	if err != nil {
		return err
	}

	e.dispatchTasks(ctx, exec, def, started)
	if exec.Status.Terminal() {
		e.onTerminal(ctx, exec)
	}
	return nil
}

// advance starts every ready task, skips the unstartable, and applies
// the termination rules. Caller holds the execution lock. Returns the
// definitions of tasks admitted to current during this pass.
func (e *Engine) advance(exec *model.WorkflowExecution, def *model.WorkflowDefinition) []model.TaskDefinition {
	if exec.Status != model.ExecutionActive {
		return nil
	}

	var started []model.TaskDefinition
	for {
		progressed := false
		for i := range def.Tasks {
			td := &def.Tasks[i]
			if exec.Seen(td.ID) || !prereqsCompleted(exec, td.Prerequisites) {
				continue
			}
			// Condition-kind tasks run their predicate as the task body;
			// for everything else the condition gates admission.
			if td.Kind != model.TaskCondition && td.Condition != nil {
				pass, err := e.conditions.Evaluate(td.Condition, exec)
				if err != nil {
					exec.Failed = append(exec.Failed, td.ID)
					exec.RecordHistory("task_failed", td.ID, "engine", map[string]any{"error": err.Error()})
					progressed = true
					continue
				}
				if !pass {
					exec.Completed = append(exec.Completed, td.ID)
					exec.RecordHistory("task_skipped", td.ID, "engine", map[string]any{"reason": "condition_false"})
					progressed = true
					continue
				}
			}
			if err := exec.StartTask(td.ID); err != nil {
				continue
			}
			exec.RecordHistory("task_started", td.ID, "engine", nil)
			started = append(started, *td)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	e.skipUnreachable(exec, def)

	exec.RecomputeProgress(len(def.Tasks))
	if len(exec.Current) == 0 && len(exec.Completed)+len(exec.Failed) == len(def.Tasks) {
		settings := e.effectiveSettings(def)
		if len(exec.Failed) <= settings.MaxAcceptableFailures {
			e.finalize(exec, model.ExecutionCompleted, "")
		} else {
			e.finalize(exec, model.ExecutionFailed, "acceptable failure count exceeded")
		}
	}
	return started
}

// skipUnreachable marks tasks that can never start because a
// prerequisite failed. The closure is computed first so a dependent of
// an unreachable task never sneaks into the ready set.
func (e *Engine) skipUnreachable(exec *model.WorkflowExecution, def *model.WorkflowDefinition) {
	unreachable := make(map[string]bool)
	for {
		grew := false
		for i := range def.Tasks {
			td := &def.Tasks[i]
			if exec.Seen(td.ID) || unreachable[td.ID] {
				continue
			}
			for _, p := range td.Prerequisites {
				if exec.InFailed(p) || unreachable[p] {
					unreachable[td.ID] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}
	for i := range def.Tasks {
		id := def.Tasks[i].ID
		if unreachable[id] {
			exec.Completed = append(exec.Completed, id)
			exec.RecordHistory("task_skipped", id, "engine", map[string]any{"reason": "prerequisite_failed"})
		}
	}
}

// finalize moves the execution into a terminal status. Caller holds the
// execution lock and guarantees the transition is legal.
func (e *Engine) finalize(exec *model.WorkflowExecution, status model.ExecutionStatus, reason string) {
	exec.Status = status
	if reason != "" {
		exec.Error = reason
	}
	now := e.now().UTC()
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	exec.RecordHistory("workflow_"+string(status), "", "engine", nil)
}

// onTerminal runs side effects after a terminal transition persisted:
// armed tasks of failed, cancelled and expired executions are cancelled.
func (e *Engine) onTerminal(ctx context.Context, exec model.WorkflowExecution) {
	e.logger.Info("workflow terminal",
		"execution_id", exec.ID, "status", exec.Status, "progress", exec.Progress,
		"completed", len(exec.Completed), "failed", len(exec.Failed))
	if exec.Status == model.ExecutionCompleted || e.sink == nil {
		return
	}
	reason := "workflow " + string(exec.Status)
	if err := e.sink.CancelForExecution(ctx, exec.ID, reason); err != nil {
		e.logger.Error("cancel armed tasks failed", "execution_id", exec.ID, "error", err)
	}
}

func (e *Engine) effectiveSettings(def *model.WorkflowDefinition) model.WorkflowSettings {
	s := def.Settings
	if s.FailureBehavior == "" {
		s.FailureBehavior = e.defaults.FailureBehavior
	}
	if s.FailureBehavior == "" {
		s.FailureBehavior = model.FailureStop
	}
	if s.MaxDuration <= 0 {
		s.MaxDuration = e.defaults.MaxDuration
	}
	return s
}

func (e *Engine) persist(ctx context.Context, exec model.WorkflowExecution) error {
	rec, err := store.ExecutionRecord(exec)
	if err != nil {
		return err
	}
	if err := e.store.Upsert(ctx, rec); err != nil {
		return errors.Wrap(errors.KindOf(err), err, "persist execution %s", exec.ID)
	}
	return nil
}

func (e *Engine) track(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.monitor == nil {
		return fn(ctx)
	}
	return e.monitor.Track(ctx, "workflow", op, fn)
}

func prereqsCompleted(exec *model.WorkflowExecution, prereqs []string) bool {
	for _, p := range prereqs {
		if !exec.InCompleted(p) {
			return false
		}
	}
	return true
}

func orZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
