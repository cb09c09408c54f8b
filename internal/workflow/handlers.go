package workflow

import (
	"context"
	"sync"
	"time"

	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/notify"
)

// AutomationFunc runs one automated task. It receives a snapshot of the
// execution (variables included) and the task's automation params, and
// returns variables to merge into the context on success.
type AutomationFunc func(ctx context.Context, exec model.WorkflowExecution, params map[string]any) (map[string]any, error)

// Automations is the registry automated tasks resolve their handlers
// from, keyed by the name in the task's automation config.
type Automations struct {
	mu  sync.RWMutex
	fns map[string]AutomationFunc
}

// NewAutomations builds an empty registry.
func NewAutomations() *Automations {
	return &Automations{fns: make(map[string]AutomationFunc)}
}

// Register installs a handler. Existing names are not replaced.
func (a *Automations) Register(name string, fn AutomationFunc) error {
	if name == "" || fn == nil {
		return errors.Validation("automation handler needs a name and a function")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.fns[name]; exists {
		return errors.Conflict("automation handler %q already registered", name)
	}
	a.fns[name] = fn
	return nil
}

// Get resolves a handler by name.
func (a *Automations) Get(name string) (AutomationFunc, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.fns[name]
	return fn, ok
}

// Names lists the registered handlers.
func (a *Automations) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.fns))
	for name := range a.fns {
		out = append(out, name)
	}
	return out
}

// dispatchTasks runs the kind handler for every task the last transition
// admitted. Called without the execution lock: handler outcomes re-enter
// through CompleteTask / FailTask, which take it again.
func (e *Engine) dispatchTasks(ctx context.Context, exec model.WorkflowExecution, def model.WorkflowDefinition, tasks []model.TaskDefinition) {
	for _, td := range tasks {
		switch td.Kind {
		case model.TaskCondition:
			e.runCondition(ctx, exec, td)
		case model.TaskAutomated:
			e.runAutomated(ctx, exec, td)
		case model.TaskNotification:
			e.runNotification(ctx, exec, td)
		default:
			// manual, approval, review, risk_assessment, compliance_check,
			// filing: external work, armed through the sink.
			e.armTask(ctx, exec, def, td)
		}
	}
}

// runCondition evaluates the task's predicate and completes it with the
// outcome as a context variable, under its own name and the shared
// condition_result key.
func (e *Engine) runCondition(ctx context.Context, exec model.WorkflowExecution, td model.TaskDefinition) {
	pass, err := e.conditions.Evaluate(td.Condition, &exec)
	if err != nil {
		e.failDispatched(ctx, exec.ID, td.ID, err)
		return
	}
	result := TaskResult{
		Actor: "engine",
		Variables: map[string]any{
			"condition_result": pass,
			td.ID + "_result":  pass,
		},
	}
	if err := e.CompleteTask(ctx, exec.ID, td.ID, result); err != nil {
		e.logger.Error("condition task completion failed",
			"execution_id", exec.ID, "task_id", td.ID, "error", err)
	}
}

// runAutomated resolves and runs the task's automation handler inline,
// bounded by the task timeout. A handler that outlives its deadline is
// failed immediately; its eventual return is discarded as a conflict.
func (e *Engine) runAutomated(ctx context.Context, exec model.WorkflowExecution, td model.TaskDefinition) {
	if td.Automation == nil || td.Automation.Handler == "" {
		e.failDispatched(ctx, exec.ID, td.ID, errors.Validation("automated task %q has no handler binding", td.ID))
		return
	}
	name := td.Automation.Handler
	fn, ok := e.automations.Get(name)
	if !ok {
		e.failDispatched(ctx, exec.ID, td.ID, errors.Validation("no automation handler %q", name))
		return
	}

	runCtx := ctx
	cancel := func() {}
	if td.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, td.Timeout)
	}
	defer cancel()

	type outcome struct {
		vars map[string]any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		var out outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					out.err = errors.Fatal("automation %q panicked: %v", name, r)
				}
			}()
			out.vars, out.err = fn(runCtx, exec, td.Automation.Params)
		}()
		ch <- out
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			e.failDispatched(ctx, exec.ID, td.ID, out.err)
			return
		}
		if err := e.CompleteTask(ctx, exec.ID, td.ID, TaskResult{Actor: "automation:" + name, Variables: out.vars}); err != nil {
			e.logger.Error("automated task completion failed",
				"execution_id", exec.ID, "task_id", td.ID, "error", err)
		}
	case <-runCtx.Done():
		if errors.IsCancelled(runCtx.Err()) {
			// Shutdown, not timeout: leave the task current for recovery.
			e.logger.Info("automation interrupted by shutdown",
				"execution_id", exec.ID, "task_id", td.ID)
			return
		}
		e.failDispatched(ctx, exec.ID, td.ID,
			errors.Timeout("automation %q exceeded timeout %s", name, td.Timeout))
	}
}

// runNotification emits the task's event and completes. Delivery errors
// are logged, never failed: a notification must not wedge a compliance
// workflow.
func (e *Engine) runNotification(ctx context.Context, exec model.WorkflowExecution, td model.TaskDefinition) {
	if e.notifier != nil {
		ev := notify.Event{
			Kind:     "workflow_notification",
			Severity: severityForPriority(td.Priority),
			Subject:  td.Name,
			Body:     td.Description,
			Tags: map[string]string{
				"execution_id": exec.ID,
				"task_id":      td.ID,
			},
			DedupKey: exec.ID + "/" + td.ID,
			At:       e.now().UTC(),
		}
		if _, err := e.notifier.Send(ctx, ev); err != nil {
			e.logger.Warn("notification task delivery failed",
				"execution_id", exec.ID, "task_id", td.ID, "error", err)
		}
	}
	if err := e.CompleteTask(ctx, exec.ID, td.ID, TaskResult{Actor: "engine"}); err != nil {
		e.logger.Error("notification task completion failed",
			"execution_id", exec.ID, "task_id", td.ID, "error", err)
	}
}

// armTask materializes a compliance-task instance and hands it to the
// sink. Completion returns through the sink's workflow callbacks.
func (e *Engine) armTask(ctx context.Context, exec model.WorkflowExecution, def model.WorkflowDefinition, td model.TaskDefinition) {
	if e.sink == nil {
		e.failDispatched(ctx, exec.ID, td.ID,
			errors.Validation("no task sink configured for %s task %q", td.Kind, td.ID))
		return
	}
	task := buildTaskInstance(exec, def, td, e.now().UTC())
	if _, err := e.sink.Arm(ctx, task); err != nil {
		e.failDispatched(ctx, exec.ID, td.ID, errors.Wrap(errors.KindOf(err), err, "arm task %q", td.ID))
	}
}

// failDispatched reports a handler failure back into the engine.
func (e *Engine) failDispatched(ctx context.Context, executionID, taskID string, cause error) {
	if err := e.FailTask(ctx, executionID, taskID, cause); err != nil {
		e.logger.Error("task failure report rejected",
			"execution_id", executionID, "task_id", taskID, "cause", cause, "error", err)
	}
}

// buildTaskInstance converts a task definition into the compliance task
// the sink arms. Priority falls back to the execution's impact level
// when the definition does not pin one.
func buildTaskInstance(exec model.WorkflowExecution, def model.WorkflowDefinition, td model.TaskDefinition, now time.Time) model.ComplianceTask {
	task := model.ComplianceTask{
		ID:               model.NewID("task"),
		WorkflowID:       exec.ID,
		DefinitionTaskID: td.ID,
		Title:            td.Name,
		Description:      td.Description,
		Category:         def.Category,
		Kind:             td.Kind,
		Status:           model.TaskPending,
		Priority:         td.Priority,
		RequiredEvidence: td.RequiredEvidence,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.Priority == "" {
		if lvl, ok := exec.Context.Variables["impact_level"].(string); ok {
			task.Priority = model.PriorityFromImpact(model.ImpactLevel(lvl))
		}
	}
	if td.Assignment != nil {
		task.Assignment = model.Assignment{
			AssigneeID:        td.Assignment.AssigneeID,
			AssigneeKind:      td.Assignment.AssigneeKind,
			DelegationAllowed: td.Assignment.DelegationAllowed,
		}
		if td.Assignment.DueIn > 0 {
			due := now.Add(td.Assignment.DueIn)
			task.Assignment.DueAt = &due
		}
	}
	if td.Kind == model.TaskApproval && td.Approval != nil {
		task.RequiredApproval = td.Approval.Quorum
		for _, approver := range td.Approval.Approvers {
			task.Approvals = append(task.Approvals, model.Approval{Key: td.Approval.Key, Approver: approver})
		}
	}
	return task
}

func severityForPriority(p model.Priority) notify.Severity {
	switch p {
	case model.PriorityCritical:
		return notify.SeverityCritical
	case model.PriorityHigh:
		return notify.SeverityHigh
	case model.PriorityMedium:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
