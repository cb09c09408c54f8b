package supervisor

import (
	"context"

	"vigil/internal/apm"
	"vigil/internal/dr"
	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/workflow"
)

// Admin is the operations surface. Every method is safe to call
// concurrently and from the first moment New returns; commands that
// need running subsystems (polling, scheduling) simply take effect once
// Start has brought them up.
type Admin struct {
	s *Supervisor
}

// StartWorkflow launches an execution of a registered definition and
// returns its id.
func (a *Admin) StartWorkflow(ctx context.Context, definitionID, triggeredBy string, payload, vars map[string]any) (string, error) {
	exec, err := a.s.engine.Start(ctx, definitionID, triggeredBy, payload, vars)
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// CompleteTask finishes a workflow task on behalf of actor, merging
// result into the execution variables.
func (a *Admin) CompleteTask(ctx context.Context, executionID, taskID string, result map[string]any, actor string) error {
	return a.s.engine.CompleteTask(ctx, executionID, taskID, workflow.TaskResult{
		Variables: result,
		Actor:     actor,
	})
}

// FailTask reports a task failure; the definition's failure behavior
// decides between retry and workflow failure.
func (a *Admin) FailTask(ctx context.Context, executionID, taskID, reason string) error {
	return a.s.engine.FailTask(ctx, executionID, taskID, errors.Transient("%s", reason))
}

// CancelWorkflow terminally cancels a running or paused execution.
func (a *Admin) CancelWorkflow(ctx context.Context, executionID, reason string) error {
	return a.s.engine.Cancel(ctx, executionID, "admin", reason)
}

// PauseWorkflow suspends task dispatch for an active execution.
func (a *Admin) PauseWorkflow(ctx context.Context, executionID string) error {
	return a.s.engine.Pause(ctx, executionID, "admin")
}

// ResumeWorkflow reactivates a paused execution.
func (a *Admin) ResumeWorkflow(ctx context.Context, executionID string) error {
	return a.s.engine.Resume(ctx, executionID, "admin")
}

// EmitEvent injects a platform event into trigger matching and returns
// the execution ids it started.
func (a *Admin) EmitEvent(ctx context.Context, kind string, payload map[string]any, actor string) ([]string, error) {
	return a.s.orch.EmitEvent(ctx, model.NewEvent(model.TriggerKind(kind), payload, actor))
}

// RegisterWorkflowDefinition validates and stores a definition,
// returning its id.
func (a *Admin) RegisterWorkflowDefinition(ctx context.Context, def model.WorkflowDefinition) (string, error) {
	return a.s.engine.Definitions().Register(ctx, def)
}

// RegisterTrigger validates and stores a trigger, returning its id.
func (a *Admin) RegisterTrigger(ctx context.Context, trig model.Trigger) (string, error) {
	stored, err := a.s.orch.RegisterTrigger(ctx, trig)
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// RunDRTest exercises one recovery scenario against a component.
func (a *Admin) RunDRTest(ctx context.Context, component string, kind model.DRTestKind, dryRun bool) (model.DRTestResult, error) {
	return a.s.dr.RunTest(ctx, component, kind, dryRun)
}

// DRStatus reports disaster-recovery posture: objectives, latest test
// results, open events and the composite health score.
func (a *Admin) DRStatus(ctx context.Context) dr.Status {
	return a.s.dr.Status(ctx)
}

// APMSummary reports runtime health: resource usage, per-operation
// latency stats and recent alerts.
func (a *Admin) APMSummary() apm.Summary {
	return a.s.monitor.Summary()
}
