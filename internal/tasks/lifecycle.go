package tasks

import (
	"context"
	"fmt"
	"strings"

	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
	"vigil/internal/workflow"
)

// Complete closes a task. Every required evidence kind must be attached
// and, when the task carries an approval quorum, the quorum must be met.
// Workflow-bound tasks report back into the engine; subtasks roll up
// into their parent.
func (m *Manager) Complete(ctx context.Context, taskID, actor string, variables map[string]any) (model.ComplianceTask, error) {
	task, err := m.mutate(ctx, "complete", taskID, func(task *model.ComplianceTask) error {
		if missing := task.MissingEvidence(); len(missing) > 0 {
			return errors.Validation("task %s is missing required evidence: %s", task.ID, strings.Join(missing, ", "))
		}
		if task.RequiredApproval > 0 && task.GrantedApprovals() < task.RequiredApproval {
			return errors.Validation("task %s needs %d approvals, has %d",
				task.ID, task.RequiredApproval, task.GrantedApprovals())
		}
		return walkTo(task, model.TaskCompleted)
	})
	if err != nil {
		return task, err
	}
	m.logger.Info("task completed", "task_id", task.ID, "actor", actor, "workflow_execution", task.WorkflowID)
	m.afterCompletion(ctx, task, actor, variables)
	return task, nil
}

// Fail closes a task as failed and reports the failure into its
// workflow, where the definition's failure behavior takes over.
func (m *Manager) Fail(ctx context.Context, taskID, actor, reason string) (model.ComplianceTask, error) {
	task, err := m.mutate(ctx, "fail", taskID, func(task *model.ComplianceTask) error {
		if err := walkTo(task, model.TaskFailed); err != nil {
			return err
		}
		task.Error = reason
		return nil
	})
	if err != nil {
		return task, err
	}
	m.logger.Warn("task failed", "task_id", task.ID, "actor", actor, "reason", reason)
	if ws := m.workflowSink(); ws != nil && task.WorkflowID != "" && task.DefinitionTaskID != "" {
		if err := ws.FailTask(ctx, task.WorkflowID, task.DefinitionTaskID, fmt.Errorf("%s", reason)); err != nil {
			m.logger.Error("workflow failure callback rejected",
				"task_id", task.ID, "execution_id", task.WorkflowID, "error", err)
		}
	}
	m.reevaluateParent(ctx, task.ParentID)
	return task, nil
}

// Cancel closes a task administratively. A cancelled workflow-bound
// task reports as a failure so the execution's failure behavior decides
// what happens to the rest of the DAG.
func (m *Manager) Cancel(ctx context.Context, taskID, actor, reason string) (model.ComplianceTask, error) {
	task, err := m.mutate(ctx, "cancel", taskID, func(task *model.ComplianceTask) error {
		if err := walkTo(task, model.TaskCancelled); err != nil {
			return err
		}
		task.Error = reason
		return nil
	})
	if err != nil {
		return task, err
	}
	m.logger.Info("task cancelled", "task_id", task.ID, "actor", actor, "reason", reason)
	if ws := m.workflowSink(); ws != nil && task.WorkflowID != "" && task.DefinitionTaskID != "" {
		if err := ws.FailTask(ctx, task.WorkflowID, task.DefinitionTaskID, errors.Cancelled("task cancelled by %s: %s", actor, reason)); err != nil {
			m.logger.Error("workflow cancellation callback rejected",
				"task_id", task.ID, "execution_id", task.WorkflowID, "error", err)
		}
	}
	m.reevaluateParent(ctx, task.ParentID)
	return task, nil
}

// RecordApproval stores one approver's decision. At quorum the approval
// key lands in the task variables and the task completes unless required
// evidence is still outstanding; when the undecided approvers can no
// longer reach quorum the task fails.
func (m *Manager) RecordApproval(ctx context.Context, taskID, approver string, granted bool, comment string) (model.ComplianceTask, error) {
	var completed, quorumLost bool
	var approvalKey string
	task, err := m.mutate(ctx, "record_approval", taskID, func(task *model.ComplianceTask) error {
		if task.Status.Terminal() {
			return errors.Conflict("task %s is terminal (%s)", task.ID, task.Status)
		}
		idx := -1
		for i := range task.Approvals {
			if task.Approvals[i].Approver == approver {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.Validation("%s is not an approver of task %s", approver, task.ID)
		}
		if task.Approvals[idx].DecidedAt != nil {
			return errors.Conflict("%s already decided on task %s", approver, task.ID)
		}
		now := m.now().UTC()
		task.Approvals[idx].Granted = granted
		task.Approvals[idx].Comment = comment
		task.Approvals[idx].DecidedAt = &now
		approvalKey = task.Approvals[idx].Key

		grants := task.GrantedApprovals()
		undecided := 0
		for _, a := range task.Approvals {
			if a.DecidedAt == nil {
				undecided++
			}
		}
		switch {
		case grants >= task.RequiredApproval:
			if task.Variables == nil {
				task.Variables = make(map[string]any)
			}
			task.Variables[workflow.ApprovalVariable(approvalKey)] = true
			if len(task.MissingEvidence()) > 0 {
				// Quorum reached with evidence outstanding: the task stays
				// open and Complete closes it once the evidence lands.
				return walkTo(task, model.TaskWaitingApproval)
			}
			completed = true
			return walkTo(task, model.TaskCompleted)
		case grants+undecided < task.RequiredApproval:
			quorumLost = true
			task.Error = "approval quorum unreachable"
			return walkTo(task, model.TaskFailed)
		default:
			return walkTo(task, model.TaskWaitingApproval)
		}
	})
	if err != nil {
		return task, err
	}

	switch {
	case completed:
		m.logger.Info("approval quorum reached", "task_id", task.ID, "key", approvalKey, "approver", approver)
		m.afterCompletion(ctx, task, approver, nil)
	case quorumLost:
		m.logger.Warn("approval quorum unreachable", "task_id", task.ID, "key", approvalKey, "denied_by", approver)
		if ws := m.workflowSink(); ws != nil && task.WorkflowID != "" && task.DefinitionTaskID != "" {
			if err := ws.FailTask(ctx, task.WorkflowID, task.DefinitionTaskID, errors.Validation("approval %q denied", approvalKey)); err != nil {
				m.logger.Error("workflow failure callback rejected",
					"task_id", task.ID, "execution_id", task.WorkflowID, "error", err)
			}
		}
		m.reevaluateParent(ctx, task.ParentID)
	}
	return task, nil
}

// afterCompletion runs the side effects of a completed task outside the
// manager lock: the workflow callback re-enters through Arm when the
// execution advances.
func (m *Manager) afterCompletion(ctx context.Context, task model.ComplianceTask, actor string, variables map[string]any) {
	if ws := m.workflowSink(); ws != nil && task.WorkflowID != "" && task.DefinitionTaskID != "" {
		merged := make(map[string]any, len(task.Variables)+len(variables))
		for k, v := range task.Variables {
			merged[k] = v
		}
		for k, v := range variables {
			merged[k] = v
		}
		result := workflow.TaskResult{Actor: actor, Variables: merged}
		if err := ws.CompleteTask(ctx, task.WorkflowID, task.DefinitionTaskID, result); err != nil {
			m.logger.Error("workflow completion callback rejected",
				"task_id", task.ID, "execution_id", task.WorkflowID, "error", err)
		}
	}
	m.reevaluateParent(ctx, task.ParentID)
}

// reevaluateParent recomputes a parent's progress from its subtasks and
// completes the parent when every subtask succeeded and the parent's own
// completion gates pass. A failed or cancelled subtask leaves the parent
// open for a human decision.
func (m *Manager) reevaluateParent(ctx context.Context, parentID string) {
	if parentID == "" {
		return
	}
	var complete bool
	parent, err := m.mutate(ctx, "reevaluate_parent", parentID, func(parent *model.ComplianceTask) error {
		if parent.Status.Terminal() || len(parent.SubtaskIDs) == 0 {
			return nil
		}
		succeeded := 0
		for _, id := range parent.SubtaskIDs {
			sub, err := store.GetTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, id)
			if err != nil {
				m.logger.Warn("subtask lookup failed", "parent_id", parent.ID, "subtask_id", id, "error", err)
				continue
			}
			if sub.Status == model.TaskCompleted || sub.Status == model.TaskSkipped {
				succeeded++
			}
		}
		parent.Progress = 100 * float64(succeeded) / float64(len(parent.SubtaskIDs))
		if succeeded == len(parent.SubtaskIDs) &&
			len(parent.MissingEvidence()) == 0 &&
			(parent.RequiredApproval == 0 || parent.GrantedApprovals() >= parent.RequiredApproval) {
			complete = true
			return walkTo(parent, model.TaskCompleted)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("parent re-evaluation failed", "parent_id", parentID, "error", err)
		return
	}
	if complete {
		m.logger.Info("parent task completed by subtask rollup", "task_id", parent.ID)
		m.afterCompletion(ctx, parent, "rollup", nil)
	}
}

func severityFor(p model.Priority) notify.Severity {
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
