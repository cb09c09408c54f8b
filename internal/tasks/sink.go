package tasks

import (
	"context"

	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
)

// Arm materializes a workflow task instance. Idempotent per
// (execution, definition task): recovery re-arms everything current, so
// an existing live instance is returned instead of duplicated.
func (m *Manager) Arm(ctx context.Context, task model.ComplianceTask) (string, error) {
	var armedID string
	created := false
	err := m.track(ctx, "arm", func(ctx context.Context) error {
		if task.WorkflowID == "" || task.DefinitionTaskID == "" {
			return errors.Validation("armed tasks need workflow and definition task ids")
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		existing, err := store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxWorkflowID, task.WorkflowID)
		if err != nil {
			return err
		}
		for _, row := range existing {
			if row.DefinitionTaskID == task.DefinitionTaskID && !row.Status.Terminal() {
				armedID = row.ID
				return nil
			}
		}

		now := m.now().UTC()
		if task.ID == "" {
			task.ID = model.NewID("task")
		}
		if task.Status == "" {
			task.Status = model.TaskPending
		}
		if task.Assignment.AssigneeID != "" {
			task.Status = model.TaskAssigned
			task.Assignment.AssignedAt = &now
			if task.Assignment.AssignedBy == "" {
				task.Assignment.AssignedBy = "workflow"
			}
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		if err := m.persist(ctx, task); err != nil {
			return err
		}
		armedID = task.ID
		created = true
		return nil
	})
	if err != nil {
		return "", err
	}

	if created {
		m.logger.Info("task armed",
			"task_id", armedID, "execution_id", task.WorkflowID, "definition_task", task.DefinitionTaskID,
			"kind", task.Kind, "assignee", task.Assignment.AssigneeID)
		m.announceArmed(ctx, task)
	}
	return armedID, nil
}

// CancelForExecution closes every live task of a terminated execution.
// Approvals already recorded stay on the rows as audit history, and no
// workflow callback fires: the execution is already terminal.
func (m *Manager) CancelForExecution(ctx context.Context, executionID, reason string) error {
	return m.track(ctx, "cancel_for_execution", func(ctx context.Context) error {
		rows, err := store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxWorkflowID, executionID)
		if err != nil {
			return err
		}
		cancelled := 0
		for _, row := range rows {
			if row.Status.Terminal() {
				continue
			}
			_, err := m.mutate(ctx, "cancel_armed", row.ID, func(task *model.ComplianceTask) error {
				if task.Status.Terminal() {
					return nil
				}
				if err := walkTo(task, model.TaskCancelled); err != nil {
					return err
				}
				task.Error = reason
				return nil
			})
			if err != nil {
				m.logger.Error("armed task cancellation failed",
					"task_id", row.ID, "execution_id", executionID, "error", err)
				continue
			}
			cancelled++
		}
		if cancelled > 0 {
			m.logger.Info("armed tasks cancelled",
				"execution_id", executionID, "count", cancelled, "reason", reason)
		}
		return nil
	})
}

// announceArmed emits the notifications a fresh instance owes: approval
// requests to every approver, and an assignment notice when the task
// arrived pre-assigned. Delivery errors are logged only.
func (m *Manager) announceArmed(ctx context.Context, task model.ComplianceTask) {
	if m.notifier == nil {
		return
	}
	if task.Kind == model.TaskApproval {
		for _, approval := range task.Approvals {
			ev := notify.Event{
				Kind:     "approval_requested",
				Severity: severityFor(task.Priority),
				Subject:  "Approval requested: " + task.Title,
				Body:     task.Description,
				Tags: map[string]string{
					"task_id":      task.ID,
					"execution_id": task.WorkflowID,
					"approver":     approval.Approver,
					"key":          approval.Key,
				},
				DedupKey: "approval:" + task.ID + ":" + approval.Approver,
				At:       m.now().UTC(),
			}
			if _, err := m.notifier.Send(ctx, ev); err != nil {
				m.logger.Warn("approval request delivery failed",
					"task_id", task.ID, "approver", approval.Approver, "error", err)
			}
		}
		return
	}
	if task.Assignment.AssigneeID != "" {
		ev := notify.Event{
			Kind:     "task_assigned",
			Severity: severityFor(task.Priority),
			Subject:  "Task assigned: " + task.Title,
			Body:     task.Description,
			Tags: map[string]string{
				"task_id":      task.ID,
				"execution_id": task.WorkflowID,
				"assignee":     task.Assignment.AssigneeID,
			},
			DedupKey: "assigned:" + task.ID,
			At:       m.now().UTC(),
		}
		if _, err := m.notifier.Send(ctx, ev); err != nil {
			m.logger.Warn("assignment notice delivery failed",
				"task_id", task.ID, "assignee", task.Assignment.AssigneeID, "error", err)
		}
	}
}
