package tasks

import (
	"context"
	"time"

	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
)

// sweepStatuses are the states a due date can expire in. Pending is
// included: tasks the fast path creates unassigned still carry due
// dates, and unstarted work past its deadline is overdue work.
var sweepStatuses = []model.TaskStatus{
	model.TaskPending,
	model.TaskAssigned,
	model.TaskInProgress,
	model.TaskWaitingReview,
	model.TaskWaitingApproval,
}

// SweepOverdue marks past-due tasks overdue and emits deadline warnings
// for tasks whose due date falls inside the warning window. Returns the
// number of tasks newly marked overdue. The notification center's dedup
// window keeps repeated sweeps quiet.
func (m *Manager) SweepOverdue(ctx context.Context) (int, error) {
	now := m.now().UTC()
	marked := 0

	err := m.track(ctx, "sweep_overdue", func(ctx context.Context) error {
		for _, status := range sweepStatuses {
			rows, err := store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxStatus, string(status))
			if err != nil {
				return err
			}
			for _, row := range rows {
				due := row.Assignment.DueAt
				if due == nil || row.Status.Terminal() {
					continue
				}
				if !row.IsOverdue(now) {
					if !now.Before(due.Add(-m.warnWindow)) && now.Before(*due) {
						m.emit(ctx, notify.Event{
							Kind:     "task_deadline_approaching",
							Severity: severityFor(row.Priority),
							Subject:  "Deadline approaching: " + row.Title,
							Tags: map[string]string{
								"task_id":  row.ID,
								"assignee": row.Assignment.AssigneeID,
								"due_at":   due.Format(time.RFC3339),
							},
							DedupKey: "deadline:" + row.ID,
							At:       now,
						})
					}
					continue
				}

				task, err := m.mutate(ctx, "mark_overdue", row.ID, func(task *model.ComplianceTask) error {
					if task.Status == model.TaskOverdue || task.Status.Terminal() || !task.IsOverdue(now) {
						return nil
					}
					return task.Transition(model.TaskOverdue)
				})
				if err != nil {
					m.logger.Error("overdue transition failed", "task_id", row.ID, "error", err)
					continue
				}
				if task.Status != model.TaskOverdue {
					continue
				}
				marked++
				m.emit(ctx, notify.Event{
					Kind:     "task_overdue",
					Severity: escalate(severityFor(row.Priority)),
					Subject:  "Task overdue: " + row.Title,
					Tags: map[string]string{
						"task_id":  row.ID,
						"assignee": row.Assignment.AssigneeID,
						"due_at":   due.Format(time.RFC3339),
					},
					DedupKey: "overdue:" + row.ID,
					At:       now,
				})
			}
		}
		return nil
	})
	if err != nil {
		return marked, err
	}
	if marked > 0 {
		m.logger.Info("overdue sweep finished", "marked", marked)
	}
	return marked, nil
}

func (m *Manager) emit(ctx context.Context, ev notify.Event) {
	if m.notifier == nil {
		return
	}
	if _, err := m.notifier.Send(ctx, ev); err != nil {
		m.logger.Warn("task event delivery failed", "kind", ev.Kind, "error", err)
	}
}

// escalate bumps overdue notices one severity past the task's own.
func escalate(s notify.Severity) notify.Severity {
	switch s {
	case notify.SeverityInfo:
		return notify.SeverityWarning
	case notify.SeverityWarning:
		return notify.SeverityHigh
	default:
		return notify.SeverityCritical
	}
}
