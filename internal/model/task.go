package model

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a compliance task. "pending"
// covers both freshly created standalone tasks and workflow tasks that
// have been armed but not yet assigned.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskAssigned        TaskStatus = "assigned"
	TaskInProgress      TaskStatus = "in_progress"
	TaskWaitingReview   TaskStatus = "waiting_review"
	TaskWaitingApproval TaskStatus = "waiting_approval"
	TaskCompleted       TaskStatus = "completed"
	TaskOverdue         TaskStatus = "overdue"
	TaskCancelled       TaskStatus = "cancelled"
	TaskFailed          TaskStatus = "failed"
	TaskSkipped         TaskStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:         {TaskAssigned, TaskInProgress, TaskOverdue, TaskSkipped, TaskCancelled},
	TaskAssigned:        {TaskInProgress, TaskOverdue, TaskCancelled, TaskFailed},
	TaskInProgress:      {TaskWaitingReview, TaskWaitingApproval, TaskCompleted, TaskFailed, TaskCancelled, TaskOverdue},
	TaskWaitingReview:   {TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled, TaskOverdue},
	TaskWaitingApproval: {TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled, TaskOverdue},
	TaskOverdue:         {TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether from → to is a legal status move.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Assignment records who owns a task and by when.
type Assignment struct {
	AssigneeID        string     `json:"assignee_id,omitempty"`
	AssigneeKind      string     `json:"assignee_kind,omitempty"`
	DueAt             *time.Time `json:"due_at,omitempty"`
	DelegationAllowed bool       `json:"delegation_allowed,omitempty"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	AssignedBy        string     `json:"assigned_by,omitempty"`
}

// Evidence is one artifact attached to a task in support of completion.
type Evidence struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	Reference   string    `json:"reference,omitempty"` // URL or document id
	AddedBy     string    `json:"added_by,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// Comment is one append-only note on a task.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Approval records one approver's decision against an approval key.
// Granted approvals survive workflow cancellation as audit records.
type Approval struct {
	Key       string     `json:"key"`
	Approver  string     `json:"approver"`
	Granted   bool       `json:"granted"`
	Comment   string     `json:"comment,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// ComplianceTask is a unit of compliance work, either a node of a
// workflow execution or standalone. Comments are append-only; evidence
// of every required kind must be present before completion.
type ComplianceTask struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id,omitempty"` // execution id, empty when standalone
	DefinitionTaskID string         `json:"definition_task_id,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	SubtaskIDs       []string       `json:"subtask_ids,omitempty"`
	Title            string         `json:"title" validate:"required"`
	Description      string         `json:"description,omitempty"`
	Category         string         `json:"category,omitempty"`
	Kind             TaskKind       `json:"kind,omitempty"`
	Status           TaskStatus     `json:"status"`
	Priority         Priority       `json:"priority,omitempty"`
	Assignment       Assignment     `json:"assignment"`
	Progress         float64        `json:"progress"`
	Evidence         []Evidence     `json:"evidence,omitempty"`
	Comments         []Comment      `json:"comments,omitempty"`
	RequiredEvidence []string       `json:"required_evidence,omitempty"`
	Approvals        []Approval     `json:"approvals,omitempty"`
	RequiredApproval int            `json:"required_approvals,omitempty"`
	EstimatedHours   float64        `json:"estimated_hours,omitempty"`
	ActualHours      float64        `json:"actual_hours,omitempty"`
	Variables        map[string]any `json:"variables,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Transition applies a status change after checking legality and
// terminal-state immutability.
func (t *ComplianceTask) Transition(to TaskStatus) error {
	if t.Status == to {
		return nil
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is terminal (%s)", t.ID, t.Status)
	}
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("task %s: illegal transition %s → %s", t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if to == TaskCompleted {
		now := t.UpdatedAt
		t.CompletedAt = &now
		t.Progress = 100
	}
	return nil
}

// MissingEvidence lists the required evidence kinds not yet attached.
func (t *ComplianceTask) MissingEvidence() []string {
	if len(t.RequiredEvidence) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(t.Evidence))
	for _, ev := range t.Evidence {
		have[ev.Kind] = struct{}{}
	}
	var missing []string
	for _, kind := range t.RequiredEvidence {
		if _, ok := have[kind]; !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}

// GrantedApprovals counts approvals that were granted.
func (t *ComplianceTask) GrantedApprovals() int {
	n := 0
	for _, a := range t.Approvals {
		if a.Granted {
			n++
		}
	}
	return n
}

// IsOverdue reports whether the task has a due date in the past and is
// not yet terminal.
func (t *ComplianceTask) IsOverdue(now time.Time) bool {
	if t.Status.Terminal() || t.Assignment.DueAt == nil {
		return false
	}
	return now.After(*t.Assignment.DueAt)
}
