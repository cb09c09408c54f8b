package model

import (
	"fmt"
	"time"
)

// TaskKind selects the handler that drives a task definition.
type TaskKind string

const (
	TaskManual          TaskKind = "manual"
	TaskAutomated       TaskKind = "automated"
	TaskApproval        TaskKind = "approval"
	TaskCondition       TaskKind = "condition"
	TaskNotification    TaskKind = "notification"
	TaskReview          TaskKind = "review"
	TaskRiskAssessment  TaskKind = "risk_assessment"
	TaskComplianceCheck TaskKind = "compliance_check"
	TaskFiling          TaskKind = "filing"
)

// FailureBehavior decides what a workflow does when a task fails.
type FailureBehavior string

const (
	FailureStop     FailureBehavior = "stop"
	FailureContinue FailureBehavior = "continue"
	FailureRetry    FailureBehavior = "retry"
)

// WorkflowSettings carry the per-definition execution policy.
type WorkflowSettings struct {
	FailureBehavior       FailureBehavior `json:"failure_behavior" validate:"omitempty,oneof=stop continue retry"`
	MaxAcceptableFailures int             `json:"max_acceptable_failures" validate:"min=0"`
	MaxDuration           time.Duration   `json:"max_duration,omitempty"`
}

// ConditionConfig is a typed predicate over the execution context. The
// evaluator names are a closed set registered with the engine.
type ConditionConfig struct {
	Evaluator string         `json:"evaluator" validate:"required"`
	Params    map[string]any `json:"params,omitempty"`
}

// ApprovalConfig declares who must approve an approval task and how
// many approvals constitute quorum.
type ApprovalConfig struct {
	Key       string   `json:"key" validate:"required"`
	Approvers []string `json:"approvers" validate:"required,min=1"`
	Quorum    int      `json:"quorum" validate:"min=1"`
}

// AutomationConfig binds an automated task to a registered handler.
type AutomationConfig struct {
	Handler string         `json:"handler" validate:"required"`
	Params  map[string]any `json:"params,omitempty"`
}

// AssignmentSpec is the default assignment a task instance is armed with.
type AssignmentSpec struct {
	AssigneeID        string        `json:"assignee_id,omitempty"`
	AssigneeKind      string        `json:"assignee_kind,omitempty"` // user | team | role
	DueIn             time.Duration `json:"due_in,omitempty"`
	DelegationAllowed bool          `json:"delegation_allowed,omitempty"`
}

// TaskDefinition is one node of a workflow definition. Prerequisites
// reference task ids inside the same definition and must form a DAG.
type TaskDefinition struct {
	ID               string            `json:"id" validate:"required"`
	Name             string            `json:"name" validate:"required"`
	Description      string            `json:"description,omitempty"`
	Kind             TaskKind          `json:"kind" validate:"required"`
	Prerequisites    []string          `json:"prerequisites,omitempty"`
	Condition        *ConditionConfig  `json:"condition,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	Approval         *ApprovalConfig   `json:"approval,omitempty"`
	Automation       *AutomationConfig `json:"automation,omitempty"`
	Assignment       *AssignmentSpec   `json:"assignment,omitempty"`
	Priority         Priority          `json:"priority,omitempty"`
	RequiredEvidence []string          `json:"required_evidence,omitempty"`
}

// DefinitionStatus gates whether a definition may start executions.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// WorkflowDefinition is an immutable-once-executed DAG of tasks.
// Mutating an executed definition must produce a new id and version.
type WorkflowDefinition struct {
	ID               string           `json:"id"`
	Name             string           `json:"name" validate:"required"`
	Version          int              `json:"version" validate:"min=1"`
	Category         string           `json:"category,omitempty"`
	Description      string           `json:"description,omitempty"`
	Status           DefinitionStatus `json:"status"`
	Tasks            []TaskDefinition `json:"tasks" validate:"required,min=1,dive"`
	DefaultVariables map[string]any   `json:"default_variables,omitempty"`
	Settings         WorkflowSettings `json:"settings"`
	Executed         bool             `json:"executed"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Task returns the definition of the given task id, if present.
func (d *WorkflowDefinition) Task(id string) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// Validate checks structural integrity: unique task ids, prerequisites
// that reference defined tasks, and an acyclic prerequisite graph.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Tasks) == 0 {
		return fmt.Errorf("workflow %q has no tasks", d.Name)
	}

	ids := make(map[string]struct{}, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			return fmt.Errorf("workflow %q: task with empty id", d.Name)
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate task id %q", d.Name, t.ID)
		}
		ids[t.ID] = struct{}{}
	}

	indegree := make(map[string]int, len(d.Tasks))
	dependents := make(map[string][]string, len(d.Tasks))
	for _, t := range d.Tasks {
		indegree[t.ID] += 0
		for _, p := range t.Prerequisites {
			if _, ok := ids[p]; !ok {
				return fmt.Errorf("workflow %q: task %q requires unknown task %q", d.Name, t.ID, p)
			}
			if p == t.ID {
				return fmt.Errorf("workflow %q: task %q depends on itself", d.Name, t.ID)
			}
			indegree[t.ID]++
			dependents[p] = append(dependents[p], t.ID)
		}
	}

	// Kahn's algorithm; leftovers mean a cycle.
	queue := make([]string, 0, len(d.Tasks))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(d.Tasks) {
		return fmt.Errorf("workflow %q: prerequisite graph has a cycle", d.Name)
	}
	return nil
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionDraft     ExecutionStatus = "draft"
	ExecutionActive    ExecutionStatus = "active"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionExpired   ExecutionStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionExpired:
		return true
	}
	return false
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionDraft:  {ExecutionActive, ExecutionCancelled},
	ExecutionActive: {ExecutionPaused, ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionExpired},
	ExecutionPaused: {ExecutionActive, ExecutionCancelled, ExecutionExpired},
}

// CanTransition reports whether from → to is a legal status move.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// HistoryEntry is one append-only record of an execution-level event.
type HistoryEntry struct {
	At      time.Time      `json:"at"`
	Event   string         `json:"event"`
	TaskID  string         `json:"task_id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ExecutionContext carries the mutable state a workflow's tasks share.
type ExecutionContext struct {
	Variables      map[string]any `json:"variables,omitempty"`
	TriggeredBy    string         `json:"triggered_by,omitempty"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

// WorkflowExecution is one run of a definition. The three task-id sets
// are disjoint; a terminal execution is immutable.
type WorkflowExecution struct {
	ID                string           `json:"id"`
	DefinitionID      string           `json:"definition_id"`
	DefinitionVersion int              `json:"definition_version"`
	Status            ExecutionStatus  `json:"status"`
	Context           ExecutionContext `json:"context"`
	Current           []string         `json:"current,omitempty"`
	Completed         []string         `json:"completed,omitempty"`
	Failed            []string         `json:"failed,omitempty"`
	RetriedTasks      map[string]int   `json:"retried_tasks,omitempty"`
	Progress          float64          `json:"progress"`
	Error             string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func remove(set []string, id string) []string {
	out := set[:0]
	for _, s := range set {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

// InCurrent reports whether the task is currently running.
func (e *WorkflowExecution) InCurrent(taskID string) bool { return contains(e.Current, taskID) }

// InCompleted reports whether the task has completed.
func (e *WorkflowExecution) InCompleted(taskID string) bool { return contains(e.Completed, taskID) }

// InFailed reports whether the task has failed.
func (e *WorkflowExecution) InFailed(taskID string) bool { return contains(e.Failed, taskID) }

// Seen reports whether the task occupies any of the three sets.
func (e *WorkflowExecution) Seen(taskID string) bool {
	return e.InCurrent(taskID) || e.InCompleted(taskID) || e.InFailed(taskID)
}

// StartTask admits a task into the current set. It refuses tasks that
// already occupy any set, preserving set disjointness.
func (e *WorkflowExecution) StartTask(taskID string) error {
	if e.Seen(taskID) {
		return fmt.Errorf("task %q already tracked by execution %s", taskID, e.ID)
	}
	e.Current = append(e.Current, taskID)
	return nil
}

// CompleteTask moves a task from current to completed.
func (e *WorkflowExecution) CompleteTask(taskID string) error {
	if !e.InCurrent(taskID) {
		return fmt.Errorf("task %q is not current in execution %s", taskID, e.ID)
	}
	e.Current = remove(e.Current, taskID)
	e.Completed = append(e.Completed, taskID)
	return nil
}

// FailTask moves a task from current to failed.
func (e *WorkflowExecution) FailTask(taskID string) error {
	if !e.InCurrent(taskID) {
		return fmt.Errorf("task %q is not current in execution %s", taskID, e.ID)
	}
	e.Current = remove(e.Current, taskID)
	e.Failed = append(e.Failed, taskID)
	return nil
}

// RequeueTask withdraws a failed task from the failed set for one
// bounded retry. The task leaves all three sets; the next ready-set
// pass re-admits and re-dispatches it.
func (e *WorkflowExecution) RequeueTask(taskID string) error {
	if !e.InFailed(taskID) {
		return fmt.Errorf("task %q is not failed in execution %s", taskID, e.ID)
	}
	e.Failed = remove(e.Failed, taskID)
	if e.RetriedTasks == nil {
		e.RetriedTasks = make(map[string]int)
	}
	e.RetriedTasks[taskID]++
	return nil
}

// RecordHistory appends an entry to the execution's append-only log.
func (e *WorkflowExecution) RecordHistory(event, taskID, actor string, details map[string]any) {
	e.Context.History = append(e.Context.History, HistoryEntry{
		At:      time.Now().UTC(),
		Event:   event,
		TaskID:  taskID,
		Actor:   actor,
		Details: details,
	})
}

// RecomputeProgress updates Progress as the completed share of all
// defined tasks, in [0,100].
func (e *WorkflowExecution) RecomputeProgress(totalTasks int) {
	if totalTasks <= 0 {
		e.Progress = 0
		return
	}
	e.Progress = 100 * float64(len(e.Completed)) / float64(totalTasks)
	if e.Progress > 100 {
		e.Progress = 100
	}
}
