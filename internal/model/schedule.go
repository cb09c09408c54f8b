package model

import (
	"time"
)

// ScheduledTaskKind keys the scheduler's handler registry.
type ScheduledTaskKind string

const (
	ScheduledRegulatoryMonitor ScheduledTaskKind = "regulatory_monitor"
	ScheduledComplianceCheck   ScheduledTaskKind = "compliance_check"
	ScheduledDocumentAnalysis  ScheduledTaskKind = "document_analysis"
	ScheduledRiskAssessment    ScheduledTaskKind = "risk_assessment"
	ScheduledNotificationCheck ScheduledTaskKind = "notification_check"
	ScheduledCustom            ScheduledTaskKind = "custom"
)

// ScheduledTaskStatus is the scheduler-visible state of a task. A task
// disabled after repeated failures keeps its failed status with
// Enabled=false; cancelled is terminal.
type ScheduledTaskStatus string

const (
	TaskStatusScheduled ScheduledTaskStatus = "scheduled"
	TaskStatusRunning   ScheduledTaskStatus = "running"
	TaskStatusCompleted ScheduledTaskStatus = "completed"
	TaskStatusFailed    ScheduledTaskStatus = "failed"
	TaskStatusCancelled ScheduledTaskStatus = "cancelled"
)

// ScheduledTask is a named recurring task the scheduler owns. At most
// one execution per task id is in flight at any instant.
type ScheduledTask struct {
	ID             string              `json:"id"`
	Name           string              `json:"name" validate:"required"`
	Kind           ScheduledTaskKind   `json:"kind" validate:"required"`
	Payload        map[string]any      `json:"payload,omitempty"`
	Interval       time.Duration       `json:"interval" validate:"required"`
	Priority       int                 `json:"priority,omitempty"`
	Status         ScheduledTaskStatus `json:"status"`
	FailureCount   int                 `json:"failure_count"`
	MaxFailures    int                 `json:"max_failures"`
	Timeout        time.Duration       `json:"timeout,omitempty"`
	RetryDelayBase time.Duration       `json:"retry_delay_base,omitempty"`
	Enabled        bool                `json:"enabled"`
	LastRun        *time.Time          `json:"last_run,omitempty"`
	NextRun        *time.Time          `json:"next_run,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Due reports whether the dispatcher should run the task now.
func (t *ScheduledTask) Due(now time.Time) bool {
	if !t.Enabled || t.Status == TaskStatusRunning || t.Status == TaskStatusCancelled {
		return false
	}
	return t.NextRun == nil || !now.Before(*t.NextRun)
}

// RetryDelay computes the post-failure backoff: the base delay doubled
// per prior failure, with the exponent capped at 4.
func (t *ScheduledTask) RetryDelay() time.Duration {
	base := t.RetryDelayBase
	if base <= 0 {
		base = time.Minute
	}
	exp := t.FailureCount - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 4 {
		exp = 4
	}
	return base * (1 << uint(exp))
}

// TaskExecution is the immutable record of one scheduled-task run.
type TaskExecution struct {
	ID        string              `json:"id"`
	TaskID    string              `json:"task_id"`
	Status    ScheduledTaskStatus `json:"status"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   *time.Time          `json:"ended_at,omitempty"`
	Duration  time.Duration       `json:"duration,omitempty"`
	Result    map[string]any      `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}
