package model

import "time"

// DRTestKind names the three probe families the DR supervisor runs.
type DRTestKind string

const (
	DRBackupValidation DRTestKind = "backup_validation"
	DRFailoverTest     DRTestKind = "failover_test"
	DRRecoveryTest     DRTestKind = "recovery_test"
)

// DRSeverity grades a DR event.
type DRSeverity string

const (
	DRSeverityInfo     DRSeverity = "info"
	DRSeverityWarning  DRSeverity = "warning"
	DRSeverityCritical DRSeverity = "critical"
)

// ComponentStatus is the DR-visible health of one component.
type ComponentStatus string

const (
	ComponentHealthy ComponentStatus = "healthy"
	ComponentTesting ComponentStatus = "testing"
	ComponentWarning ComponentStatus = "warning"
	ComponentFailed  ComponentStatus = "failed"
	ComponentUnknown ComponentStatus = "unknown"
)

// DRObjective declares recovery expectations for one component.
// Priority 1 is the most critical; weight in the health score is 6 minus priority.
type DRObjective struct {
	Component string        `json:"component" validate:"required"`
	RTO       time.Duration `json:"rto" validate:"required"`
	RPO       time.Duration `json:"rpo" validate:"required"`
	Priority  int           `json:"priority" validate:"min=1,max=5"`
	Automated bool          `json:"automated"`
	Checks    []string      `json:"checks,omitempty"`
}

// DRTestResult is the immutable outcome of one probe run.
type DRTestResult struct {
	ID              string          `json:"id"`
	Component       string          `json:"component"`
	Kind            DRTestKind      `json:"kind"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	Passed          bool            `json:"passed"`
	DryRun          bool            `json:"dry_run"`
	RTOAchieved     time.Duration   `json:"rto_achieved,omitempty"`
	RPOAchieved     time.Duration   `json:"rpo_achieved,omitempty"`
	Validations     map[string]bool `json:"validations,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// DREvent is an operational incident the DR supervisor records. A
// critical event older than 24h whose component is healthy again is
// auto-resolved.
type DREvent struct {
	ID         string     `json:"id"`
	Component  string     `json:"component"`
	Severity   DRSeverity `json:"severity"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Resolved reports whether the event has been closed.
func (e *DREvent) Resolved() bool { return e.ResolvedAt != nil }

// ComponentState is the supervisor's rolling view of one component.
type ComponentState struct {
	Component  string          `json:"component"`
	Status     ComponentStatus `json:"status"`
	LastTested *time.Time      `json:"last_tested,omitempty"`
	LastResult string          `json:"last_result,omitempty"` // result id
}
