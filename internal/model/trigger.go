package model

import "time"

// TriggerKind is the closed set of event kinds the orchestrator routes.
type TriggerKind string

const (
	TriggerRegulatoryChange    TriggerKind = "regulatory_change"
	TriggerScheduled           TriggerKind = "scheduled"
	TriggerManual              TriggerKind = "manual"
	TriggerThresholdBreach     TriggerKind = "threshold_breach"
	TriggerDeadlineApproaching TriggerKind = "deadline_approaching"
	TriggerTaskCompletion      TriggerKind = "task_completion"
	TriggerApprovalRequired    TriggerKind = "approval_required"
	TriggerComplianceViolation TriggerKind = "compliance_violation"
	TriggerSystemEvent         TriggerKind = "system_event"
)

// KnownTriggerKinds lists every routable kind.
var KnownTriggerKinds = []TriggerKind{
	TriggerRegulatoryChange,
	TriggerScheduled,
	TriggerManual,
	TriggerThresholdBreach,
	TriggerDeadlineApproaching,
	TriggerTaskCompletion,
	TriggerApprovalRequired,
	TriggerComplianceViolation,
	TriggerSystemEvent,
}

// ValidTriggerKind reports whether k names a routable kind.
func ValidTriggerKind(k TriggerKind) bool {
	for _, known := range KnownTriggerKinds {
		if known == k {
			return true
		}
	}
	return false
}

// TriggerCondition is the typed predicate a trigger evaluates against
// an event payload. Fields apply per kind: MinImpactLevel gates
// regulatory_change, Metric/Threshold gate threshold_breach, TaskTypes
// restricts task_completion to named task kinds, WithinHours gates
// deadline_approaching, Match requires payload-key equality for any kind.
type TriggerCondition struct {
	MinImpactLevel ImpactLevel    `json:"min_impact_level,omitempty"`
	Metric         string         `json:"metric,omitempty"`
	Threshold      float64        `json:"threshold,omitempty"`
	TaskTypes      []string       `json:"task_types,omitempty"`
	WithinHours    int            `json:"within_hours,omitempty"`
	Match          map[string]any `json:"match,omitempty"`
}

// Trigger converts matching events into workflow starts. A trigger
// cannot fire again within Cooldown of its last firing.
type Trigger struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name" validate:"required"`
	Kind                 TriggerKind      `json:"kind" validate:"required"`
	WorkflowDefinitionID string           `json:"workflow_definition_id" validate:"required"`
	Condition            TriggerCondition `json:"condition"`
	Enabled              bool             `json:"enabled"`
	Priority             int              `json:"priority"`
	Cooldown             time.Duration    `json:"cooldown,omitempty"`
	LastFired            *time.Time       `json:"last_fired,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// InCooldown reports whether the trigger fired within its cooldown
// window before now.
func (t *Trigger) InCooldown(now time.Time) bool {
	if t.Cooldown <= 0 || t.LastFired == nil {
		return false
	}
	return now.Sub(*t.LastFired) < t.Cooldown
}
