package model

import "time"

// ImpactLevel bands the weighted assessment score.
type ImpactLevel string

const (
	ImpactNone     ImpactLevel = "none"
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

var impactRank = map[ImpactLevel]int{
	ImpactNone:     0,
	ImpactLow:      1,
	ImpactMedium:   2,
	ImpactHigh:     3,
	ImpactCritical: 4,
}

// Rank returns the level's position in the severity order; unknown
// levels rank below none.
func (l ImpactLevel) Rank() int {
	if r, ok := impactRank[l]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether l is as severe as other.
func (l ImpactLevel) AtLeast(other ImpactLevel) bool {
	return l.Rank() >= other.Rank()
}

// ImpactAssessment is the deterministic scoring of one document's
// projected business effect. At most one assessment per document is
// Current; superseded assessments are retained as history.
type ImpactAssessment struct {
	ID                    string      `json:"id"`
	DocumentID            string      `json:"document_id"`
	Level                 ImpactLevel `json:"level"`
	Score                 float64     `json:"score"`
	AffectedBusinessUnits []string    `json:"affected_business_units,omitempty"`
	AffectedSystems       []string    `json:"affected_systems,omitempty"`
	AffectedProcesses     []string    `json:"affected_processes,omitempty"`
	RequiredActions       []string    `json:"required_actions,omitempty"`
	RiskFactors           []string    `json:"risk_factors,omitempty"`
	MitigationStrategies  []string    `json:"mitigation_strategies,omitempty"`
	Confidence            float64     `json:"confidence"`
	ComplianceDeadline    *time.Time  `json:"compliance_deadline,omitempty"`
	SimilarRegulations    []string    `json:"similar_regulations,omitempty"`
	Rationale             string      `json:"rationale,omitempty"`
	Current               bool        `json:"current"`
	AssessedAt            time.Time   `json:"assessed_at"`
}
