package orchestrator

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/notify"
)

// Due windows for the immediate tasks the fast path opens on high and
// critical impact.
const (
	reviewDue     = 7 * 24 * time.Hour
	validationDue = 14 * 24 * time.Hour
)

// Receipt is the structured outcome of the regulatory-change fast path.
// Success is false when any step raised, even if later steps went
// through.
type Receipt struct {
	DocumentID       string            `json:"document_id"`
	AssessmentID     string            `json:"assessment_id,omitempty"`
	Level            model.ImpactLevel `json:"level,omitempty"`
	Score            float64           `json:"score"`
	Cached           bool              `json:"cached,omitempty"`
	StartedWorkflows []string          `json:"started_workflows,omitempty"`
	CreatedTasks     []string          `json:"created_tasks,omitempty"`
	Notified         bool              `json:"notified"`
	Errors           []string          `json:"errors,omitempty"`
	Success          bool              `json:"success"`
}

// HandleRegulatoryChange runs the fast path for one document: assess
// it, fire the enriched regulatory_change event, open immediate review
// and validation tasks when impact is high or critical, and notify. A
// document that already has a current assessment short-circuits unless
// force is set, which keeps the path safe to invoke from both the
// poller and the pipeline for the same document. The returned error is
// non-nil only when the assessment itself failed; downstream step
// failures are collected in the receipt.
func (o *Orchestrator) HandleRegulatoryChange(ctx context.Context, doc model.RegulatoryDocument, force bool) (Receipt, error) {
	receipt := Receipt{DocumentID: doc.ID}
	err := o.track(ctx, "handle_regulatory_change", func(ctx context.Context) error {
		if doc.ID == "" {
			return errors.Validation("handle regulatory change: document id required")
		}
		if !force {
			if existing, ok := o.assessor.Current(ctx, doc.ID); ok {
				receipt.AssessmentID = existing.ID
				receipt.Level = existing.Level
				receipt.Score = existing.Score
				receipt.Cached = true
				receipt.Success = true
				return nil
			}
		}

		assessment, err := o.assessor.Assess(ctx, doc, force)
		if err != nil {
			receipt.Errors = append(receipt.Errors, err.Error())
			return errors.Wrap(errors.KindOf(err), err, "assess document %s", doc.ID)
		}
		receipt.AssessmentID = assessment.ID
		receipt.Level = assessment.Level
		receipt.Score = assessment.Score

		ev := model.NewEvent(model.TriggerRegulatoryChange, map[string]any{
			"document_id":  doc.ID,
			"impact_level": string(assessment.Level),
			"impact_score": assessment.Score,
			"title":        doc.Title,
		}, "regulatory_monitor")
		started, err := o.EmitEvent(ctx, ev)
		if err != nil {
			receipt.Errors = append(receipt.Errors, err.Error())
		}
		receipt.StartedWorkflows = started

		if assessment.Level.AtLeast(model.ImpactHigh) {
			o.openImmediateTasks(ctx, doc, assessment, &receipt)
		}

		o.notifyChange(ctx, doc, assessment, &receipt)

		receipt.Success = len(receipt.Errors) == 0
		return nil
	})
	if err != nil {
		receipt.Success = false
	}
	return receipt, err
}

// openImmediateTasks creates the review and validation pair owed to
// high and critical impact documents, due in 7 and 14 days.
func (o *Orchestrator) openImmediateTasks(ctx context.Context, doc model.RegulatoryDocument, assessment model.ImpactAssessment, receipt *Receipt) {
	if o.tasks == nil {
		return
	}
	title := doc.Title
	if title == "" {
		title = doc.ID
	}
	now := o.now().UTC()
	priority := model.PriorityFromImpact(assessment.Level)
	blueprints := []struct {
		kind  model.TaskKind
		title string
		due   time.Duration
	}{
		{model.TaskReview, "Review regulatory change: " + title, reviewDue},
		{model.TaskComplianceCheck, "Validate compliance impact: " + title, validationDue},
	}
	for _, bp := range blueprints {
		due := now.Add(bp.due)
		task, err := o.tasks.Create(ctx, model.ComplianceTask{
			Title:      bp.title,
			Category:   "regulatory_change",
			Kind:       bp.kind,
			Priority:   priority,
			Assignment: model.Assignment{DueAt: &due},
			Variables: map[string]any{
				"document_id":   doc.ID,
				"assessment_id": assessment.ID,
			},
		})
		if err != nil {
			receipt.Errors = append(receipt.Errors, err.Error())
			continue
		}
		receipt.CreatedTasks = append(receipt.CreatedTasks, task.ID)
	}
}

// notifyChange emits the outbound notification, deduplicated on the
// document id so reprocessing the same document never re-pages anyone.
func (o *Orchestrator) notifyChange(ctx context.Context, doc model.RegulatoryDocument, assessment model.ImpactAssessment, receipt *Receipt) {
	if o.notifier == nil {
		return
	}
	subject := doc.Title
	if subject == "" {
		subject = doc.ID
	}
	res, err := o.notifier.Send(ctx, notify.Event{
		Kind:     "regulatory_change",
		Severity: severityForImpact(assessment.Level),
		Subject:  "Regulatory change: " + subject,
		Body: fmt.Sprintf("Impact %s (score %.2f, confidence %.2f). %s",
			assessment.Level, assessment.Score, assessment.Confidence, assessment.Rationale),
		Tags: map[string]string{
			"document_id":   doc.ID,
			"impact_level":  string(assessment.Level),
			"assessment_id": assessment.ID,
		},
		DedupKey: doc.ID,
	})
	if err != nil {
		receipt.Errors = append(receipt.Errors, err.Error())
		return
	}
	receipt.Notified = res.Status == notify.StatusDelivered
}

// severityForImpact maps assessment levels onto notification severities.
func severityForImpact(level model.ImpactLevel) notify.Severity {
	switch level {
	case model.ImpactCritical:
		return notify.SeverityCritical
	case model.ImpactHigh:
		return notify.SeverityHigh
	case model.ImpactMedium:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
