package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/pipeline"
	"vigil/internal/store"
)

const (
	// deadlineLookahead caps how far ahead the deadline scan emits
	// events; triggers narrow it further with their within_hours
	// condition.
	deadlineLookahead = 7 * 24 * time.Hour

	// requeueGrace keeps the document requeue sweep from re-enqueueing
	// work the pipeline is already holding.
	requeueGrace = 10 * time.Minute

	// backfillWindow bounds how far back the assessment backfill looks
	// for documents that missed the fast path.
	backfillWindow = 48 * time.Hour
)

// builtinTasks are the recurring housekeeping jobs every deployment
// runs. Fixed ids make the boot-time seed idempotent across restarts.
func builtinTasks() []model.ScheduledTask {
	return []model.ScheduledTask{
		{ID: "sched_source_health", Name: "source-health-report",
			Kind: model.ScheduledRegulatoryMonitor, Interval: 30 * time.Minute},
		{ID: "sched_deadline_sweep", Name: "compliance-deadline-sweep",
			Kind: model.ScheduledComplianceCheck, Interval: 15 * time.Minute},
		{ID: "sched_document_requeue", Name: "stuck-document-requeue",
			Kind: model.ScheduledDocumentAnalysis, Interval: 30 * time.Minute},
		{ID: "sched_assessment_backfill", Name: "assessment-backfill",
			Kind: model.ScheduledRiskAssessment, Interval: time.Hour},
		{ID: "sched_deadline_events", Name: "deadline-event-scan",
			Kind: model.ScheduledNotificationCheck, Interval: time.Hour},
	}
}

// seedScheduledTasks registers the built-ins after scheduler recovery;
// an id the recovery already loaded comes back as a conflict and is
// left alone.
func (s *Supervisor) seedScheduledTasks(ctx context.Context) error {
	for _, task := range builtinTasks() {
		if _, err := s.sched.Register(ctx, task); err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return errors.Wrap(errors.KindOf(err), err, "seed scheduled task %s", task.ID)
		}
	}
	return nil
}

// registerHandlers binds the closed scheduled-task kinds to their
// subsystem sweeps.
func (s *Supervisor) registerHandlers() {
	s.registry.Register(model.ScheduledRegulatoryMonitor, s.reportSourceHealth)
	s.registry.Register(model.ScheduledComplianceCheck, s.sweepCompliance)
	s.registry.Register(model.ScheduledDocumentAnalysis, s.requeueStuckDocuments)
	s.registry.Register(model.ScheduledRiskAssessment, s.backfillAssessments)
	s.registry.Register(model.ScheduledNotificationCheck, s.scanDeadlines)
}

// reportSourceHealth snapshots poller health into the run record and
// raises a fleet-level incident when every source is degraded at once.
// Single-source degradation already arrives through the degraded hook.
func (s *Supervisor) reportSourceHealth(ctx context.Context, _ model.ScheduledTask) (map[string]any, error) {
	health := s.poller.Health()
	var degraded []string
	var ingested int64
	for _, h := range health {
		if h.Degraded {
			degraded = append(degraded, h.SourceID)
		}
		ingested += h.DocumentsIngested
	}
	if len(health) > 0 && len(degraded) == len(health) {
		msg := fmt.Sprintf("all %d sources degraded", len(health))
		if _, err := s.dr.RecordIncident(ctx, "poller", model.DRSeverityCritical, msg); err != nil {
			s.logger.Warn("fleet incident failed", "error", err)
		}
	}
	return map[string]any{
		"sources":            len(health),
		"degraded":           strings.Join(degraded, ","),
		"documents_ingested": ingested,
	}, nil
}

// sweepCompliance enforces deadlines: past-due compliance tasks move to
// overdue and executions past their max duration are failed.
func (s *Supervisor) sweepCompliance(ctx context.Context, _ model.ScheduledTask) (map[string]any, error) {
	marked, err := s.tasks.SweepOverdue(ctx)
	if err != nil {
		return nil, err
	}
	expired, err := s.engine.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"marked_overdue": marked, "expired_executions": expired}, nil
}

// requeueStuckDocuments re-enqueues documents parked in pending past the
// grace window: enqueues dropped beyond the poller's deferred cap, or
// lost with a worker crash. Inline-only documents are left for the
// poller's own deferred replay since their bytes never hit the store.
func (s *Supervisor) requeueStuckDocuments(ctx context.Context, _ model.ScheduledTask) (map[string]any, error) {
	rows, err := store.QueryTyped[model.RegulatoryDocument](
		ctx, s.store, store.KindDocument, store.IdxStatus, string(model.DocumentPending))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	requeued := 0
	for _, doc := range rows {
		if doc.URL == "" || now.Sub(doc.FetchedAt) < requeueGrace {
			continue
		}
		if !s.pipeline.Accepting() {
			break
		}
		job := pipeline.Job{
			DocumentID: doc.ID,
			Input:      pipeline.Input{URL: doc.URL, DeclaredType: doc.ContentType},
		}
		if err := s.pipeline.Enqueue(job); err != nil {
			break
		}
		requeued++
	}
	return map[string]any{"pending": len(rows), "requeued": requeued}, nil
}

// backfillAssessments runs the fast path for recently extracted
// documents that never got an assessment, closing the crash window
// between ingest and assessment.
func (s *Supervisor) backfillAssessments(ctx context.Context, _ model.ScheduledTask) (map[string]any, error) {
	now := time.Now().UTC()
	scanned, assessed := 0, 0
	for _, status := range []model.DocumentStatus{model.DocumentProcessed, model.DocumentIndexed} {
		rows, err := store.QueryTyped[model.RegulatoryDocument](
			ctx, s.store, store.KindDocument, store.IdxStatus, string(status))
		if err != nil {
			return nil, err
		}
		for _, doc := range rows {
			if now.Sub(doc.FetchedAt) > backfillWindow {
				continue
			}
			scanned++
			if _, ok := s.orch.Assessor().Current(ctx, doc.ID); ok {
				continue
			}
			if _, err := s.orch.HandleRegulatoryChange(ctx, doc, false); err != nil {
				s.logger.Warn("assessment backfill failed",
					"document_id", doc.ID, "error", err)
				continue
			}
			assessed++
		}
	}
	return map[string]any{"scanned": scanned, "assessed": assessed}, nil
}

// scanDeadlines emits deadline_approaching events for open tasks coming
// due, leaving window membership to each trigger's within_hours.
func (s *Supervisor) scanDeadlines(ctx context.Context, _ model.ScheduledTask) (map[string]any, error) {
	now := time.Now().UTC()
	emitted := 0
	for _, status := range []model.TaskStatus{model.TaskPending, model.TaskAssigned, model.TaskInProgress} {
		rows, err := store.QueryTyped[model.ComplianceTask](
			ctx, s.store, store.KindComplianceTask, store.IdxStatus, string(status))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			due := row.Assignment.DueAt
			if due == nil || due.Before(now) || due.Sub(now) > deadlineLookahead {
				continue
			}
			ev := model.NewEvent(model.TriggerDeadlineApproaching, map[string]any{
				"task_id":  row.ID,
				"title":    row.Title,
				"deadline": due.UTC().Format(time.RFC3339),
				"priority": string(row.Priority),
			}, "scheduler")
			if _, err := s.orch.EmitEvent(ctx, ev); err != nil {
				s.logger.Warn("deadline event rejected", "task_id", row.ID, "error", err)
				continue
			}
			emitted++
		}
	}
	return map[string]any{"emitted": emitted}, nil
}
