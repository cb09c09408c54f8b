package supervisor

import (
	"context"
	"fmt"

	"vigil/internal/apm"
	"vigil/internal/errors"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
)

// eventBridge adapts the orchestrator to the poller's event sink. A
// regulatory_change event is upgraded to the fast path so the document
// is assessed before any trigger sees it; every other kind routes
// straight into trigger matching.
type eventBridge struct {
	s *Supervisor
}

func (b eventBridge) EmitEvent(ctx context.Context, ev model.Event) error {
	if ev.Kind == model.TriggerRegulatoryChange {
		id, _ := ev.Payload["document_id"].(string)
		if id == "" {
			return errors.Validation("regulatory_change event without document_id")
		}
		doc, err := store.GetTyped[model.RegulatoryDocument](ctx, b.s.store, store.KindDocument, id)
		if err != nil {
			return errors.Wrap(errors.KindOf(err), err, "load document %s", id)
		}
		_, err = b.s.orch.HandleRegulatoryChange(ctx, doc, false)
		return err
	}
	_, err := b.s.orch.EmitEvent(ctx, ev)
	return err
}

// onDocumentExtracted re-enters the fast path once extraction lands the
// full text. A document the poller event already assessed short-circuits
// on its current assessment, so the double invocation stays cheap.
func (s *Supervisor) onDocumentExtracted(ctx context.Context, doc model.RegulatoryDocument) {
	if _, err := s.orch.HandleRegulatoryChange(ctx, doc, false); err != nil {
		s.logger.Warn("fast path failed after extraction",
			"document_id", doc.ID, "error", err)
	}
}

// forwardAlert mirrors monitor alerts into the notification stream. The
// monitor already detaches the callback from its sampling goroutine.
func (s *Supervisor) forwardAlert(alert apm.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()
	_, err := s.center.Send(ctx, notify.Event{
		Kind:     alert.Kind,
		Severity: notify.Severity(alert.Severity),
		Subject:  alert.Subject,
		Body:     alert.Body,
		Tags:     alert.Tags,
		DedupKey: alert.DedupKey,
		At:       alert.At,
	})
	if err != nil {
		s.logger.Warn("alert delivery failed", "kind", alert.Kind, "error", err)
	}
}

// forwardDREvent mirrors DR incidents into the notification stream. The
// DR supervisor already detaches the callback from its probe goroutine.
func (s *Supervisor) forwardDREvent(ev model.DREvent) {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()
	_, err := s.center.Send(ctx, notify.Event{
		Kind:     "dr_event",
		Severity: severityForDR(ev.Severity),
		Subject:  fmt.Sprintf("DR event on %s", ev.Component),
		Body:     ev.Message,
		Tags:     map[string]string{"component": ev.Component, "event_id": ev.ID},
		DedupKey: ev.ID,
		At:       ev.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("dr event delivery failed", "event_id", ev.ID, "error", err)
	}
}

func severityForDR(sev model.DRSeverity) notify.Severity {
	switch sev {
	case model.DRSeverityCritical:
		return notify.SeverityCritical
	case model.DRSeverityWarning:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}

// onSourceDegraded records a DR incident when a source crosses its
// failure threshold. Fires on the worker goroutine, once per
// healthy-to-degraded edge.
func (s *Supervisor) onSourceDegraded(sourceID string, failures int, lastErr error) {
	msg := fmt.Sprintf("source %s degraded after %d consecutive failures", sourceID, failures)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()
	if _, err := s.dr.RecordIncident(ctx, "poller", model.DRSeverityWarning, msg); err != nil {
		s.logger.Warn("degraded-source incident failed", "source_id", sourceID, "error", err)
	}
}

// onScheduledTaskDisabled records a DR incident when the scheduler parks
// a task at its failure cap.
func (s *Supervisor) onScheduledTaskDisabled(task model.ScheduledTask, lastErr error) {
	msg := fmt.Sprintf("scheduled task %s (%s) disabled after %d failures",
		task.Name, task.ID, task.FailureCount)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()
	if _, err := s.dr.RecordIncident(ctx, "scheduler", model.DRSeverityWarning, msg); err != nil {
		s.logger.Warn("disabled-task incident failed", "task_id", task.ID, "error", err)
	}
}

// emitEventAutomation lets workflow tasks fire follow-up events. Params:
// kind (required), payload (object), actor (defaults to the execution).
func (s *Supervisor) emitEventAutomation(ctx context.Context, exec model.WorkflowExecution, params map[string]any) (map[string]any, error) {
	kind, _ := params["kind"].(string)
	if kind == "" {
		return nil, errors.Validation("emit_event automation needs a kind")
	}
	payload, _ := params["payload"].(map[string]any)
	actor, _ := params["actor"].(string)
	if actor == "" {
		actor = "workflow:" + exec.ID
	}
	started, err := s.orch.EmitEvent(ctx, model.NewEvent(model.TriggerKind(kind), payload, actor))
	if err != nil {
		return nil, err
	}
	return map[string]any{"started_executions": started}, nil
}
