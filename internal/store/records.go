package store

import "vigil/internal/model"

// Typed record builders. Every writer of an entity goes through these so
// the secondary-index fields stay identical across subsystems; a record
// written with a stale index map would silently vanish from queries.

// SourceRecord encodes a regulatory source.
func SourceRecord(s model.RegulatorySource) (Record, error) {
	return Marshal(KindSource, s.ID, s, map[string]string{
		IdxKind:    string(s.Kind),
		IdxEnabled: BoolIndex(s.Active),
	})
}

// DocumentRecord encodes a regulatory document. The source_external index
// carries the natural dedup key alongside the hash-derived primary id.
func DocumentRecord(d model.RegulatoryDocument) (Record, error) {
	return Marshal(KindDocument, d.ID, d, map[string]string{
		IdxSourceExternal: d.DedupKey(),
		IdxSourceID:       d.SourceID,
		IdxStatus:         string(d.Status),
	})
}

// AssessmentRecord encodes an impact assessment.
func AssessmentRecord(a model.ImpactAssessment) (Record, error) {
	return Marshal(KindAssessment, a.ID, a, map[string]string{
		IdxDocumentID: a.DocumentID,
		IdxCurrent:    BoolIndex(a.Current),
	})
}

// DefinitionRecord encodes a workflow definition.
func DefinitionRecord(d model.WorkflowDefinition) (Record, error) {
	return Marshal(KindWorkflowDefinition, d.ID, d, map[string]string{
		IdxStatus: string(d.Status),
	})
}

// ExecutionRecord encodes a workflow execution.
func ExecutionRecord(e model.WorkflowExecution) (Record, error) {
	return Marshal(KindWorkflowExecution, e.ID, e, map[string]string{
		IdxDefinitionID: e.DefinitionID,
		IdxStatus:       string(e.Status),
	})
}

// ComplianceTaskRecord encodes a compliance task.
func ComplianceTaskRecord(t model.ComplianceTask) (Record, error) {
	return Marshal(KindComplianceTask, t.ID, t, map[string]string{
		IdxWorkflowID: t.WorkflowID,
		IdxStatus:     string(t.Status),
		IdxParentID:   t.ParentID,
		IdxAssignee:   t.Assignment.AssigneeID,
	})
}

// ScheduledTaskRecord encodes a scheduled task.
func ScheduledTaskRecord(t model.ScheduledTask) (Record, error) {
	return Marshal(KindScheduledTask, t.ID, t, map[string]string{
		IdxStatus:  string(t.Status),
		IdxKind:    string(t.Kind),
		IdxEnabled: BoolIndex(t.Enabled),
	})
}

// TaskRunRecord encodes one immutable scheduled-task run.
func TaskRunRecord(r model.TaskExecution) (Record, error) {
	return Marshal(KindTaskExecution, r.ID, r, map[string]string{
		IdxTaskID: r.TaskID,
		IdxStatus: string(r.Status),
	})
}

// TriggerRecord encodes a trigger registration.
func TriggerRecord(t model.Trigger) (Record, error) {
	return Marshal(KindTrigger, t.ID, t, map[string]string{
		IdxKind:    string(t.Kind),
		IdxEnabled: BoolIndex(t.Enabled),
	})
}

// DRResultRecord encodes one DR probe outcome.
func DRResultRecord(r model.DRTestResult) (Record, error) {
	return Marshal(KindDRResult, r.ID, r, map[string]string{
		IdxComponent: r.Component,
		IdxKind:      string(r.Kind),
	})
}

// DREventRecord encodes one DR incident.
func DREventRecord(e model.DREvent) (Record, error) {
	return Marshal(KindDREvent, e.ID, e, map[string]string{
		IdxComponent: e.Component,
		IdxSeverity:  string(e.Severity),
		IdxResolved:  BoolIndex(e.Resolved()),
	})
}
