package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store/memstore"
	"vigil/internal/workflow"
)

func TestArmIsIdempotentPerWorkflowTask(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_1", DefinitionTaskID: "review",
		Title: "Review controls", Kind: model.TaskReview,
		Assignment: model.Assignment{AssigneeID: "ops", AssigneeKind: "team"},
	})
	require.NoError(t, err)

	// Recovery re-arms everything current; the live instance is reused.
	again, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_1", DefinitionTaskID: "review",
		Title: "Review controls", Kind: model.TaskReview,
	})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	rows, err := m.List(ctx, Filter{WorkflowID: "wfexec_1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.TaskAssigned, rows[0].Status)
	assert.Equal(t, "workflow", rows[0].Assignment.AssignedBy)

	other, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_1", DefinitionTaskID: "file",
		Title: "Submit filing", Kind: model.TaskFiling,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestArmRejectsUnboundTasks(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, model.ComplianceTask{Title: "No workflow"})
	assert.True(t, errors.IsValidation(err))

	_, err = m.Arm(ctx, model.ComplianceTask{Title: "No task id", WorkflowID: "wfexec_1"})
	assert.True(t, errors.IsValidation(err))
}

func TestArmAnnouncesApproversAndAssignees(t *testing.T) {
	m, _, fn := newTestManager(t)
	ctx := context.Background()

	id, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_2", DefinitionTaskID: "approve",
		Title: "Approve filing", Kind: model.TaskApproval,
		Priority:         model.PriorityMedium,
		RequiredApproval: 2,
		Approvals: []model.Approval{
			{Key: "filing", Approver: "cco"},
			{Key: "filing", Approver: "deputy"},
		},
	})
	require.NoError(t, err)

	requests := fn.byKind("approval_requested")
	require.Len(t, requests, 2)
	approvers := map[string]bool{}
	for _, ev := range requests {
		approvers[ev.Tags["approver"]] = true
		assert.Equal(t, "wfexec_2", ev.Tags["execution_id"])
		assert.Equal(t, "filing", ev.Tags["key"])
		assert.Contains(t, ev.DedupKey, id)
	}
	assert.True(t, approvers["cco"])
	assert.True(t, approvers["deputy"])

	_, err = m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_2", DefinitionTaskID: "file",
		Title: "Submit filing", Kind: model.TaskFiling,
		Assignment: model.Assignment{AssigneeID: "legal", AssigneeKind: "team"},
	})
	require.NoError(t, err)

	assigned := fn.byKind("task_assigned")
	require.Len(t, assigned, 1)
	assert.Equal(t, "legal", assigned[0].Tags["assignee"])

	// Re-arming an existing instance announces nothing.
	_, err = m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_2", DefinitionTaskID: "approve",
		Title: "Approve filing", Kind: model.TaskApproval,
	})
	require.NoError(t, err)
	assert.Len(t, fn.byKind("approval_requested"), 2)
}

func TestCancelForExecutionClosesLiveTasks(t *testing.T) {
	m, ws, _ := newTestManager(t)
	ctx := context.Background()

	approveID, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_3", DefinitionTaskID: "approve",
		Title: "Approve plan", Kind: model.TaskApproval,
		RequiredApproval: 2,
		Approvals: []model.Approval{
			{Key: "plan", Approver: "cco"},
			{Key: "plan", Approver: "deputy"},
		},
	})
	require.NoError(t, err)
	reviewID, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_3", DefinitionTaskID: "review",
		Title: "Review plan", Kind: model.TaskReview,
	})
	require.NoError(t, err)
	doneID, err := m.Arm(ctx, model.ComplianceTask{
		WorkflowID: "wfexec_3", DefinitionTaskID: "draft",
		Title: "Draft plan", Kind: model.TaskManual,
	})
	require.NoError(t, err)

	_, err = m.RecordApproval(ctx, approveID, "cco", true, "fine by me")
	require.NoError(t, err)
	_, err = m.Complete(ctx, doneID, "alice", nil)
	require.NoError(t, err)
	callsBefore := len(ws.completions()) + len(ws.failures())

	require.NoError(t, m.CancelForExecution(ctx, "wfexec_3", "workflow cancelled"))

	got, err := m.Get(ctx, approveID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.Status)
	assert.Equal(t, "workflow cancelled", got.Error)
	// The decision already recorded survives as audit history.
	require.Len(t, got.Approvals, 2)
	assert.True(t, got.Approvals[0].Granted)
	require.NotNil(t, got.Approvals[0].DecidedAt)

	got, err = m.Get(ctx, reviewID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.Status)

	got, err = m.Get(ctx, doneID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)

	// The execution is already terminal; nothing reports back.
	assert.Equal(t, callsBefore, len(ws.completions())+len(ws.failures()))
}

// The round trip below binds a real engine to the manager: the engine
// arms instances through the sink, approvals and completions flow back
// through the callbacks, and the execution advances to completion.
func TestWorkflowRoundTrip(t *testing.T) {
	st := memstore.New()
	m := NewManager(st, logging.Nop())
	eng := workflow.New(st, logging.Nop(), workflow.WithTaskSink(m))
	m.BindWorkflow(eng)
	ctx := context.Background()

	defID, err := eng.Definitions().Register(ctx, model.WorkflowDefinition{
		Name:     "filing approval",
		Category: "filings",
		Tasks: []model.TaskDefinition{
			{
				ID: "approve", Name: "Approve filing", Kind: model.TaskApproval,
				Approval: &model.ApprovalConfig{Key: "filing", Approvers: []string{"cco"}, Quorum: 1},
			},
			{
				ID: "file", Name: "Submit filing", Kind: model.TaskFiling,
				Prerequisites: []string{"approve"},
				Assignment:    &model.AssignmentSpec{AssigneeID: "legal", AssigneeKind: "team"},
			},
		},
	})
	require.NoError(t, err)

	exec, err := eng.Start(ctx, defID, "test", nil, nil)
	require.NoError(t, err)

	inst, err := m.FindByWorkflowTask(ctx, exec.ID, "approve")
	require.NoError(t, err)
	assert.Equal(t, model.TaskApproval, inst.Kind)
	assert.Equal(t, 1, inst.RequiredApproval)
	require.Len(t, inst.Approvals, 1)
	assert.Equal(t, "cco", inst.Approvals[0].Approver)

	_, err = m.RecordApproval(ctx, inst.ID, "cco", true, "reviewed draft")
	require.NoError(t, err)

	got, err := eng.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, got.InCompleted("approve"))
	assert.Equal(t, true, got.Context.Variables[workflow.ApprovalVariable("filing")])
	assert.Equal(t, model.ExecutionActive, got.Status)

	fileInst, err := m.FindByWorkflowTask(ctx, exec.ID, "file")
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssigned, fileInst.Status)
	assert.Equal(t, "legal", fileInst.Assignment.AssigneeID)

	_, err = m.Complete(ctx, fileInst.ID, "legal", map[string]any{"receipt": "rcpt_1"})
	require.NoError(t, err)

	got, err = eng.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, "rcpt_1", got.Context.Variables["receipt"])
}

func TestWorkflowRoundTripCancellation(t *testing.T) {
	st := memstore.New()
	m := NewManager(st, logging.Nop())
	eng := workflow.New(st, logging.Nop(), workflow.WithTaskSink(m))
	m.BindWorkflow(eng)
	ctx := context.Background()

	defID, err := eng.Definitions().Register(ctx, model.WorkflowDefinition{
		Name: "long remediation",
		Tasks: []model.TaskDefinition{
			{
				ID: "remediate", Name: "Remediate finding", Kind: model.TaskManual,
				Assignment: &model.AssignmentSpec{AssigneeID: "ops"},
			},
		},
	})
	require.NoError(t, err)

	exec, err := eng.Start(ctx, defID, "test", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, exec.ID, "admin", "superseded"))

	inst, err := m.FindByWorkflowTask(ctx, exec.ID, "remediate")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, inst.Status)
	assert.Contains(t, inst.Error, "cancelled")
}

func TestWorkflowRoundTripTaskFailureStopsExecution(t *testing.T) {
	st := memstore.New()
	m := NewManager(st, logging.Nop())
	eng := workflow.New(st, logging.Nop(), workflow.WithTaskSink(m))
	m.BindWorkflow(eng)
	ctx := context.Background()

	defID, err := eng.Definitions().Register(ctx, model.WorkflowDefinition{
		Name: "strict filing",
		Tasks: []model.TaskDefinition{
			{ID: "file", Name: "Submit filing", Kind: model.TaskFiling,
				Assignment: &model.AssignmentSpec{AssigneeID: "legal"}},
			{ID: "confirm", Name: "Confirm receipt", Kind: model.TaskManual,
				Prerequisites: []string{"file"},
				Assignment:    &model.AssignmentSpec{AssigneeID: "legal"}},
		},
	})
	require.NoError(t, err)

	exec, err := eng.Start(ctx, defID, "test", nil, nil)
	require.NoError(t, err)

	inst, err := m.FindByWorkflowTask(ctx, exec.ID, "file")
	require.NoError(t, err)
	_, err = m.Fail(ctx, inst.ID, "legal", "portal outage")
	require.NoError(t, err)

	got, err := eng.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Contains(t, got.Error, "portal outage")
}
