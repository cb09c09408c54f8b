package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defWithTasks(tasks ...TaskDefinition) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      NewID("wfdef"),
		Name:    "test",
		Version: 1,
		Status:  DefinitionActive,
		Tasks:   tasks,
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []TaskDefinition
		wantErr string
	}{
		{
			name: "valid chain",
			tasks: []TaskDefinition{
				{ID: "a", Name: "A", Kind: TaskAutomated},
				{ID: "b", Name: "B", Kind: TaskAutomated, Prerequisites: []string{"a"}},
			},
		},
		{
			name: "valid fan in",
			tasks: []TaskDefinition{
				{ID: "a", Name: "A", Kind: TaskAutomated},
				{ID: "b", Name: "B", Kind: TaskAutomated},
				{ID: "c", Name: "C", Kind: TaskAutomated, Prerequisites: []string{"a", "b"}},
			},
		},
		{
			name:    "empty",
			tasks:   nil,
			wantErr: "no tasks",
		},
		{
			name: "duplicate id",
			tasks: []TaskDefinition{
				{ID: "a", Name: "A", Kind: TaskAutomated},
				{ID: "a", Name: "A2", Kind: TaskAutomated},
			},
			wantErr: "duplicate task id",
		},
		{
			name: "unknown prerequisite",
			tasks: []TaskDefinition{
				{ID: "a", Name: "A", Kind: TaskAutomated, Prerequisites: []string{"ghost"}},
			},
			wantErr: "unknown task",
		},
		{
			name: "self dependency",
			tasks: []TaskDefinition{
				{ID: "a", Name: "A", Kind: TaskAutomated, Prerequisites: []string{"a"}},
			},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			tasks: []TaskDefinition{
				{ID: "a", Name: "A", Kind: TaskAutomated, Prerequisites: []string{"c"}},
				{ID: "b", Name: "B", Kind: TaskAutomated, Prerequisites: []string{"a"}},
				{ID: "c", Name: "C", Kind: TaskAutomated, Prerequisites: []string{"b"}},
			},
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := defWithTasks(tt.tasks...).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExecutionSetsStayDisjoint(t *testing.T) {
	e := &WorkflowExecution{ID: "exec_1", Status: ExecutionActive}

	require.NoError(t, e.StartTask("a"))
	require.NoError(t, e.StartTask("b"))
	assert.Error(t, e.StartTask("a"), "double start must be refused")

	require.NoError(t, e.CompleteTask("a"))
	assert.False(t, e.InCurrent("a"))
	assert.True(t, e.InCompleted("a"))
	assert.Error(t, e.StartTask("a"), "completed task may not restart")

	require.NoError(t, e.FailTask("b"))
	assert.True(t, e.InFailed("b"))

	for _, id := range append(append([]string{}, e.Completed...), e.Failed...) {
		assert.False(t, e.InCurrent(id), "sets overlap on %s", id)
	}
}

func TestExecutionRequeue(t *testing.T) {
	e := &WorkflowExecution{ID: "exec_1", Status: ExecutionActive}
	require.NoError(t, e.StartTask("a"))
	require.NoError(t, e.FailTask("a"))

	require.NoError(t, e.RequeueTask("a"))
	assert.False(t, e.Seen("a"), "requeued task leaves all sets for re-admission")
	assert.Equal(t, 1, e.RetriedTasks["a"])

	assert.Error(t, e.RequeueTask("a"), "requeue of non-failed task must error")
}

func TestExecutionStatusTransitions(t *testing.T) {
	assert.True(t, ExecutionDraft.CanTransition(ExecutionActive))
	assert.True(t, ExecutionActive.CanTransition(ExecutionPaused))
	assert.True(t, ExecutionPaused.CanTransition(ExecutionActive))
	assert.True(t, ExecutionActive.CanTransition(ExecutionExpired))

	assert.False(t, ExecutionCompleted.CanTransition(ExecutionActive))
	assert.False(t, ExecutionCancelled.CanTransition(ExecutionActive))
	assert.False(t, ExecutionDraft.CanTransition(ExecutionCompleted))

	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionExpired} {
		assert.True(t, s.Terminal())
	}
	assert.False(t, ExecutionActive.Terminal())
}

func TestRecomputeProgress(t *testing.T) {
	e := &WorkflowExecution{Completed: []string{"a", "b"}}
	e.RecomputeProgress(4)
	assert.InDelta(t, 50.0, e.Progress, 1e-9)

	e.Completed = []string{"a", "b", "c", "d"}
	e.RecomputeProgress(4)
	assert.InDelta(t, 100.0, e.Progress, 1e-9)

	e.RecomputeProgress(0)
	assert.Zero(t, e.Progress)
}

func TestRecordHistoryAppends(t *testing.T) {
	e := &WorkflowExecution{}
	e.RecordHistory("task_completed", "a", "system", map[string]any{"result": "ok"})
	e.RecordHistory("task_failed", "b", "system", nil)

	require.Len(t, e.Context.History, 2)
	assert.Equal(t, "task_completed", e.Context.History[0].Event)
	assert.Equal(t, "b", e.Context.History[1].TaskID)
	assert.WithinDuration(t, time.Now().UTC(), e.Context.History[1].At, time.Minute)
}
