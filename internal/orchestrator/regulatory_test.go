package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
	"vigil/internal/store/memstore"
)

type fakeTasks struct {
	mu    sync.Mutex
	tasks []model.ComplianceTask
	err   error
}

func (f *fakeTasks) Create(ctx context.Context, task model.ComplianceTask) (model.ComplianceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.ComplianceTask{}, f.err
	}
	task.ID = model.NewID("task")
	task.Status = model.TaskPending
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *fakeTasks) created() []model.ComplianceTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ComplianceTask(nil), f.tasks...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
	status string
}

func (f *fakeNotifier) Send(ctx context.Context, ev notify.Event) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notify.Result{}, f.err
	}
	f.events = append(f.events, ev)
	status := f.status
	if status == "" {
		status = notify.StatusDelivered
	}
	return notify.Result{EventID: ev.ID, Kind: ev.Kind, Status: status, At: ev.At}, nil
}

func (f *fakeNotifier) sent() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Event(nil), f.events...)
}

// failingStore wraps a real store and fails every transaction, which
// knocks out assessment persistence without touching reads.
type failingStore struct {
	store.Store
	txErr error
}

func (f *failingStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return f.txErr
}

func highImpactFixture(t *testing.T, base time.Time) (*Orchestrator, *fakeStarter, *fakeTasks, *fakeNotifier) {
	t.Helper()
	st := memstore.New()
	starter := &fakeStarter{}
	tasks := &fakeTasks{}
	notifier := &fakeNotifier{}
	cfg := config.OrchestratorConfig{DefaultCooldownSeconds: 60}
	assessor := NewAssessor(cfg, st, logging.Nop(), WithAssessorClock(func() time.Time { return base }))
	o := New(cfg, st, starter, assessor, logging.Nop(),
		WithTasks(tasks),
		WithNotifier(notifier),
		WithClock(func() time.Time { return base }),
	)

	_, err := o.RegisterTrigger(context.Background(), model.Trigger{
		Name:                 "regulatory-response",
		Kind:                 model.TriggerRegulatoryChange,
		WorkflowDefinitionID: "wf_reg",
		Condition:            model.TriggerCondition{MinImpactLevel: model.ImpactHigh},
	})
	require.NoError(t, err)
	return o, starter, tasks, notifier
}

func TestHandleRegulatoryChangeHighImpact(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	o, starter, tasks, notifier := highImpactFixture(t, base)

	doc := model.RegulatoryDocument{
		ID:       model.DocumentID("sec", "X"),
		SourceID: "sec",
		Title:    "Final Rule on X",
	}
	receipt, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.NoError(t, err)

	assert.True(t, receipt.Success)
	assert.False(t, receipt.Cached)
	assert.Equal(t, doc.ID, receipt.DocumentID)
	assert.Equal(t, model.ImpactHigh, receipt.Level)
	assert.InDelta(t, 0.6125, receipt.Score, 1e-9)
	assert.Len(t, receipt.StartedWorkflows, 1)
	assert.Len(t, receipt.CreatedTasks, 2)
	assert.True(t, receipt.Notified)
	assert.Empty(t, receipt.Errors)

	calls := starter.started()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf_reg", calls[0].definitionID)
	assert.Equal(t, "regulatory_monitor", calls[0].triggeredBy)
	assert.Equal(t, "high", calls[0].vars["impact_level"])
	assert.Equal(t, doc.ID, calls[0].vars["document_id"])
	assert.Equal(t, "regulatory_change", calls[0].payload["trigger_kind"])

	created := tasks.created()
	require.Len(t, created, 2)
	review, validation := created[0], created[1]
	assert.Equal(t, model.TaskReview, review.Kind)
	assert.Equal(t, "Review regulatory change: Final Rule on X", review.Title)
	assert.Equal(t, model.PriorityHigh, review.Priority)
	require.NotNil(t, review.Assignment.DueAt)
	assert.True(t, review.Assignment.DueAt.Equal(base.Add(7*24*time.Hour)))
	assert.Equal(t, doc.ID, review.Variables["document_id"])
	assert.Equal(t, receipt.AssessmentID, review.Variables["assessment_id"])

	assert.Equal(t, model.TaskComplianceCheck, validation.Kind)
	require.NotNil(t, validation.Assignment.DueAt)
	assert.True(t, validation.Assignment.DueAt.Equal(base.Add(14*24*time.Hour)))

	sent := notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.SeverityHigh, sent[0].Severity)
	assert.Equal(t, doc.ID, sent[0].DedupKey)
	assert.Equal(t, doc.ID, sent[0].Tags["document_id"])
	assert.Contains(t, sent[0].Subject, "Final Rule on X")
}

func TestHandleRegulatoryChangeLowImpactSkipsTasks(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	o, starter, tasks, notifier := highImpactFixture(t, base)

	doc := model.RegulatoryDocument{
		ID:       model.DocumentID("sec", "memo-17"),
		SourceID: "sec",
		Title:    "Routine staff notice",
	}
	receipt, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.NoError(t, err)

	assert.True(t, receipt.Success)
	assert.Equal(t, model.ImpactNone, receipt.Level)
	assert.Empty(t, receipt.StartedWorkflows)
	assert.Empty(t, receipt.CreatedTasks)
	assert.Empty(t, starter.started())
	assert.Empty(t, tasks.created())

	// The notification still goes out so reviewers can see the triage.
	assert.True(t, receipt.Notified)
	sent := notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.SeverityInfo, sent[0].Severity)
}

func TestHandleRegulatoryChangeIdempotent(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	o, starter, tasks, notifier := highImpactFixture(t, base)

	doc := model.RegulatoryDocument{
		ID:       model.DocumentID("sec", "X"),
		SourceID: "sec",
		Title:    "Final Rule on X",
	}
	first, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.True(t, second.Success)
	assert.Equal(t, first.AssessmentID, second.AssessmentID)
	assert.Empty(t, second.StartedWorkflows)
	assert.Len(t, starter.started(), 1)
	assert.Len(t, tasks.created(), 2)
	assert.Len(t, notifier.sent(), 1)

	forced, err := o.HandleRegulatoryChange(ctx, doc, true)
	require.NoError(t, err)
	assert.False(t, forced.Cached)
	assert.NotEqual(t, first.AssessmentID, forced.AssessmentID)
	assert.Len(t, tasks.created(), 4)
	assert.Len(t, notifier.sent(), 2)
}

func TestHandleRegulatoryChangeCollectsStepErrors(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	o, _, tasks, notifier := highImpactFixture(t, base)
	tasks.err = errors.Transient("task backend down")

	doc := model.RegulatoryDocument{
		ID:       model.DocumentID("sec", "X"),
		SourceID: "sec",
		Title:    "Final Rule on X",
	}
	receipt, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.NoError(t, err)

	assert.False(t, receipt.Success)
	assert.Len(t, receipt.Errors, 2)
	assert.Empty(t, receipt.CreatedTasks)
	// Remaining steps still ran.
	assert.Len(t, receipt.StartedWorkflows, 1)
	assert.True(t, receipt.Notified)
	assert.Len(t, notifier.sent(), 1)
}

func TestHandleRegulatoryChangeNotifierFailure(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	o, _, tasks, notifier := highImpactFixture(t, base)
	notifier.err = errors.Transient("webhook unreachable")

	doc := model.RegulatoryDocument{
		ID:       model.DocumentID("sec", "X"),
		SourceID: "sec",
		Title:    "Final Rule on X",
	}
	receipt, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.NoError(t, err)

	assert.False(t, receipt.Success)
	assert.False(t, receipt.Notified)
	assert.Len(t, receipt.Errors, 1)
	assert.Len(t, receipt.CreatedTasks, 2)
	assert.Len(t, tasks.created(), 2)
}

func TestHandleRegulatoryChangeAssessmentFailure(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	st := &failingStore{Store: memstore.New(), txErr: errors.Transient("store offline")}
	cfg := config.OrchestratorConfig{}
	assessor := NewAssessor(cfg, st, logging.Nop(), WithAssessorClock(func() time.Time { return base }))
	o := New(cfg, st, &fakeStarter{}, assessor, logging.Nop())

	doc := model.RegulatoryDocument{
		ID:    model.DocumentID("sec", "X"),
		Title: "Final Rule on X",
	}
	receipt, err := o.HandleRegulatoryChange(ctx, doc, false)
	require.Error(t, err)
	assert.False(t, receipt.Success)
	assert.NotEmpty(t, receipt.Errors)
	assert.Empty(t, receipt.StartedWorkflows)
}

func TestHandleRegulatoryChangeRequiresDocumentID(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	o, _, _, _ := highImpactFixture(t, base)

	_, err := o.HandleRegulatoryChange(ctx, model.RegulatoryDocument{Title: "orphan"}, false)
	assert.True(t, errors.IsValidation(err))
}

func TestSeverityForImpact(t *testing.T) {
	assert.Equal(t, notify.SeverityCritical, severityForImpact(model.ImpactCritical))
	assert.Equal(t, notify.SeverityHigh, severityForImpact(model.ImpactHigh))
	assert.Equal(t, notify.SeverityWarning, severityForImpact(model.ImpactMedium))
	assert.Equal(t, notify.SeverityInfo, severityForImpact(model.ImpactLow))
	assert.Equal(t, notify.SeverityInfo, severityForImpact(model.ImpactNone))
}
