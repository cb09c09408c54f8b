package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/model"
	"vigil/internal/store"
	"vigil/internal/store/memstore"
)

func TestSeedScheduledTasksIdempotent(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)
	startSupervisor(t, sup)

	for _, task := range builtinTasks() {
		got, err := sup.sched.Get(task.ID)
		require.NoError(t, err, "built-in %s not registered", task.ID)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, task.Interval, got.Interval)
	}

	// A second seed pass conflicts on every id and changes nothing.
	require.NoError(t, sup.seedScheduledTasks(context.Background()))
}

func TestSweepComplianceMarksOverdue(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	late, err := sup.tasks.Create(ctx, model.ComplianceTask{
		Title:      "File amended Form ADV",
		Kind:       model.TaskFiling,
		Assignment: model.Assignment{DueAt: &past},
	})
	require.NoError(t, err)

	out, err := sup.sweepCompliance(ctx, model.ScheduledTask{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["marked_overdue"])
	assert.Equal(t, 0, out["expired_executions"])

	got, err := store.GetTyped[model.ComplianceTask](ctx, st, store.KindComplianceTask, late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskOverdue, got.Status)
}

func TestRequeueStuckDocuments(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)
	ctx := context.Background()

	now := time.Now().UTC()
	docs := []model.RegulatoryDocument{
		{ID: "doc_stale", SourceID: "sec", ExternalID: "a", Title: "stale",
			URL: "http://example.com/a", Status: model.DocumentPending,
			FetchedAt: now.Add(-time.Hour)},
		{ID: "doc_fresh", SourceID: "sec", ExternalID: "b", Title: "fresh",
			URL: "http://example.com/b", Status: model.DocumentPending,
			FetchedAt: now.Add(-time.Minute)},
		{ID: "doc_inline", SourceID: "sec", ExternalID: "c", Title: "inline",
			Status: model.DocumentPending, FetchedAt: now.Add(-time.Hour)},
	}
	for _, doc := range docs {
		rec, err := store.DocumentRecord(doc)
		require.NoError(t, err)
		require.NoError(t, st.Upsert(ctx, rec))
	}

	out, err := sup.requeueStuckDocuments(ctx, model.ScheduledTask{})
	require.NoError(t, err)
	assert.Equal(t, 3, out["pending"])
	// Only the stale URL-backed document goes back on the queue: the
	// fresh one is inside the grace window and the inline one has no
	// bytes left to refetch.
	assert.Equal(t, 1, out["requeued"])
	assert.Equal(t, 1, sup.pipeline.QueueDepth())
}

func TestBackfillAssessmentsCoversMissedDocuments(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)
	ctx := context.Background()

	now := time.Now().UTC()
	missed := model.RegulatoryDocument{
		ID: "doc_missed", SourceID: "sec", ExternalID: "m",
		Title:     "Final Rule: Amendments to Broker-Dealer Disclosure",
		Status:    model.DocumentProcessed,
		FetchedAt: now.Add(-time.Hour),
	}
	ancient := model.RegulatoryDocument{
		ID: "doc_ancient", SourceID: "sec", ExternalID: "o",
		Title:     "Final Rule: Recordkeeping",
		Status:    model.DocumentProcessed,
		FetchedAt: now.Add(-72 * time.Hour),
	}
	for _, doc := range []model.RegulatoryDocument{missed, ancient} {
		rec, err := store.DocumentRecord(doc)
		require.NoError(t, err)
		require.NoError(t, st.Upsert(ctx, rec))
	}

	out, err := sup.backfillAssessments(ctx, model.ScheduledTask{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["scanned"])
	assert.Equal(t, 1, out["assessed"])

	_, ok := sup.orch.Assessor().Current(ctx, missed.ID)
	assert.True(t, ok)
	_, ok = sup.orch.Assessor().Current(ctx, ancient.ID)
	assert.False(t, ok, "documents outside the window stay untouched")

	// The second pass finds the assessment and leaves it alone.
	out, err = sup.backfillAssessments(ctx, model.ScheduledTask{})
	require.NoError(t, err)
	assert.Equal(t, 0, out["assessed"])
}

func TestScanDeadlinesEmitsEvents(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)
	admin := sup.Admin()
	ctx := context.Background()

	defID, err := admin.RegisterWorkflowDefinition(ctx, notifyOnlyDefinition("deadline-response"))
	require.NoError(t, err)
	_, err = admin.RegisterTrigger(ctx, model.Trigger{
		Name:                 "imminent-deadlines",
		Kind:                 model.TriggerDeadlineApproaching,
		WorkflowDefinitionID: defID,
		Condition:            model.TriggerCondition{WithinHours: 48},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	dues := []struct {
		title string
		due   time.Time
	}{
		{"File Form X amendment", now.Add(24 * time.Hour)},
		{"Annual policy review", now.Add(6 * 24 * time.Hour)},
		{"Archive closed records", now.Add(10 * 24 * time.Hour)},
	}
	for _, d := range dues {
		due := d.due
		_, err := sup.tasks.Create(ctx, model.ComplianceTask{
			Title:      d.title,
			Kind:       model.TaskFiling,
			Priority:   model.PriorityHigh,
			Assignment: model.Assignment{DueAt: &due},
		})
		require.NoError(t, err)
	}

	out, err := sup.scanDeadlines(ctx, model.ScheduledTask{})
	require.NoError(t, err)
	// The 10-day deadline sits beyond the scan lookahead.
	assert.Equal(t, 2, out["emitted"])

	// Only the 24h deadline falls inside the trigger's 48h window.
	execs, err := sup.engine.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "scheduler", execs[0].Context.TriggeredBy)
	assert.Equal(t, "File Form X amendment", execs[0].Context.Variables["title"])
}

func TestDegradedBridgesRecordIncidents(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)
	ctx := context.Background()

	sup.onSourceDegraded("sec-rss", 3, fmt.Errorf("connection reset"))
	sup.onScheduledTaskDisabled(model.ScheduledTask{
		ID: "sched_x", Name: "deadline-sweep", FailureCount: 10,
	}, fmt.Errorf("handler kept failing"))

	status := sup.dr.Status(ctx)
	require.Len(t, status.OpenEvents, 2)
	byComponent := make(map[string]model.DREvent, len(status.OpenEvents))
	for _, ev := range status.OpenEvents {
		byComponent[ev.Component] = ev
	}
	require.Contains(t, byComponent, "poller")
	require.Contains(t, byComponent, "scheduler")
	assert.Equal(t, model.DRSeverityWarning, byComponent["poller"].Severity)
	assert.Contains(t, byComponent["poller"].Message, "sec-rss")
	assert.Contains(t, byComponent["poller"].Message, "connection reset")
	assert.Contains(t, byComponent["scheduler"].Message, "deadline-sweep")
}

func TestReportSourceHealthWithoutSources(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	sup := newTestSupervisor(t, testConfig(""), st)

	out, err := sup.reportSourceHealth(context.Background(), model.ScheduledTask{})
	require.NoError(t, err)
	assert.Equal(t, 0, out["sources"])
	assert.Equal(t, "", out["degraded"])

	status := sup.dr.Status(context.Background())
	assert.Empty(t, status.OpenEvents, "an empty fleet is not an incident")
}
