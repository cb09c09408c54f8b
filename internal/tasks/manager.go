// Package tasks manages compliance-task instances: creation and
// assignment, the task state machine, evidence and approval collection,
// subtask rollup and the overdue sweep. It implements the sink workflow
// executions arm their external work through; outcomes flow back into
// the engine via the workflow callbacks.
package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"vigil/internal/apm"
	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
	"vigil/internal/workflow"
)

// WorkflowSink receives task outcomes back into the engine. *workflow.Engine
// satisfies it; the indirection keeps construction order flexible.
type WorkflowSink interface {
	CompleteTask(ctx context.Context, executionID, taskID string, result workflow.TaskResult) error
	FailTask(ctx context.Context, executionID, taskID string, taskErr error) error
}

// Notifier delivers task events (approval requests, overdue warnings).
type Notifier interface {
	Send(ctx context.Context, ev notify.Event) (notify.Result, error)
}

// Option customizes the manager.
type Option func(*Manager)

// WithNotifier wires the event sink.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMonitor wires operation tracking.
func WithMonitor(mon *apm.Monitor) Option {
	return func(m *Manager) { m.monitor = mon }
}

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDeadlineWarning sets how far ahead of a due date the sweep emits
// deadline warnings.
func WithDeadlineWarning(window time.Duration) Option {
	return func(m *Manager) { m.warnWindow = window }
}

// Manager owns compliance-task state. Mutations are short
// read-modify-write cycles against the store; one lock keeps them
// atomic. Workflow callbacks run outside the lock because the engine
// re-enters through Arm while advancing.
type Manager struct {
	store      store.Store
	logger     *logging.Logger
	monitor    *apm.Monitor
	notifier   Notifier
	now        func() time.Time
	warnWindow time.Duration

	mu       sync.Mutex
	workflow WorkflowSink
}

// NewManager builds the manager. Bind the workflow engine afterwards
// with BindWorkflow; the engine needs the manager as its task sink
// first.
func NewManager(st store.Store, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		logger:     logging.OrNop(logger).Component("tasks"),
		now:        time.Now,
		warnWindow: 72 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BindWorkflow wires the engine task outcomes report back to.
func (m *Manager) BindWorkflow(ws WorkflowSink) {
	m.mu.Lock()
	m.workflow = ws
	m.mu.Unlock()
}

func (m *Manager) workflowSink() WorkflowSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workflow
}

// Create registers a standalone task or a subtask of an existing one.
func (m *Manager) Create(ctx context.Context, task model.ComplianceTask) (model.ComplianceTask, error) {
	err := m.track(ctx, "create", func(ctx context.Context) error {
		if task.Title == "" {
			return errors.Validation("task needs a title")
		}
		now := m.now().UTC()
		if task.ID == "" {
			task.ID = model.NewID("task")
		}
		if task.Status == "" {
			task.Status = model.TaskPending
		}
		if task.Assignment.AssigneeID != "" {
			task.Status = model.TaskAssigned
			task.Assignment.AssignedAt = &now
		}
		task.CreatedAt = now
		task.UpdatedAt = now

		m.mu.Lock()
		defer m.mu.Unlock()
		if task.ParentID != "" {
			parent, err := store.GetTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, task.ParentID)
			if err != nil {
				return errors.Wrap(errors.KindOf(err), err, "load parent task %s", task.ParentID)
			}
			if parent.Status.Terminal() {
				return errors.Conflict("parent task %s is terminal (%s)", parent.ID, parent.Status)
			}
			parent.SubtaskIDs = append(parent.SubtaskIDs, task.ID)
			parent.UpdatedAt = now
			if err := m.persist(ctx, parent); err != nil {
				return err
			}
		}
		return m.persist(ctx, task)
	})
	if err != nil {
		return model.ComplianceTask{}, err
	}
	m.logger.Info("task created",
		"task_id", task.ID, "title", task.Title, "parent_id", task.ParentID, "assignee", task.Assignment.AssigneeID)
	return task, nil
}

// Assign hands a task to an assignee. Re-assignment of an already
// assigned task requires delegation to be allowed.
func (m *Manager) Assign(ctx context.Context, taskID, assigneeID, assigneeKind, assignedBy string, dueAt *time.Time) (model.ComplianceTask, error) {
	if assigneeID == "" {
		return model.ComplianceTask{}, errors.Validation("assignment needs an assignee")
	}
	return m.mutate(ctx, "assign", taskID, func(task *model.ComplianceTask) error {
		if task.Status != model.TaskPending && task.Assignment.AssigneeID != "" && !task.Assignment.DelegationAllowed {
			return errors.Conflict("task %s does not allow delegation", task.ID)
		}
		if task.Status == model.TaskPending {
			if err := task.Transition(model.TaskAssigned); err != nil {
				return errors.Wrap(errors.KindConflict, err, "assign task")
			}
		} else if task.Status.Terminal() {
			return errors.Conflict("task %s is terminal (%s)", task.ID, task.Status)
		}
		now := m.now().UTC()
		task.Assignment.AssigneeID = assigneeID
		task.Assignment.AssigneeKind = assigneeKind
		task.Assignment.AssignedBy = assignedBy
		task.Assignment.AssignedAt = &now
		if dueAt != nil {
			task.Assignment.DueAt = dueAt
		}
		return nil
	})
}

// Start moves a task into in_progress.
func (m *Manager) Start(ctx context.Context, taskID, actor string) (model.ComplianceTask, error) {
	return m.mutate(ctx, "start", taskID, func(task *model.ComplianceTask) error {
		if err := task.Transition(model.TaskInProgress); err != nil {
			return errors.Wrap(errors.KindConflict, err, "start task")
		}
		m.logger.Debug("task started", "task_id", task.ID, "actor", actor)
		return nil
	})
}

// AddEvidence attaches an artifact in support of completion.
func (m *Manager) AddEvidence(ctx context.Context, taskID string, ev model.Evidence) (model.ComplianceTask, error) {
	if ev.Kind == "" {
		return model.ComplianceTask{}, errors.Validation("evidence needs a kind")
	}
	return m.mutate(ctx, "add_evidence", taskID, func(task *model.ComplianceTask) error {
		if task.Status.Terminal() {
			return errors.Conflict("task %s is terminal (%s)", task.ID, task.Status)
		}
		if ev.ID == "" {
			ev.ID = model.NewID("ev")
		}
		ev.AddedAt = m.now().UTC()
		task.Evidence = append(task.Evidence, ev)
		return nil
	})
}

// AddComment appends a note to the task's append-only comment log.
// Comments stay writable on terminal tasks; audits annotate closed work.
func (m *Manager) AddComment(ctx context.Context, taskID, author, body string) (model.ComplianceTask, error) {
	if body == "" {
		return model.ComplianceTask{}, errors.Validation("comment needs a body")
	}
	return m.mutate(ctx, "add_comment", taskID, func(task *model.ComplianceTask) error {
		task.Comments = append(task.Comments, model.Comment{
			ID:        model.NewID("cmt"),
			Author:    author,
			Body:      body,
			CreatedAt: m.now().UTC(),
		})
		return nil
	})
}

// Get loads one task.
func (m *Manager) Get(ctx context.Context, taskID string) (model.ComplianceTask, error) {
	return store.GetTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, taskID)
}

// Filter narrows List. The most selective populated field picks the
// index; the rest filter in memory.
type Filter struct {
	WorkflowID string
	ParentID   string
	AssigneeID string
	Status     model.TaskStatus
}

// List returns tasks matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]model.ComplianceTask, error) {
	var rows []model.ComplianceTask
	var err error
	switch {
	case f.WorkflowID != "":
		rows, err = store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxWorkflowID, f.WorkflowID)
	case f.ParentID != "":
		rows, err = store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxParentID, f.ParentID)
	case f.AssigneeID != "":
		rows, err = store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxAssignee, f.AssigneeID)
	case f.Status != "":
		rows, err = store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxStatus, string(f.Status))
	default:
		err = store.StreamTyped(ctx, m.store, store.KindComplianceTask, func(task model.ComplianceTask) error {
			rows = append(rows, task)
			return nil
		})
	}
	if err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, task := range rows {
		if f.WorkflowID != "" && task.WorkflowID != f.WorkflowID {
			continue
		}
		if f.ParentID != "" && task.ParentID != f.ParentID {
			continue
		}
		if f.AssigneeID != "" && task.Assignment.AssigneeID != f.AssigneeID {
			continue
		}
		if f.Status != "" && task.Status != f.Status {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FindByWorkflowTask resolves the instance armed for one definition task
// of one execution.
func (m *Manager) FindByWorkflowTask(ctx context.Context, executionID, definitionTaskID string) (model.ComplianceTask, error) {
	rows, err := store.QueryTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, store.IdxWorkflowID, executionID)
	if err != nil {
		return model.ComplianceTask{}, err
	}
	for _, task := range rows {
		if task.DefinitionTaskID == definitionTaskID && !task.Status.Terminal() {
			return task, nil
		}
	}
	for _, task := range rows {
		if task.DefinitionTaskID == definitionTaskID {
			return task, nil
		}
	}
	return model.ComplianceTask{}, errors.NotFound("no task instance for execution %s task %s", executionID, definitionTaskID)
}

// mutate runs fn over a freshly loaded task under the lock and persists
// the result.
func (m *Manager) mutate(ctx context.Context, op, taskID string, fn func(*model.ComplianceTask) error) (model.ComplianceTask, error) {
	var task model.ComplianceTask
	err := m.track(ctx, op, func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		loaded, err := store.GetTyped[model.ComplianceTask](ctx, m.store, store.KindComplianceTask, taskID)
		if err != nil {
			return err
		}
		task = loaded
		if err := fn(&task); err != nil {
			return err
		}
		task.UpdatedAt = m.now().UTC()
		return m.persist(ctx, task)
	})
	return task, err
}

func (m *Manager) persist(ctx context.Context, task model.ComplianceTask) error {
	rec, err := store.ComplianceTaskRecord(task)
	if err != nil {
		return err
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return errors.Wrap(errors.KindOf(err), err, "persist task %s", task.ID)
	}
	return nil
}

func (m *Manager) track(ctx context.Context, op string, fn func(context.Context) error) error {
	if m.monitor == nil {
		return fn(ctx)
	}
	return m.monitor.Track(ctx, "tasks", op, fn)
}

// walkTo advances a task through intermediate legal states to reach
// target. The state machine has no skip edges, so an armed task steps
// through in_progress on its way to review, approval or completion.
func walkTo(task *model.ComplianceTask, target model.TaskStatus) error {
	for hops := 0; task.Status != target; hops++ {
		if hops > 3 {
			return errors.Conflict("task %s cannot reach %s from %s", task.ID, target, task.Status)
		}
		if task.Status.CanTransition(target) {
			return task.Transition(target)
		}
		if task.Status.Terminal() {
			return errors.Conflict("task %s is terminal (%s)", task.ID, task.Status)
		}
		if err := task.Transition(model.TaskInProgress); err != nil {
			return errors.Wrap(errors.KindConflict, err, "advance task %s", task.ID)
		}
	}
	return nil
}
