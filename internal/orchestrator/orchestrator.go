// Package orchestrator routes events to workflows through registered
// triggers and owns the regulatory-change fast path: assess a document,
// fire the enriched event, open immediate compliance tasks for severe
// impact and notify. Triggers live in the store, so cooldown state
// survives restarts.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	"vigil/internal/apm"
	"vigil/internal/config"
	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/store"
)

// WorkflowStarter is the engine surface the orchestrator drives.
// *workflow.Engine satisfies it.
type WorkflowStarter interface {
	Start(ctx context.Context, definitionID, triggeredBy string, triggerPayload, initialVars map[string]any) (model.WorkflowExecution, error)
}

// TaskCreator opens immediate compliance tasks on the fast path.
// *tasks.Manager satisfies it.
type TaskCreator interface {
	Create(ctx context.Context, task model.ComplianceTask) (model.ComplianceTask, error)
}

// Notifier delivers fast-path notifications. *notify.Center satisfies it.
type Notifier interface {
	Send(ctx context.Context, ev notify.Event) (notify.Result, error)
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithTasks wires the manager the fast path opens immediate tasks on.
func WithTasks(tc TaskCreator) Option {
	return func(o *Orchestrator) { o.tasks = tc }
}

// WithNotifier wires the outbound notification sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMonitor wires operation tracking.
func WithMonitor(mon *apm.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = mon }
}

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator converts events into workflow starts via stored
// triggers. Routing never holds a lock across engine calls: a workflow
// automation may emit follow-up events from inside Start.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	store     store.Store
	logger    *logging.Logger
	workflows WorkflowStarter
	assessor  *Assessor
	tasks     TaskCreator
	notifier  Notifier
	monitor   *apm.Monitor
	now       func() time.Time

	// fireMu serializes trigger row rewrites so a last-fired stamp does
	// not clobber a concurrent enable toggle.
	fireMu sync.Mutex
}

// New builds the orchestrator over the given store, engine and
// assessor. Task creation and notification are optional wiring.
func New(cfg config.OrchestratorConfig, st store.Store, workflows WorkflowStarter, assessor *Assessor, logger *logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		logger:    logging.OrNop(logger).Component("orchestrator"),
		workflows: workflows,
		assessor:  assessor,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Assessor exposes the impact assessor for admin reads.
func (o *Orchestrator) Assessor() *Assessor { return o.assessor }

// RegisterTrigger validates and persists a trigger. Registration arms
// it; use SetTriggerEnabled to pause one without deleting it. An empty
// cooldown inherits the configured default.
func (o *Orchestrator) RegisterTrigger(ctx context.Context, trig model.Trigger) (model.Trigger, error) {
	err := o.track(ctx, "register_trigger", func(ctx context.Context) error {
		if trig.Name == "" {
			return errors.Validation("trigger needs a name")
		}
		if !model.ValidTriggerKind(trig.Kind) {
			return errors.Validation("unknown trigger kind %q", trig.Kind)
		}
		if trig.WorkflowDefinitionID == "" {
			return errors.Validation("trigger %q needs a workflow definition id", trig.Name)
		}
		if lvl := trig.Condition.MinImpactLevel; lvl != "" && lvl.Rank() < 0 {
			return errors.Validation("trigger %q has unknown impact level %q", trig.Name, lvl)
		}
		if trig.ID == "" {
			trig.ID = model.NewID("trg")
		}
		if trig.Cooldown <= 0 {
			trig.Cooldown = time.Duration(o.cfg.DefaultCooldownSeconds) * time.Second
		}
		if trig.CreatedAt.IsZero() {
			trig.CreatedAt = o.now().UTC()
		}
		trig.Enabled = true

		rec, err := store.TriggerRecord(trig)
		if err != nil {
			return err
		}
		if err := o.store.Upsert(ctx, rec); err != nil {
			return errors.Wrap(errors.KindOf(err), err, "persist trigger %s", trig.ID)
		}
		o.logger.Info("trigger registered",
			"trigger_id", trig.ID, "name", trig.Name, "kind", string(trig.Kind),
			"definition_id", trig.WorkflowDefinitionID, "priority", trig.Priority)
		return nil
	})
	return trig, err
}

// SetTriggerEnabled toggles a trigger without touching its cooldown
// bookkeeping.
func (o *Orchestrator) SetTriggerEnabled(ctx context.Context, triggerID string, enabled bool) (model.Trigger, error) {
	var trig model.Trigger
	err := o.track(ctx, "set_trigger_enabled", func(ctx context.Context) error {
		o.fireMu.Lock()
		defer o.fireMu.Unlock()
		var err error
		trig, err = store.GetTyped[model.Trigger](ctx, o.store, store.KindTrigger, triggerID)
		if err != nil {
			return err
		}
		if trig.Enabled == enabled {
			return nil
		}
		trig.Enabled = enabled
		rec, err := store.TriggerRecord(trig)
		if err != nil {
			return err
		}
		return o.store.Upsert(ctx, rec)
	})
	return trig, err
}

// ListTriggers returns every registered trigger, highest priority
// first.
func (o *Orchestrator) ListTriggers(ctx context.Context) ([]model.Trigger, error) {
	var out []model.Trigger
	err := store.StreamTyped(ctx, o.store, store.KindTrigger, func(t model.Trigger) error {
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// EmitEvent routes one event: enabled triggers of the event's kind are
// visited in descending priority, and each one outside its cooldown
// whose condition accepts the payload starts its workflow. The event
// actor becomes the execution's triggered_by and the payload seeds its
// variables. A failed start is logged and skipped without burning the
// trigger's cooldown. Returns the started execution ids.
func (o *Orchestrator) EmitEvent(ctx context.Context, ev model.Event) ([]string, error) {
	var started []string
	err := o.track(ctx, "emit_event", func(ctx context.Context) error {
		if !model.ValidTriggerKind(ev.Kind) {
			return errors.Validation("unknown event kind %q", ev.Kind)
		}
		triggers, err := store.QueryTyped[model.Trigger](ctx, o.store, store.KindTrigger, store.IdxKind, string(ev.Kind))
		if err != nil {
			return errors.Wrap(errors.KindOf(err), err, "load triggers for %s", ev.Kind)
		}

		candidates := triggers[:0]
		for _, trig := range triggers {
			if trig.Enabled {
				candidates = append(candidates, trig)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].Name < candidates[j].Name
		})

		now := o.now().UTC()
		for _, trig := range candidates {
			if trig.InCooldown(now) {
				o.logger.Debug("trigger in cooldown", "trigger_id", trig.ID, "event_id", ev.ID)
				continue
			}
			if !conditionMet(trig.Condition, ev.Kind, ev.Payload, now) {
				continue
			}
			exec, err := o.workflows.Start(ctx, trig.WorkflowDefinitionID, ev.Actor,
				triggerPayload(ev, trig), cloneVars(ev.Payload))
			if err != nil {
				o.logger.Error("trigger start failed",
					"trigger_id", trig.ID, "definition_id", trig.WorkflowDefinitionID,
					"event_id", ev.ID, "error", err)
				continue
			}
			started = append(started, exec.ID)
			o.markFired(ctx, trig.ID, now)
			o.logger.Info("trigger fired",
				"trigger_id", trig.ID, "event_id", ev.ID, "execution_id", exec.ID)
		}
		return nil
	})
	return started, err
}

// triggerPayload is the event payload plus the trigger's identity, the
// shape the execution context records as its trigger payload.
func triggerPayload(ev model.Event, trig model.Trigger) map[string]any {
	out := make(map[string]any, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		out[k] = v
	}
	out["trigger_id"] = trig.ID
	out["trigger_kind"] = string(trig.Kind)
	return out
}

// cloneVars seeds the execution's variables from the payload so task
// conditions and automations can read event fields directly.
func cloneVars(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// markFired stamps the trigger's last-fired time. The row is reloaded
// under the lock so a concurrent enable toggle is not lost.
func (o *Orchestrator) markFired(ctx context.Context, triggerID string, at time.Time) {
	o.fireMu.Lock()
	defer o.fireMu.Unlock()
	trig, err := store.GetTyped[model.Trigger](ctx, o.store, store.KindTrigger, triggerID)
	if err == nil {
		trig.LastFired = &at
		var rec store.Record
		if rec, err = store.TriggerRecord(trig); err == nil {
			err = o.store.Upsert(ctx, rec)
		}
	}
	if err != nil {
		o.logger.Warn("trigger fire stamp failed", "trigger_id", triggerID, "error", err)
	}
}

// conditionMet evaluates the kind-specific predicate against the
// payload. Zero-valued condition fields do not constrain.
func conditionMet(cond model.TriggerCondition, kind model.TriggerKind, payload map[string]any, now time.Time) bool {
	for key, want := range cond.Match {
		got, ok := payload[key]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	switch kind {
	case model.TriggerRegulatoryChange:
		if cond.MinImpactLevel == "" {
			return true
		}
		lvl, _ := payload["impact_level"].(string)
		return model.ImpactLevel(lvl).AtLeast(cond.MinImpactLevel)
	case model.TriggerThresholdBreach:
		if cond.Metric == "" {
			return true
		}
		metric, _ := payload["metric"].(string)
		if metric != cond.Metric {
			return false
		}
		value, ok := asFloat(payload["value"])
		return ok && value >= cond.Threshold
	case model.TriggerTaskCompletion:
		if len(cond.TaskTypes) == 0 {
			return true
		}
		kindStr, _ := payload["task_kind"].(string)
		for _, want := range cond.TaskTypes {
			if want == kindStr {
				return true
			}
		}
		return false
	case model.TriggerDeadlineApproaching:
		if cond.WithinHours <= 0 {
			return true
		}
		deadline, ok := asTime(payload["deadline"])
		if !ok {
			return false
		}
		return deadline.Sub(now) <= time.Duration(cond.WithinHours)*time.Hour
	default:
		return true
	}
}

// looseEqual compares payload values across JSON round-trips, where
// numbers may arrive as float64, int or json.Number.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		at, err := dateparse.ParseAny(t)
		if err != nil {
			return time.Time{}, false
		}
		return at, true
	default:
		return time.Time{}, false
	}
}

func (o *Orchestrator) track(ctx context.Context, op string, fn func(context.Context) error) error {
	if o.monitor != nil {
		return o.monitor.Track(ctx, "orchestrator", op, fn)
	}
	return fn(ctx)
}
