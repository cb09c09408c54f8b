package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	"vigil/internal/errors"
	"vigil/internal/model"
)

// ConditionFunc is a pure predicate over an execution's state. Evaluators
// must not block, mutate the execution, or reach outside their arguments;
// the engine calls them while holding the execution's lock.
type ConditionFunc func(exec *model.WorkflowExecution, params map[string]any) (bool, error)

// Conditions holds the evaluator table. The built-in names are reserved;
// Register adds custom evaluators under new names.
type Conditions struct {
	now func() time.Time

	mu       sync.RWMutex
	fns      map[string]ConditionFunc
	builtins map[string]struct{}
}

// NewConditions builds the registry with the built-in evaluators
// installed. The clock parameterizes deadline_approaching; pass nil for
// wall-clock time.
func NewConditions(now func() time.Time) *Conditions {
	if now == nil {
		now = time.Now
	}
	c := &Conditions{
		now:      now,
		fns:      make(map[string]ConditionFunc),
		builtins: make(map[string]struct{}),
	}
	for name, fn := range map[string]ConditionFunc{
		"always":                condAlways,
		"never":                 condNever,
		"variable_equals":       condVariableEquals,
		"variable_greater_than": condVariableGreaterThan,
		"task_completed":        condTaskCompleted,
		"approval_received":     condApprovalReceived,
		"deadline_approaching":  c.condDeadlineApproaching,
	} {
		c.fns[name] = fn
		c.builtins[name] = struct{}{}
	}
	return c
}

// Register installs a custom evaluator. Built-in names are closed and
// existing registrations are not silently replaced.
func (c *Conditions) Register(name string, fn ConditionFunc) error {
	if name == "" || fn == nil {
		return errors.Validation("condition evaluator needs a name and a function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, reserved := c.builtins[name]; reserved {
		return errors.Conflict("condition evaluator %q is built in", name)
	}
	if _, exists := c.fns[name]; exists {
		return errors.Conflict("condition evaluator %q already registered", name)
	}
	c.fns[name] = fn
	return nil
}

// Evaluate runs the named evaluator. Unknown names are validation errors
// so a typo in a definition fails loudly instead of silently gating.
func (c *Conditions) Evaluate(cfg *model.ConditionConfig, exec *model.WorkflowExecution) (bool, error) {
	if cfg == nil {
		return true, nil
	}
	c.mu.RLock()
	fn, ok := c.fns[cfg.Evaluator]
	c.mu.RUnlock()
	if !ok {
		return false, errors.Validation("unknown condition evaluator %q", cfg.Evaluator)
	}
	return fn(exec, cfg.Params)
}

func condAlways(*model.WorkflowExecution, map[string]any) (bool, error) { return true, nil }
func condNever(*model.WorkflowExecution, map[string]any) (bool, error) { return false, nil }

func condVariableEquals(exec *model.WorkflowExecution, params map[string]any) (bool, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return false, err
	}
	want, ok := params["value"]
	if !ok {
		return false, errors.Validation("variable_equals needs a value param")
	}
	got, ok := exec.Context.Variables[key]
	if !ok {
		return false, nil
	}
	// Numbers arrive as float64 from JSON and as int from Go callers;
	// compare numerically when both sides are numeric.
	if gf, gok := asFloat(got); gok {
		if wf, wok := asFloat(want); wok {
			return gf == wf, nil
		}
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want), nil
}

func condVariableGreaterThan(exec *model.WorkflowExecution, params map[string]any) (bool, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return false, err
	}
	threshold, ok := asFloat(params["threshold"])
	if !ok {
		return false, errors.Validation("variable_greater_than needs a numeric threshold")
	}
	value, ok := asFloat(exec.Context.Variables[key])
	if !ok {
		return false, nil
	}
	return value > threshold, nil
}

func condTaskCompleted(exec *model.WorkflowExecution, params map[string]any) (bool, error) {
	id, err := stringParam(params, "task_id")
	if err != nil {
		return false, err
	}
	return exec.InCompleted(id), nil
}

// condApprovalReceived checks the variable the approval handler merges on
// quorum ("approval:<key>" = true).
func condApprovalReceived(exec *model.WorkflowExecution, params map[string]any) (bool, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return false, err
	}
	granted, _ := exec.Context.Variables[ApprovalVariable(key)].(bool)
	return granted, nil
}

func (c *Conditions) condDeadlineApproaching(exec *model.WorkflowExecution, params map[string]any) (bool, error) {
	raw, err := stringParam(params, "deadline")
	if err != nil {
		return false, err
	}
	deadline, err := dateparse.ParseAny(raw)
	if err != nil {
		return false, errors.Wrap(errors.KindValidation, err, "deadline_approaching: unparseable deadline %q", raw)
	}
	warningHours := 72.0
	if h, ok := asFloat(params["warning_hours"]); ok && h > 0 {
		warningHours = h
	}
	window := time.Duration(warningHours * float64(time.Hour))
	return !c.now().Before(deadline.Add(-window)), nil
}

// ApprovalVariable names the context variable an approval key resolves to.
func ApprovalVariable(key string) string { return "approval:" + key }

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", errors.Validation("condition needs a %s param", key)
	}
	return v, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
