// Package dr runs the disaster-recovery supervisor: recovery objectives
// declared per component, scheduled backup validation, dry-run failover
// and recovery probes, persisted test results and incident events, and
// a weighted health score over component states. Live failover or
// recovery happens only through an explicit RunTest call.
package dr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
)

// Non-critical components still get their backups validated, just on a
// slower cadence than the per-tick priority-1 sweep.
const nonCriticalBackupEvery = 6 * time.Hour

const autoResolveSweepSpec = "@every 1h"

// Config tunes the supervisor. Zero values select the documented defaults.
type Config struct {
	Objectives           []model.DRObjective
	BackupValidationCron string        // default "@every 30m"
	RecoveryTestCron     string        // default "@every 24h"
	AutoResolveAfter     time.Duration // default 24h
	EventRetention       int           // default 1000
	StaleGraceFactor     float64       // default 1.0, multiplies RPO for age checks
}

func (c Config) withDefaults() Config {
	if c.BackupValidationCron == "" {
		c.BackupValidationCron = "@every 30m"
	}
	if c.RecoveryTestCron == "" {
		c.RecoveryTestCron = "@every 24h"
	}
	if c.AutoResolveAfter <= 0 {
		c.AutoResolveAfter = 24 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 1000
	}
	if c.StaleGraceFactor <= 0 {
		c.StaleGraceFactor = 1.0
	}
	return c
}

// Option customizes supervisor construction.
type Option func(*Supervisor)

// WithBackupProvider wires the backup source probed by validations.
func WithBackupProvider(p BackupProvider) Option {
	return func(s *Supervisor) { s.backups = p }
}

// WithFailoverRunner replaces the simulator with a real failover runner.
func WithFailoverRunner(r FailoverRunner) Option {
	return func(s *Supervisor) { s.failover = r }
}

// WithRecoveryRunner replaces the simulator with a real recovery runner.
func WithRecoveryRunner(r RecoveryRunner) Option {
	return func(s *Supervisor) { s.recovery = r }
}

// WithEventFunc registers a callback invoked for every recorded event.
func WithEventFunc(fn func(model.DREvent)) Option {
	return func(s *Supervisor) { s.onEvent = fn }
}

// WithClock overrides wall-clock time, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor owns the DR plane. One per process.
type Supervisor struct {
	cfg    Config
	store  store.Store
	logger *logging.Logger

	backups  BackupProvider
	failover FailoverRunner
	recovery RecoveryRunner
	onEvent  func(model.DREvent)
	now      func() time.Time

	mu         sync.RWMutex
	objectives map[string]model.DRObjective
	states     map[string]*model.ComponentState
	events     []model.DREvent // bounded recent view, newest last
	lastProbe  map[string]time.Time

	// probeMu serializes probe runs; a slow recovery test must not
	// interleave state transitions with a backup sweep.
	probeMu  sync.Mutex
	cron     *cron.Cron
	stopOnce sync.Once
}

// New builds the supervisor. Probes do not run until Start.
func New(cfg Config, st store.Store, logger *logging.Logger, opts ...Option) (*Supervisor, error) {
	cfg = cfg.withDefaults()

	s := &Supervisor{
		cfg:        cfg,
		store:      st,
		logger:     logging.OrNop(logger).Component("dr"),
		failover:   Simulator{},
		recovery:   Simulator{},
		now:        time.Now,
		objectives: make(map[string]model.DRObjective, len(cfg.Objectives)),
		states:     make(map[string]*model.ComponentState, len(cfg.Objectives)),
		lastProbe:  make(map[string]time.Time),
		cron:       cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, obj := range cfg.Objectives {
		if obj.Component == "" {
			return nil, errors.Validation("dr objective needs a component name")
		}
		if _, dup := s.objectives[obj.Component]; dup {
			return nil, errors.Validation("duplicate dr objective for component %s", obj.Component)
		}
		if obj.RTO <= 0 || obj.RPO <= 0 {
			return nil, errors.Validation("dr objective for %s needs positive rto and rpo", obj.Component)
		}
		if obj.Priority < 1 {
			obj.Priority = 1
		}
		if obj.Priority > 5 {
			obj.Priority = 5
		}
		s.objectives[obj.Component] = obj
		s.states[obj.Component] = &model.ComponentState{
			Component: obj.Component,
			Status:    model.ComponentUnknown,
		}
	}

	if _, err := s.cron.AddFunc(cfg.BackupValidationCron, s.sweepBackups); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "parse backup validation cron %q", cfg.BackupValidationCron)
	}
	if _, err := s.cron.AddFunc(cfg.RecoveryTestCron, s.sweepRecovery); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "parse recovery test cron %q", cfg.RecoveryTestCron)
	}
	if _, err := s.cron.AddFunc(autoResolveSweepSpec, s.autoResolveSweep); err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "schedule auto-resolution sweep")
	}
	return s, nil
}

// Start begins the probe schedules and kicks one immediate backup sweep
// so a fresh boot does not sit untested until the first cron tick.
func (s *Supervisor) Start() {
	s.cron.Start()
	s.logger.Go("dr-initial-sweep", s.sweepBackups)
	s.logger.Info("dr supervisor started",
		"components", len(s.objectives),
		"backup_validation_cron", s.cfg.BackupValidationCron,
		"recovery_test_cron", s.cfg.RecoveryTestCron)
}

// Stop halts the schedules, waiting for in-flight probes up to ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
		}
		s.logger.Info("dr supervisor stopped")
	})
	return nil
}

// Objectives lists the declared objectives, most critical first.
func (s *Supervisor) Objectives() []model.DRObjective {
	return s.objectivesSorted()
}

// RunTest executes one probe now and persists its result. Scheduled
// sweeps always pass dryRun=true; a live failover or recovery happens
// only when an explicit caller clears the flag.
func (s *Supervisor) RunTest(ctx context.Context, component string, kind model.DRTestKind, dryRun bool) (model.DRTestResult, error) {
	switch kind {
	case model.DRBackupValidation, model.DRFailoverTest, model.DRRecoveryTest:
	default:
		return model.DRTestResult{}, errors.Validation("unknown dr test kind %q", kind)
	}
	s.mu.RLock()
	obj, ok := s.objectives[component]
	s.mu.RUnlock()
	if !ok {
		return model.DRTestResult{}, errors.NotFound("no dr objective for component %s", component)
	}

	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	prev := s.currentStatus(component)
	s.setStatus(component, model.ComponentTesting)

	var result model.DRTestResult
	switch kind {
	case model.DRBackupValidation:
		result = s.validateBackup(ctx, obj)
	case model.DRFailoverTest:
		result = s.testFailover(ctx, obj, dryRun)
	default:
		result = s.testRecovery(ctx, obj, dryRun)
	}
	result.ID = model.NewID("drt")
	result.Component = component
	result.Kind = kind

	rec, err := store.DRResultRecord(result)
	if err == nil {
		_, err = s.store.InsertIfAbsent(ctx, rec)
	}
	if err != nil {
		s.setStatus(component, prev)
		return model.DRTestResult{}, errors.Wrap(errors.KindOf(err), err, "persist dr result for %s", component)
	}

	status := model.ComponentHealthy
	if !result.Passed {
		status = model.ComponentWarning
		if !result.DryRun && kind != model.DRBackupValidation {
			status = model.ComponentFailed
		}
	}
	s.finishProbe(component, kind, status, result.ID, result.EndedAt)

	if !result.Passed {
		severity := model.DRSeverityWarning
		if obj.Priority == 1 && kind == model.DRBackupValidation {
			severity = model.DRSeverityCritical
		}
		if status == model.ComponentFailed {
			severity = model.DRSeverityCritical
		}
		if _, err := s.recordEvent(ctx, model.DREvent{
			Component: component,
			Severity:  severity,
			Message:   fmt.Sprintf("%s failed for %s: %s", kind, component, failureSummary(result)),
		}); err != nil {
			s.logger.Error("dr event not persisted", "component", component, "error", err)
		}
	}

	s.logger.Info("dr test finished",
		"component", component, "kind", kind,
		"passed", result.Passed, "dry_run", result.DryRun)
	return result, nil
}

// RecordIncident files an operational event against a component. Other
// subsystems use it to surface degradations: a poller stuck on a source,
// a scheduled task disabled after repeated failures.
func (s *Supervisor) RecordIncident(ctx context.Context, component string, severity model.DRSeverity, message string) (model.DREvent, error) {
	if component == "" || message == "" {
		return model.DREvent{}, errors.Validation("dr incident needs a component and a message")
	}
	switch severity {
	case model.DRSeverityInfo, model.DRSeverityWarning, model.DRSeverityCritical:
	default:
		return model.DREvent{}, errors.Validation("unknown dr severity %q", severity)
	}
	return s.recordEvent(ctx, model.DREvent{
		Component: component,
		Severity:  severity,
		Message:   message,
	})
}

// ResolveEvent closes an open event with a resolution note. Resolving an
// already-closed event is a no-op.
func (s *Supervisor) ResolveEvent(ctx context.Context, eventID, resolution string) (model.DREvent, error) {
	ev, err := store.GetTyped[model.DREvent](ctx, s.store, store.KindDREvent, eventID)
	if err != nil {
		return model.DREvent{}, err
	}
	if ev.Resolved() {
		return ev, nil
	}
	at := s.now().UTC()
	ev.ResolvedAt = &at
	ev.Resolution = resolution

	rec, err := store.DREventRecord(ev)
	if err == nil {
		err = s.store.Upsert(ctx, rec)
	}
	if err != nil {
		return model.DREvent{}, errors.Wrap(errors.KindOf(err), err, "resolve dr event %s", eventID)
	}
	s.logger.Info("dr event resolved", "event_id", eventID, "resolution", resolution)
	return ev, nil
}

// AutoResolve closes every critical event older than the configured
// window whose component is healthy again, noting "returned to healthy".
// Returns the number of events closed.
func (s *Supervisor) AutoResolve(ctx context.Context) (int, error) {
	open, err := store.QueryTyped[model.DREvent](ctx, s.store, store.KindDREvent, store.IdxResolved, store.BoolIndex(false))
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	resolved := 0
	for _, ev := range open {
		if ev.Severity != model.DRSeverityCritical {
			continue
		}
		if now.Sub(ev.CreatedAt) < s.cfg.AutoResolveAfter {
			continue
		}
		if s.currentStatus(ev.Component) != model.ComponentHealthy {
			continue
		}
		if _, err := s.ResolveEvent(ctx, ev.ID, "returned to healthy"); err != nil {
			s.logger.Warn("auto-resolution failed", "event_id", ev.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// HealthScore is the weighted component average in [0, 100].
func (s *Supervisor) HealthScore() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return healthScore(s.objectives, s.states, s.now().UTC())
}

// Status is the dr_status admin snapshot.
type Status struct {
	GeneratedAt time.Time               `json:"generated_at"`
	HealthScore float64                 `json:"health_score"`
	Components  []model.ComponentState  `json:"components"`
	OpenEvents  []model.DREvent         `json:"open_events"`
	Recent      []model.DREvent         `json:"recent_events"`
}

// Status snapshots component states, the health score, open events from
// the store and the recent in-memory event window.
func (s *Supervisor) Status(ctx context.Context) Status {
	open, err := store.QueryTyped[model.DREvent](ctx, s.store, store.KindDREvent, store.IdxResolved, store.BoolIndex(false))
	if err != nil {
		s.logger.Warn("open dr events query failed", "error", err)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })

	s.mu.RLock()
	now := s.now().UTC()
	components := make([]model.ComponentState, 0, len(s.states))
	for _, st := range s.states {
		components = append(components, *st)
	}
	score := healthScore(s.objectives, s.states, now)
	recent := append([]model.DREvent(nil), s.events...)
	s.mu.RUnlock()

	sort.Slice(components, func(i, j int) bool { return components[i].Component < components[j].Component })

	return Status{
		GeneratedAt: now,
		HealthScore: score,
		Components:  components,
		OpenEvents:  open,
		Recent:      recent,
	}
}

// sweepBackups validates backups: priority-1 components every tick, the
// rest only once their last validation has aged past the slow cadence.
func (s *Supervisor) sweepBackups() {
	ctx := context.Background()
	now := s.now()
	for _, obj := range s.objectivesSorted() {
		if obj.Priority != 1 {
			if last, ok := s.probeTime(obj.Component, model.DRBackupValidation); ok && now.Sub(last) < nonCriticalBackupEvery {
				continue
			}
		}
		if _, err := s.RunTest(ctx, obj.Component, model.DRBackupValidation, true); err != nil {
			s.logger.Warn("scheduled backup validation errored", "component", obj.Component, "error", err)
		}
	}
}

// sweepRecovery dry-runs recovery and failover for automated components.
func (s *Supervisor) sweepRecovery() {
	ctx := context.Background()
	for _, obj := range s.objectivesSorted() {
		if !obj.Automated {
			continue
		}
		for _, kind := range []model.DRTestKind{model.DRRecoveryTest, model.DRFailoverTest} {
			if _, err := s.RunTest(ctx, obj.Component, kind, true); err != nil {
				s.logger.Warn("scheduled dr test errored",
					"component", obj.Component, "kind", kind, "error", err)
			}
		}
	}
}

func (s *Supervisor) autoResolveSweep() {
	n, err := s.AutoResolve(context.Background())
	if err != nil {
		s.logger.Warn("dr auto-resolution sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("dr events auto-resolved", "count", n)
	}
}

// validateBackup checks existence, age against RPO, integrity and
// completeness of the component's newest backup.
func (s *Supervisor) validateBackup(ctx context.Context, obj model.DRObjective) model.DRTestResult {
	started := s.now().UTC()
	result := model.DRTestResult{
		StartedAt:   started,
		Validations: map[string]bool{},
	}

	if s.backups == nil {
		result.Validations["backup_exists"] = false
		result.Errors = append(result.Errors, "no backup provider configured")
		result.EndedAt = s.now().UTC()
		return result
	}

	backup, err := s.backups.Latest(ctx, obj.Component)
	if err != nil {
		result.Validations["backup_exists"] = false
		result.Errors = append(result.Errors, err.Error())
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("schedule backups for %s", obj.Component))
		result.EndedAt = s.now().UTC()
		return result
	}
	result.Validations["backup_exists"] = true

	age := backup.Age(started)
	result.RPOAchieved = age
	result.Validations["backup_age"] = age <= s.rpoLimit(obj)
	if !result.Validations["backup_age"] {
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("backup age %s exceeds rpo %s, increase backup frequency",
				age.Round(time.Second), obj.RPO))
	}

	if err := s.backups.VerifyIntegrity(ctx, backup); err != nil {
		result.Validations["integrity"] = false
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Validations["integrity"] = true
	}

	if err := s.backups.VerifyCompleteness(ctx, backup); err != nil {
		result.Validations["completeness"] = false
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Validations["completeness"] = true
	}

	result.Passed = allTrue(result.Validations)
	result.EndedAt = s.now().UTC()
	return result
}

// testFailover runs pre-checks, the failover itself (or its simulation),
// the RTO check and post-checks.
func (s *Supervisor) testFailover(ctx context.Context, obj model.DRObjective, dryRun bool) model.DRTestResult {
	started := s.now().UTC()
	result := model.DRTestResult{
		StartedAt:   started,
		DryRun:      dryRun,
		Validations: map[string]bool{},
	}

	if err := s.failover.PreCheck(ctx, obj.Component); err != nil {
		result.Validations["pre_checks"] = false
		result.Errors = append(result.Errors, err.Error())
		result.EndedAt = s.now().UTC()
		return result
	}
	result.Validations["pre_checks"] = true

	if err := s.failover.Failover(ctx, obj.Component, dryRun); err != nil {
		result.Validations["failover"] = false
		result.Errors = append(result.Errors, err.Error())
		result.EndedAt = s.now().UTC()
		return result
	}
	result.Validations["failover"] = true

	result.RTOAchieved = s.now().UTC().Sub(started)
	result.Validations["rto"] = result.RTOAchieved <= obj.RTO
	if !result.Validations["rto"] {
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("failover took %s against rto %s",
				result.RTOAchieved.Round(time.Millisecond), obj.RTO))
	}

	if err := s.failover.PostCheck(ctx, obj.Component); err != nil {
		result.Validations["post_checks"] = false
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Validations["post_checks"] = true
	}

	result.Passed = allTrue(result.Validations)
	result.EndedAt = s.now().UTC()
	return result
}

// testRecovery validates the newest backup, restores from it (or
// simulates the restore), verifies data integrity and computes the
// achieved RPO from the backup's capture time.
func (s *Supervisor) testRecovery(ctx context.Context, obj model.DRObjective, dryRun bool) model.DRTestResult {
	started := s.now().UTC()
	result := model.DRTestResult{
		StartedAt:   started,
		DryRun:      dryRun,
		Validations: map[string]bool{},
	}

	if s.backups == nil {
		result.Validations["backup_valid"] = false
		result.Errors = append(result.Errors, "no backup provider configured")
		result.EndedAt = s.now().UTC()
		return result
	}
	backup, err := s.backups.Latest(ctx, obj.Component)
	if err == nil {
		err = s.backups.VerifyIntegrity(ctx, backup)
	}
	if err != nil {
		result.Validations["backup_valid"] = false
		result.Errors = append(result.Errors, err.Error())
		result.EndedAt = s.now().UTC()
		return result
	}
	result.Validations["backup_valid"] = true

	result.RPOAchieved = backup.Age(started)
	result.Validations["rpo"] = result.RPOAchieved <= s.rpoLimit(obj)
	if !result.Validations["rpo"] {
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("recovery point lags %s against rpo %s",
				result.RPOAchieved.Round(time.Second), obj.RPO))
	}

	if err := s.recovery.Recover(ctx, obj.Component, backup, dryRun); err != nil {
		result.Validations["recovery"] = false
		result.Errors = append(result.Errors, err.Error())
		result.Passed = false
		result.EndedAt = s.now().UTC()
		return result
	}
	result.Validations["recovery"] = true
	result.RTOAchieved = s.now().UTC().Sub(started)

	if err := s.recovery.VerifyData(ctx, obj.Component); err != nil {
		result.Validations["data_integrity"] = false
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Validations["data_integrity"] = true
	}

	result.Passed = allTrue(result.Validations)
	result.EndedAt = s.now().UTC()
	return result
}

func (s *Supervisor) rpoLimit(obj model.DRObjective) time.Duration {
	return time.Duration(float64(obj.RPO) * s.cfg.StaleGraceFactor)
}

func (s *Supervisor) recordEvent(ctx context.Context, ev model.DREvent) (model.DREvent, error) {
	ev.ID = model.NewID("drev")
	ev.CreatedAt = s.now().UTC()

	rec, err := store.DREventRecord(ev)
	if err == nil {
		err = s.store.Upsert(ctx, rec)
	}
	if err != nil {
		return model.DREvent{}, errors.Wrap(errors.KindOf(err), err, "persist dr event for %s", ev.Component)
	}

	s.mu.Lock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.cfg.EventRetention; over > 0 {
		s.events = append([]model.DREvent(nil), s.events[over:]...)
	}
	s.mu.Unlock()

	if ev.Severity == model.DRSeverityInfo {
		s.logger.Info("dr event recorded", "component", ev.Component, "severity", ev.Severity, "message", ev.Message)
	} else {
		s.logger.Warn("dr event recorded", "component", ev.Component, "severity", ev.Severity, "message", ev.Message)
	}
	if s.onEvent != nil {
		ev := ev
		s.logger.Go("dr-event", func() { s.onEvent(ev) })
	}
	return ev, nil
}

func (s *Supervisor) setStatus(component string, status model.ComponentStatus) {
	s.mu.Lock()
	if st, ok := s.states[component]; ok {
		st.Status = status
	}
	s.mu.Unlock()
}

func (s *Supervisor) currentStatus(component string) model.ComponentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[component]; ok {
		return st.Status
	}
	return model.ComponentUnknown
}

func (s *Supervisor) finishProbe(component string, kind model.DRTestKind, status model.ComponentStatus, resultID string, at time.Time) {
	s.mu.Lock()
	if st, ok := s.states[component]; ok {
		st.Status = status
		tested := at
		st.LastTested = &tested
		st.LastResult = resultID
	}
	s.lastProbe[component+"/"+string(kind)] = at
	s.mu.Unlock()
}

func (s *Supervisor) probeTime(component string, kind model.DRTestKind) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastProbe[component+"/"+string(kind)]
	return t, ok
}

func (s *Supervisor) objectivesSorted() []model.DRObjective {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DRObjective, 0, len(s.objectives))
	for _, obj := range s.objectives {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Component < out[j].Component
	})
	return out
}

// healthScore weighs each component by 6 minus its priority. Status maps to a base
// score (healthy 100, testing 85, warning 70, anything else 0) scaled by
// test freshness: 0.3 never tested, 0.5 older than 30 days, 0.8 older
// than 7 days. A system with no objectives scores 100.
func healthScore(objectives map[string]model.DRObjective, states map[string]*model.ComponentState, now time.Time) float64 {
	var sum, weights float64
	for component, obj := range objectives {
		state, ok := states[component]
		if !ok {
			continue
		}
		var base float64
		switch state.Status {
		case model.ComponentHealthy:
			base = 100
		case model.ComponentTesting:
			base = 85
		case model.ComponentWarning:
			base = 70
		}
		factor := 0.3
		if state.LastTested != nil {
			switch age := now.Sub(*state.LastTested); {
			case age > 30*24*time.Hour:
				factor = 0.5
			case age > 7*24*time.Hour:
				factor = 0.8
			default:
				factor = 1.0
			}
		}
		weight := float64(6 - obj.Priority)
		sum += base * factor * weight
		weights += weight
	}
	if weights == 0 {
		return 100
	}
	return sum / weights
}

func failureSummary(result model.DRTestResult) string {
	var failed []string
	for name, ok := range result.Validations {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	switch {
	case len(failed) > 0 && len(result.Errors) > 0:
		return fmt.Sprintf("checks failed: %s (%s)", strings.Join(failed, ", "), strings.Join(result.Errors, "; "))
	case len(failed) > 0:
		return "checks failed: " + strings.Join(failed, ", ")
	default:
		return strings.Join(result.Errors, "; ")
	}
}

func allTrue(checks map[string]bool) bool {
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}
