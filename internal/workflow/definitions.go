package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
)

const definitionCacheSize = 128

// Definitions owns workflow-definition storage: validation on register,
// version immutability once executed, and a read-through LRU cache.
type Definitions struct {
	store  store.Store
	logger *logging.Logger
	cache  *lru.Cache[string, model.WorkflowDefinition]
	now    func() time.Time
}

// NewDefinitions builds the registry over the given store.
func NewDefinitions(st store.Store, logger *logging.Logger) *Definitions {
	cache, _ := lru.New[string, model.WorkflowDefinition](definitionCacheSize)
	return &Definitions{
		store:  st,
		logger: logging.OrNop(logger).Component("workflow"),
		cache:  cache,
		now:    time.Now,
	}
}

// Register validates and persists a definition. Registering over an id
// whose definition has executed allocates a fresh id with the version
// bumped; the executed definition stays untouched for its executions.
func (d *Definitions) Register(ctx context.Context, def model.WorkflowDefinition) (string, error) {
	if err := validateDefinition(&def); err != nil {
		return "", err
	}

	now := d.now().UTC()
	if def.ID == "" {
		def.ID = model.NewID("wfdef")
		if def.Version < 1 {
			def.Version = 1
		}
		def.CreatedAt = now
	} else if prior, err := d.Get(ctx, def.ID); err == nil {
		if prior.Executed {
			def.ID = model.NewID("wfdef")
			def.Version = prior.Version + 1
			def.CreatedAt = now
			d.logger.Info("executed definition superseded",
				"prior_id", prior.ID, "new_id", def.ID, "version", def.Version)
		} else {
			if def.Version < prior.Version {
				def.Version = prior.Version
			}
			def.CreatedAt = prior.CreatedAt
		}
	} else if !errors.IsNotFound(err) {
		return "", err
	} else {
		if def.Version < 1 {
			def.Version = 1
		}
		def.CreatedAt = now
	}

	if def.Status == "" {
		def.Status = model.DefinitionActive
	}
	def.Executed = false
	def.UpdatedAt = now

	if err := d.persist(ctx, def); err != nil {
		return "", err
	}
	d.logger.Info("workflow definition registered",
		"definition_id", def.ID, "name", def.Name, "version", def.Version, "tasks", len(def.Tasks))
	return def.ID, nil
}

// Get resolves a definition, cache first. Cached entries for executed
// definitions are immutable, so hits never go stale.
func (d *Definitions) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	if def, ok := d.cache.Get(id); ok {
		return def, nil
	}
	def, err := store.GetTyped[model.WorkflowDefinition](ctx, d.store, store.KindWorkflowDefinition, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	d.cache.Add(id, def)
	return def, nil
}

// List returns every stored definition sorted by name then version.
func (d *Definitions) List(ctx context.Context) ([]model.WorkflowDefinition, error) {
	var out []model.WorkflowDefinition
	err := store.StreamTyped(ctx, d.store, store.KindWorkflowDefinition, func(def model.WorkflowDefinition) error {
		out = append(out, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// SetStatus moves a definition between draft, active and archived.
func (d *Definitions) SetStatus(ctx context.Context, id string, status model.DefinitionStatus) error {
	switch status {
	case model.DefinitionDraft, model.DefinitionActive, model.DefinitionArchived:
	default:
		return errors.Validation("unknown definition status %q", status)
	}
	def, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if def.Status == status {
		return nil
	}
	def.Status = status
	def.UpdatedAt = d.now().UTC()
	return d.persist(ctx, def)
}

// MarkExecuted pins the definition as immutable. Idempotent; the engine
// calls it on every Start.
func (d *Definitions) MarkExecuted(ctx context.Context, id string) error {
	def, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if def.Executed {
		return nil
	}
	def.Executed = true
	def.UpdatedAt = d.now().UTC()
	return d.persist(ctx, def)
}

// LoadDir registers every *.yaml / *.yml definition under dir, in file
// name order. Returns the number registered; the first malformed file
// aborts the load so operators see broken shipping definitions at boot.
func (d *Definitions) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(errors.KindValidation, err, "read definitions dir %s", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	loaded := 0
	for _, name := range files {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return loaded, errors.Wrap(errors.KindValidation, err, "read definition %s", path)
		}
		def, err := ParseDefinitionYAML(raw)
		if err != nil {
			return loaded, errors.Wrap(errors.KindValidation, err, "parse definition %s", path)
		}
		if _, err := d.Register(ctx, def); err != nil {
			return loaded, errors.Wrap(errors.KindOf(err), err, "register definition %s", path)
		}
		loaded++
	}
	if loaded > 0 {
		d.logger.Info("workflow definitions loaded", "dir", dir, "count", loaded)
	}
	return loaded, nil
}

func (d *Definitions) persist(ctx context.Context, def model.WorkflowDefinition) error {
	rec, err := store.DefinitionRecord(def)
	if err != nil {
		return err
	}
	if err := d.store.Upsert(ctx, rec); err != nil {
		return errors.Wrap(errors.KindOf(err), err, "persist definition %s", def.ID)
	}
	d.cache.Add(def.ID, def)
	return nil
}

// validateDefinition layers kind-specific requirements over the model's
// structural DAG validation.
func validateDefinition(def *model.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.Validation("workflow definition needs a name")
	}
	if err := def.Validate(); err != nil {
		return errors.Wrap(errors.KindValidation, err, "invalid definition %q", def.Name)
	}
	for i := range def.Tasks {
		td := &def.Tasks[i]
		switch td.Kind {
		case model.TaskManual, model.TaskNotification, model.TaskReview,
			model.TaskRiskAssessment, model.TaskComplianceCheck, model.TaskFiling:
		case model.TaskAutomated:
			if td.Automation == nil || td.Automation.Handler == "" {
				return errors.Validation("workflow %q: automated task %q needs an automation handler", def.Name, td.ID)
			}
		case model.TaskApproval:
			a := td.Approval
			if a == nil || a.Key == "" || len(a.Approvers) == 0 {
				return errors.Validation("workflow %q: approval task %q needs a key and approvers", def.Name, td.ID)
			}
			if a.Quorum < 1 || a.Quorum > len(a.Approvers) {
				return errors.Validation("workflow %q: approval task %q quorum %d out of range [1,%d]",
					def.Name, td.ID, a.Quorum, len(a.Approvers))
			}
		case model.TaskCondition:
			if td.Condition == nil || td.Condition.Evaluator == "" {
				return errors.Validation("workflow %q: condition task %q needs an evaluator", def.Name, td.ID)
			}
		default:
			return errors.Validation("workflow %q: task %q has unknown kind %q", def.Name, td.ID, td.Kind)
		}
	}
	return nil
}

// YAML shapes for operator-shipped definitions. Durations are Go strings
// ("72h", "30m"); everything else mirrors the model.

type yamlDefinition struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Version     int            `yaml:"version"`
	Category    string         `yaml:"category"`
	Description string         `yaml:"description"`
	Status      string         `yaml:"status"`
	Tasks       []yamlTask     `yaml:"tasks"`
	Variables   map[string]any `yaml:"default_variables"`
	Settings    *yamlSettings  `yaml:"settings"`
}

type yamlSettings struct {
	FailureBehavior       string `yaml:"failure_behavior"`
	MaxAcceptableFailures int    `yaml:"max_acceptable_failures"`
	MaxDuration           string `yaml:"max_duration"`
}

type yamlTask struct {
	ID               string          `yaml:"id"`
	Name             string          `yaml:"name"`
	Description      string          `yaml:"description"`
	Kind             string          `yaml:"kind"`
	Prerequisites    []string        `yaml:"prerequisites"`
	Condition        *yamlCondition  `yaml:"condition"`
	Timeout          string          `yaml:"timeout"`
	Approval         *yamlApproval   `yaml:"approval"`
	Automation       *yamlAutomation `yaml:"automation"`
	Assignment       *yamlAssignment `yaml:"assignment"`
	Priority         string          `yaml:"priority"`
	RequiredEvidence []string        `yaml:"required_evidence"`
}

type yamlCondition struct {
	Evaluator string         `yaml:"evaluator"`
	Params    map[string]any `yaml:"params"`
}

type yamlApproval struct {
	Key       string   `yaml:"key"`
	Approvers []string `yaml:"approvers"`
	Quorum    int      `yaml:"quorum"`
}

type yamlAutomation struct {
	Handler string         `yaml:"handler"`
	Params  map[string]any `yaml:"params"`
}

type yamlAssignment struct {
	AssigneeID        string `yaml:"assignee_id"`
	AssigneeKind      string `yaml:"assignee_kind"`
	DueIn             string `yaml:"due_in"`
	DelegationAllowed bool   `yaml:"delegation_allowed"`
}

// ParseDefinitionYAML decodes one operator-shipped definition document.
func ParseDefinitionYAML(raw []byte) (model.WorkflowDefinition, error) {
	var doc yamlDefinition
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return model.WorkflowDefinition{}, errors.Wrap(errors.KindValidation, err, "decode definition yaml")
	}

	def := model.WorkflowDefinition{
		ID:               doc.ID,
		Name:             doc.Name,
		Version:          doc.Version,
		Category:         doc.Category,
		Description:      doc.Description,
		Status:           model.DefinitionStatus(doc.Status),
		DefaultVariables: doc.Variables,
	}
	if doc.Settings != nil {
		def.Settings = model.WorkflowSettings{
			FailureBehavior:       model.FailureBehavior(doc.Settings.FailureBehavior),
			MaxAcceptableFailures: doc.Settings.MaxAcceptableFailures,
		}
		if doc.Settings.MaxDuration != "" {
			dur, err := time.ParseDuration(doc.Settings.MaxDuration)
			if err != nil {
				return model.WorkflowDefinition{}, errors.Wrap(errors.KindValidation, err,
					"definition %q: bad max_duration", doc.Name)
			}
			def.Settings.MaxDuration = dur
		}
	}

	for _, t := range doc.Tasks {
		td := model.TaskDefinition{
			ID:               t.ID,
			Name:             t.Name,
			Description:      t.Description,
			Kind:             model.TaskKind(t.Kind),
			Prerequisites:    t.Prerequisites,
			Priority:         model.Priority(t.Priority),
			RequiredEvidence: t.RequiredEvidence,
		}
		if t.Timeout != "" {
			dur, err := time.ParseDuration(t.Timeout)
			if err != nil {
				return model.WorkflowDefinition{}, errors.Wrap(errors.KindValidation, err,
					"definition %q: task %q bad timeout", doc.Name, t.ID)
			}
			td.Timeout = dur
		}
		if t.Condition != nil {
			td.Condition = &model.ConditionConfig{Evaluator: t.Condition.Evaluator, Params: t.Condition.Params}
		}
		if t.Approval != nil {
			td.Approval = &model.ApprovalConfig{Key: t.Approval.Key, Approvers: t.Approval.Approvers, Quorum: t.Approval.Quorum}
		}
		if t.Automation != nil {
			td.Automation = &model.AutomationConfig{Handler: t.Automation.Handler, Params: t.Automation.Params}
		}
		if t.Assignment != nil {
			spec := model.AssignmentSpec{
				AssigneeID:        t.Assignment.AssigneeID,
				AssigneeKind:      t.Assignment.AssigneeKind,
				DelegationAllowed: t.Assignment.DelegationAllowed,
			}
			if t.Assignment.DueIn != "" {
				dur, err := time.ParseDuration(t.Assignment.DueIn)
				if err != nil {
					return model.WorkflowDefinition{}, errors.Wrap(errors.KindValidation, err,
						"definition %q: task %q bad due_in", doc.Name, t.ID)
				}
				spec.DueIn = dur
			}
			td.Assignment = &spec
		}
		def.Tasks = append(def.Tasks, td)
	}
	return def, nil
}
