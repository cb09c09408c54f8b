package orchestrator

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	lru "github.com/hashicorp/golang-lru/v2"

	"vigil/internal/config"
	"vigil/internal/errors"
	"vigil/internal/index"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
)

const (
	assessmentCacheSize = 512
	embedPrefixRunes    = 2000

	// confidenceSubtasks counts the assessment's internal steps:
	// dimension scoring, six tag mappings, deadline extraction and the
	// similarity search. Only the search does IO, so it is the step
	// that can fail.
	confidenceSubtasks = 9
)

// Weights of the four scoring dimensions. They sum to 1 so the final
// score stays in [0,1].
const (
	weightUrgency    = 0.30
	weightScope      = 0.25
	weightComplexity = 0.25
	weightCost       = 0.20
)

// DimensionTable scores one dimension: the count of distinct keywords
// found in the text, saturating at Saturation, normalized into [0,1].
type DimensionTable struct {
	Keywords   []string
	Saturation int
}

func (t DimensionTable) score(lower string) (float64, []string) {
	if t.Saturation < 1 || len(t.Keywords) == 0 {
		return 0, nil
	}
	var hits []string
	for _, kw := range t.Keywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	return math.Min(float64(len(hits))/float64(t.Saturation), 1), hits
}

// TagRule emits Tag when any of its keywords appears in the text.
type TagRule struct {
	Tag      string
	Keywords []string
}

func applyRules(lower string, rules []TagRule) []string {
	var tags []string
	for _, r := range rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, r.Tag)
				break
			}
		}
	}
	return tags
}

// KeywordTables is the complete rule set behind an assessment: four
// scoring dimensions plus the keyword-to-tag mappings for affected
// areas, actions, risks and mitigations. Keywords must be lower case;
// matching is case-insensitive substring containment.
type KeywordTables struct {
	Urgency    DimensionTable
	Scope      DimensionTable
	Complexity DimensionTable
	Cost       DimensionTable

	BusinessUnits []TagRule
	Systems       []TagRule
	Processes     []TagRule
	Actions       []TagRule
	Risks         []TagRule
	Mitigations   []TagRule
}

// DefaultKeywordTables returns the built-in rule set, tuned for
// securities-regulation language. Urgency and scope saturate on a
// single hit; complexity and cost need several distinct hits before
// they max out.
func DefaultKeywordTables() KeywordTables {
	return KeywordTables{
		Urgency: DimensionTable{
			Saturation: 1,
			Keywords: []string{
				"final rule", "effective immediately", "must comply",
				"enforcement action", "mandatory", "without delay",
			},
		},
		Scope: DimensionTable{
			Saturation: 1,
			Keywords: []string{
				"rule", "regulation", "all firms", "broker-dealer",
				"investment adviser", "industry-wide", "registrant",
				"market participant",
			},
		},
		Complexity: DimensionTable{
			Saturation: 4,
			Keywords: []string{
				"final rule", "reporting requirement", "recordkeeping",
				"disclosure", "implementation", "procedures", "amendment",
				"system",
			},
		},
		Cost: DimensionTable{
			Saturation: 3,
			Keywords: []string{
				"capital", "fee", "penalt", "sanction", "expenditure",
				"budget",
			},
		},
		BusinessUnits: []TagRule{
			{Tag: "trading", Keywords: []string{"trading", "broker-dealer", "market making", "order execution"}},
			{Tag: "asset_management", Keywords: []string{"investment adviser", "fund", "portfolio management"}},
			{Tag: "treasury", Keywords: []string{"capital", "liquidity", "treasury"}},
			{Tag: "legal_compliance", Keywords: []string{"disclosure", "reporting requirement", "recordkeeping"}},
		},
		Systems: []TagRule{
			{Tag: "trade_reporting", Keywords: []string{"reporting requirement", "transaction report", "trade report"}},
			{Tag: "books_and_records", Keywords: []string{"recordkeeping", "books and records", "retention"}},
			{Tag: "surveillance", Keywords: []string{"monitoring", "surveillance", "market abuse"}},
			{Tag: "client_onboarding", Keywords: []string{"kyc", "customer identification", "onboarding"}},
		},
		Processes: []TagRule{
			{Tag: "regulatory_reporting", Keywords: []string{"reporting requirement", "filing", "form "}},
			{Tag: "trade_lifecycle", Keywords: []string{"settlement", "clearing", "execution"}},
			{Tag: "records_retention", Keywords: []string{"recordkeeping", "retention"}},
			{Tag: "disclosure_review", Keywords: []string{"disclosure", "prospectus"}},
		},
		Actions: []TagRule{
			{Tag: "update_policies", Keywords: []string{"procedures", "policies", "written supervisory"}},
			{Tag: "file_with_regulator", Keywords: []string{"filing", "must file", "submit"}},
			{Tag: "system_changes", Keywords: []string{"implementation", "system", "technology"}},
			{Tag: "train_staff", Keywords: []string{"training", "personnel", "supervision"}},
			{Tag: "review_disclosures", Keywords: []string{"disclosure", "prospectus", "marketing"}},
		},
		Risks: []TagRule{
			{Tag: "enforcement", Keywords: []string{"enforcement action", "penalt", "sanction"}},
			{Tag: "operational", Keywords: []string{"implementation", "system", "deadline"}},
			{Tag: "financial", Keywords: []string{"capital", "fee", "expenditure"}},
			{Tag: "reputational", Keywords: []string{"public", "disclosure", "press"}},
		},
		Mitigations: []TagRule{
			{Tag: "gap_analysis", Keywords: []string{"requirement", "rule", "regulation"}},
			{Tag: "compliance_calendar", Keywords: []string{"deadline", "effective", "compliance date"}},
			{Tag: "dedicated_workstream", Keywords: []string{"implementation", "system", "procedures"}},
			{Tag: "external_counsel", Keywords: []string{"interpretation", "no-action", "guidance"}},
		},
	}
}

// breakdown carries per-dimension scores and the keywords that produced
// them, for the assessment rationale.
type breakdown struct {
	urgency, scope, complexity, cost float64
	hits                             [4][]string
}

func (k KeywordTables) evaluate(lower string) (float64, breakdown) {
	var b breakdown
	b.urgency, b.hits[0] = k.Urgency.score(lower)
	b.scope, b.hits[1] = k.Scope.score(lower)
	b.complexity, b.hits[2] = k.Complexity.score(lower)
	b.cost, b.hits[3] = k.Cost.score(lower)
	score := weightUrgency*b.urgency + weightScope*b.scope +
		weightComplexity*b.complexity + weightCost*b.cost
	return score, b
}

func (b breakdown) rationale() string {
	part := func(name string, score float64, hits []string) string {
		if len(hits) == 0 {
			return fmt.Sprintf("%s %.2f", name, score)
		}
		return fmt.Sprintf("%s %.2f (%s)", name, score, strings.Join(hits, ", "))
	}
	return strings.Join([]string{
		part("urgency", b.urgency, b.hits[0]),
		part("scope", b.scope, b.hits[1]),
		part("complexity", b.complexity, b.hits[2]),
		part("cost", b.cost, b.hits[3]),
	}, "; ")
}

// levelFor bands the weighted score.
func levelFor(score float64) model.ImpactLevel {
	switch {
	case score >= 0.8:
		return model.ImpactCritical
	case score >= 0.6:
		return model.ImpactHigh
	case score >= 0.4:
		return model.ImpactMedium
	case score >= 0.2:
		return model.ImpactLow
	default:
		return model.ImpactNone
	}
}

// deadlinePattern finds the first compliance-date marker in the text.
// The capture is handed to the multi-format parser token by token,
// longest candidate first.
var deadlinePattern = regexp.MustCompile(`(?i)\b(?:effective|compliance by|must comply by)[:\s]+([^.;\n]{1,64})`)

// extractDeadline pulls a compliance deadline out of free text. The
// document model carries no explicit deadline field, so the marker
// phrases are the only source. Returns nil when no parseable date
// follows a marker.
func extractDeadline(text string) *time.Time {
	m := deadlinePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	tokens := strings.Fields(m[1])
	if len(tokens) > 5 {
		tokens = tokens[:5]
	}
	for n := len(tokens); n > 0; n-- {
		candidate := strings.Trim(strings.Join(tokens[:n], " "), ",;:")
		if !strings.ContainsAny(candidate, "0123456789") {
			continue
		}
		at, err := dateparse.ParseAny(candidate)
		if err != nil || at.Year() < 1990 || at.Year() > 2100 {
			continue
		}
		at = at.UTC()
		return &at
	}
	return nil
}

func assessmentText(doc model.RegulatoryDocument) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{doc.Title, doc.Summary, doc.FullText} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// AssessorOption customizes assessor construction.
type AssessorOption func(*Assessor)

// WithSearch wires the similarity index the assessor queries for
// precedent regulations. Without it the similar-regulations subtask
// counts as failed and lowers confidence.
func WithSearch(idx index.Index, emb index.Embedder) AssessorOption {
	return func(a *Assessor) {
		a.index = idx
		a.embedder = emb
	}
}

// WithTables replaces the default keyword tables.
func WithTables(t KeywordTables) AssessorOption {
	return func(a *Assessor) { a.tables = t }
}

// WithAssessorClock overrides the time source in tests.
func WithAssessorClock(now func() time.Time) AssessorOption {
	return func(a *Assessor) { a.now = now }
}

// Assessor turns regulatory documents into impact assessments using the
// closed scoring rules in its keyword tables. At most one assessment
// per document is Current; superseded rows stay behind as history.
// Results are cached by document id.
type Assessor struct {
	store     store.Store
	logger    *logging.Logger
	tables    KeywordTables
	index     index.Index
	embedder  index.Embedder
	topK      int
	threshold float32
	now       func() time.Time
	cache     *lru.Cache[string, model.ImpactAssessment]
}

// NewAssessor builds an assessor over the given store.
func NewAssessor(cfg config.OrchestratorConfig, st store.Store, logger *logging.Logger, opts ...AssessorOption) *Assessor {
	topK := cfg.SimilarTopK
	if topK < 1 {
		topK = 5
	}
	threshold := float32(cfg.SimilarScoreThreshold)
	if threshold <= 0 {
		threshold = 0.3
	}
	cache, _ := lru.New[string, model.ImpactAssessment](assessmentCacheSize)
	a := &Assessor{
		store:     st,
		logger:    logging.OrNop(logger).Component("assessor"),
		tables:    DefaultKeywordTables(),
		topK:      topK,
		threshold: threshold,
		now:       time.Now,
		cache:     cache,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Current returns the document's current assessment if one exists,
// cache first.
func (a *Assessor) Current(ctx context.Context, documentID string) (model.ImpactAssessment, bool) {
	if cur, ok := a.cache.Get(documentID); ok {
		return cur, true
	}
	rows, err := store.QueryTyped[model.ImpactAssessment](ctx, a.store, store.KindAssessment, store.IdxDocumentID, documentID)
	if err != nil {
		a.logger.Warn("assessment lookup failed", "document_id", documentID, "error", err)
		return model.ImpactAssessment{}, false
	}
	for _, row := range rows {
		if row.Current {
			a.cache.Add(documentID, row)
			return row, true
		}
	}
	return model.ImpactAssessment{}, false
}

// Assess scores the document. With force false an existing assessment
// is returned as-is; with force true a fresh one is computed and the
// previous Current row is demoted to history.
func (a *Assessor) Assess(ctx context.Context, doc model.RegulatoryDocument, force bool) (model.ImpactAssessment, error) {
	if doc.ID == "" {
		return model.ImpactAssessment{}, errors.Validation("assess: document id required")
	}
	if !force {
		if cur, ok := a.Current(ctx, doc.ID); ok {
			return cur, nil
		}
	}

	assessment := a.compute(ctx, doc)
	if err := a.persist(ctx, assessment); err != nil {
		return model.ImpactAssessment{}, err
	}
	a.cache.Add(doc.ID, assessment)
	a.logger.Info("document assessed",
		"document_id", doc.ID, "assessment_id", assessment.ID,
		"level", string(assessment.Level), "score", assessment.Score)
	return assessment, nil
}

func (a *Assessor) compute(ctx context.Context, doc model.RegulatoryDocument) model.ImpactAssessment {
	text := assessmentText(doc)
	lower := strings.ToLower(text)
	score, dims := a.tables.evaluate(lower)

	assessment := model.ImpactAssessment{
		ID:                    model.NewID("imp"),
		DocumentID:            doc.ID,
		Level:                 levelFor(score),
		Score:                 score,
		AffectedBusinessUnits: applyRules(lower, a.tables.BusinessUnits),
		AffectedSystems:       applyRules(lower, a.tables.Systems),
		AffectedProcesses:     applyRules(lower, a.tables.Processes),
		RequiredActions:       applyRules(lower, a.tables.Actions),
		RiskFactors:           applyRules(lower, a.tables.Risks),
		MitigationStrategies:  applyRules(lower, a.tables.Mitigations),
		ComplianceDeadline:    extractDeadline(text),
		Rationale:             dims.rationale(),
		Current:               true,
		AssessedAt:            a.now().UTC(),
	}

	failed := 0
	similar, err := a.similar(ctx, doc, text)
	if err != nil {
		failed++
		a.logger.Warn("similar-regulations lookup failed", "document_id", doc.ID, "error", err)
	}
	assessment.SimilarRegulations = similar

	done := float64(confidenceSubtasks-failed) / float64(confidenceSubtasks)
	assessment.Confidence = 0.7*done + 0.3*math.Min(float64(len(text))/1000, 1)
	return assessment
}

func (a *Assessor) similar(ctx context.Context, doc model.RegulatoryDocument, text string) ([]string, error) {
	if a.index == nil || a.embedder == nil {
		return nil, errors.Validation("similarity search needs an index and an embedder")
	}
	prefix := text
	if runes := []rune(prefix); len(runes) > embedPrefixRunes {
		prefix = string(runes[:embedPrefixRunes])
	}
	vec, err := a.embedder.Embed(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(errors.KindOf(err), err, "embed document %s", doc.ID)
	}
	// One extra slot because the document may match itself.
	matches, err := a.index.Search(ctx, vec, a.topK+1, a.threshold, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindOf(err), err, "similarity search for %s", doc.ID)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.DocID == doc.ID {
			continue
		}
		ids = append(ids, m.DocID)
	}
	if len(ids) > a.topK {
		ids = ids[:a.topK]
	}
	return ids, nil
}

// persist writes the new Current row and demotes any previous one in
// the same transaction, so readers never see two current assessments
// for a document.
func (a *Assessor) persist(ctx context.Context, assessment model.ImpactAssessment) error {
	err := a.store.Transaction(ctx, func(tx store.Store) error {
		prior, err := store.QueryTyped[model.ImpactAssessment](ctx, tx, store.KindAssessment, store.IdxDocumentID, assessment.DocumentID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if !p.Current {
				continue
			}
			p.Current = false
			rec, err := store.AssessmentRecord(p)
			if err != nil {
				return err
			}
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		rec, err := store.AssessmentRecord(assessment)
		if err != nil {
			return err
		}
		return tx.Upsert(ctx, rec)
	})
	if err != nil {
		return errors.Wrap(errors.KindOf(err), err, "persist assessment %s", assessment.ID)
	}
	return nil
}
