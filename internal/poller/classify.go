package poller

import (
	"strings"

	"vigil/internal/config"
	"vigil/internal/model"
)

// defaultRules order matters: enforcement actions cite the rules they
// enforce and proposals cite the rules they would amend, so the more
// specific families come first.
var defaultRules = []config.ClassificationRule{
	{Type: string(model.DocEnforcement), Keywords: []string{
		"enforcement", "penalty", "sanction", "consent order", "violation", "cease and desist"}},
	{Type: string(model.DocProposal), Keywords: []string{
		"proposed rule", "proposal", "comment period", "request for comment", "notice of proposed"}},
	{Type: string(model.DocRegulation), Keywords: []string{
		"final rule", "regulation", "amendment", "rule change", "directive"}},
	{Type: string(model.DocGuidance), Keywords: []string{
		"guidance", "interpretation", "advisory", "bulletin", "faq", "no-action"}},
}

// Classifier assigns a document type from title and summary keywords.
// Rules apply in declared order, first match wins, and anything
// unmatched is an announcement.
type Classifier struct {
	rules []rule
}

type rule struct {
	keywords []string
	docType  model.DocumentType
}

// NewClassifier compiles a rule table. An empty table selects the
// built-in defaults.
func NewClassifier(rules []config.ClassificationRule) *Classifier {
	if len(rules) == 0 {
		rules = defaultRules
	}
	c := &Classifier{rules: make([]rule, 0, len(rules))}
	for _, r := range rules {
		compiled := rule{docType: model.DocumentType(r.Type)}
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				compiled.keywords = append(compiled.keywords, kw)
			}
		}
		if len(compiled.keywords) > 0 {
			c.rules = append(c.rules, compiled)
		}
	}
	return c
}

// Classify types a candidate entry.
func (c *Classifier) Classify(title, summary string) model.DocumentType {
	haystack := strings.ToLower(title + " " + summary)
	for _, r := range c.rules {
		for _, kw := range r.keywords {
			if strings.Contains(haystack, kw) {
				return r.docType
			}
		}
	}
	return model.DocAnnouncement
}
