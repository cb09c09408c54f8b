package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/araddon/dateparse"

	"vigil/internal/model"
)

// Extraction caps. Hostile documents must not grow metadata without bound.
const (
	maxDates      = 10
	maxEmails     = 5
	maxPhones     = 5
	maxReferences = 20
	maxKeywords   = 10
)

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePhone = regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{3}\)[ .\-]?|\d{3}[ .\-])\d{3}[ .\-]\d{4}\b`)
	reRef   = regexp.MustCompile(`(?i)\b(section|rule|part|article)\s+(\d+(?:\.\d+)*[A-Za-z]?(?:\([A-Za-z0-9]+\))*)`)

	monthNames = `january|february|march|april|may|june|july|august|september|october|november|december`

	reDateCandidates = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`),
		regexp.MustCompile(`(?i)\b(?:` + monthNames + `)\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:` + monthNames + `)\s+\d{4}\b`),
	}
)

// ExtractMetadata mines structured values out of normalized text. Every
// slice is deduplicated in first-seen order and capped.
func ExtractMetadata(text string) model.DocumentMetadata {
	return model.DocumentMetadata{
		Dates:      extractDates(text),
		Emails:     capMatches(reEmail.FindAllString(text, -1), maxEmails, strings.ToLower),
		Phones:     capMatches(rePhone.FindAllString(text, -1), maxPhones, strings.TrimSpace),
		References: extractReferences(text),
	}
}

func extractDates(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, re := range reDateCandidates {
		for _, candidate := range re.FindAllString(text, -1) {
			if len(out) == maxDates {
				return out
			}
			if _, err := dateparse.ParseAny(candidate); err != nil {
				continue
			}
			key := strings.ToLower(candidate)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, candidate)
		}
	}
	return out
}

func extractReferences(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range reRef.FindAllStringSubmatch(text, -1) {
		if len(out) == maxReferences {
			break
		}
		kind := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
		ref := kind + " " + m[2]
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func capMatches(matches []string, limit int, canon func(string) string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		m = canon(m)
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// stopwords are tokens too common to be useful keywords, including the
// modal verbs regulatory prose leans on.
var stopwords = map[string]bool{
	"about": true, "above": true, "after": true, "against": true,
	"all": true, "also": true, "and": true, "any": true, "are": true,
	"because": true, "been": true, "before": true, "being": true,
	"below": true, "between": true, "both": true, "but": true, "can": true,
	"could": true, "does": true, "doing": true, "down": true,
	"during": true, "each": true, "for": true, "from": true,
	"further": true, "had": true, "has": true, "have": true,
	"having": true, "here": true, "how": true, "into": true, "its": true,
	"itself": true, "just": true, "may": true, "more": true, "most": true,
	"must": true, "not": true, "now": true, "off": true, "once": true,
	"only": true, "other": true, "our": true, "out": true, "over": true,
	"own": true, "same": true, "shall": true, "should": true,
	"similar": true, "some": true, "such": true, "than": true,
	"that": true, "the": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true,
	"those": true, "through": true, "under": true, "until": true,
	"upon": true, "very": true, "was": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "while": true,
	"who": true, "whom": true, "why": true, "will": true, "with": true,
	"within": true, "would": true, "your": true,
}

// ExtractKeywords ranks the most frequent substantive tokens. Ordering is
// deterministic: count descending, then alphabetical.
func ExtractKeywords(text string, limit int) []string {
	if limit <= 0 {
		limit = maxKeywords
	}
	counts := make(map[string]int)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, tok := range tokens {
		if len(tok) < 4 || stopwords[tok] {
			continue
		}
		counts[tok]++
	}

	type freq struct {
		word  string
		count int
	}
	ranked := make([]freq, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, freq{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, f := range ranked {
		out[i] = f.word
	}
	return out
}
