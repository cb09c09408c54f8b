package pipeline

import (
	"regexp"
	"strings"
)

var (
	reHorizontalWS = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	rePaginator    = regexp.MustCompile(`(?i)^\s*(?:page\s+\d+\s+of\s+\d+|-\s*\d+\s*-)\s*$`)
	reBlankRuns    = regexp.MustCompile(`\n{4,}`)
)

// Normalize canonicalizes extracted text. The function is pure: identical
// input bytes always produce identical output, which is what keeps equal
// fingerprints implying equal text.
//
// Steps, in order: line endings to \n, null bytes dropped, horizontal
// whitespace runs collapsed to one space, trailing space stripped per
// line, paginator artifact lines removed, three or more blank lines
// collapsed to two, outer whitespace trimmed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		// Collapse before the paginator check so "Page 3 of 10" is
		// caught however its spacing was rendered.
		line = reHorizontalWS.ReplaceAllString(line, " ")
		line = strings.TrimRight(line, " ")
		if rePaginator.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	text = strings.Join(out, "\n")

	text = reBlankRuns.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}

// Excerpt returns the first n runes of text, trimmed at the cut.
func Excerpt(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n]))
}
