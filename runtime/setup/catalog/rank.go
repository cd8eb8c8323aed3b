package catalog

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords are ignored when scoring so the templated "Action Type" and
// "Objective" labels of task steps do not dominate the ranking.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "to": {}, "of": {}, "for": {},
	"in": {}, "on": {}, "with": {}, "action": {}, "type": {}, "objective": {},
	"required": {}, "context": {}, "is": {}, "or": {}, "by": {}, "from": {},
}

// Terms splits text into lower-case search terms, dropping punctuation and
// stopwords. Duplicate terms are removed preserving first occurrence.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Rank orders tools by how many query terms they mention and returns at most
// topK tools with a non-zero score. Name and integration hits weigh more than
// description hits. Ties break on name.
func Rank(tools []Tool, text string, topK int) []Tool {
	if topK <= 0 {
		topK = DefaultTopK
	}
	terms := Terms(text)
	type scored struct {
		tool  Tool
		score int
	}
	var hits []scored
	for _, t := range tools {
		name := strings.ToLower(t.Name + " " + t.Integration)
		desc := strings.ToLower(t.Description + " " + t.ShortDescription)
		score := 0
		for _, term := range terms {
			if strings.Contains(name, term) {
				score += 2
			}
			if strings.Contains(desc, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{tool: t, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].tool.Name < hits[j].tool.Name
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Tool, len(hits))
	for i, h := range hits {
		out[i] = h.tool
	}
	return out
}
