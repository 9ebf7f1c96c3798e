package vectorstore

import (
	"slices"
	"sort"
	"strings"

	"vspeech/pkg/ai"
)

// ParseKeywords splits a comma-separated keyword list, trimming whitespace and
// dropping empty entries.
func ParseKeywords(csv string) []string {
	var out []string
	for _, kw := range strings.Split(csv, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// Matches reports whether r passes the source and keyword filters of req.
// Keywords are matched against the text without the document prefix.
func (req SearchRequest) Matches(r Record) bool {
	if len(req.SourceFiles) > 0 && !slices.Contains(req.SourceFiles, r.SourceFile) {
		return false
	}
	if len(req.Keywords) > 0 {
		body := ai.StripDocumentPrefix(r.Text)
		for _, kw := range req.Keywords {
			if !strings.Contains(body, kw) {
				return false
			}
		}
	}
	return true
}

// rank filters records (given in insertion order), scores them against the
// query vector and returns at most req.Limit matches, best first.
func rank(records []Record, req SearchRequest) []Match {
	matches := make([]Match, 0, len(records))
	for _, r := range records {
		if !req.Matches(r) {
			continue
		}
		m := Match{Record: r}
		if req.Vector != nil {
			m.Score = ai.Dot(req.Vector, r.Embedding)
			if req.MinScore > 0 && m.Score < req.MinScore {
				continue
			}
		}
		matches = append(matches, m)
	}
	if req.Vector != nil {
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].Score > matches[j].Score
		})
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	return matches
}
