package app

import (
	"context"
	"fmt"
	"math"
	"strings"

	"vspeech/pkg/ai"
	"vspeech/pkg/domain"
	"vspeech/pkg/vectorstore"
)

// SearchRequest is a filtered similarity query over one index. At least one
// of Query, Keyword and VideoPaths is required; all given filters must hold.
type SearchRequest struct {
	Query      string   `json:"query"`
	NResults   int      `json:"nResults"`
	VideoPaths []string `json:"videoPaths"`
	// Keyword is a comma-separated list of substrings that must all appear.
	Keyword string `json:"keyword"`
	// MinScore drops semantic matches scoring below it.
	MinScore float64 `json:"minScore"`
}

// Search runs req against the index's collection. The index must exist and
// have indexed content, otherwise the error wraps domain.ErrIndexNotReady.
func (a *App) Search(ctx context.Context, indexID string, req SearchRequest) ([]domain.SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	keyword := strings.TrimSpace(req.Keyword)
	paths := make([]string, 0, len(req.VideoPaths))
	for _, p := range req.VideoPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if query == "" && keyword == "" && len(paths) == 0 {
		return nil, ErrQueryRequired
	}

	_, ok, err := a.store.GetIndex(indexID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotReady, indexID)
	}

	topN := req.NResults
	if topN <= 0 {
		topN = a.defaultTopN
	}
	matches, err := a.vectors.Query(ctx, indexID, vectorstore.Query{
		Text:        query,
		TopN:        topN,
		SourceFiles: paths,
		KeywordCSV:  keyword,
		MinScore:    req.MinScore,
	})
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, domain.SearchResult{
			VideoPath: m.SourceFile,
			StartTime: FormatTimestamp(m.Start),
			EndTime:   FormatTimestamp(m.End),
			Text:      ai.StripDocumentPrefix(m.Text),
			Score:     m.Score,
		})
	}
	return results, nil
}

// FormatTimestamp renders seconds as zero-padded HH:MM:SS, truncating any
// fraction. Negative and NaN input renders as 00:00:00; +Inf and values past
// the int64 range saturate at math.MaxInt64 seconds.
func FormatTimestamp(seconds float64) string {
	var total int64
	switch {
	case seconds < 0 || math.IsNaN(seconds):
		total = 0
	case seconds >= float64(math.MaxInt64):
		total = math.MaxInt64
	default:
		total = int64(math.Floor(seconds))
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
