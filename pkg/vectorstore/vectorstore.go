// Package vectorstore keeps one collection of embedded transcript segments
// per index and answers filtered similarity queries over it.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"vspeech/pkg/ai"
	"vspeech/pkg/domain"
)

// DefaultTopN is used when a query does not ask for a positive result count.
const DefaultTopN = 10

// Record is a stored segment with its embedding.
type Record struct {
	ID         string
	Text       string
	Start      float64
	End        float64
	SourceFile string
	Embedding  []float32
}

// Match is a record returned by a search. Score is the inner product with the
// query vector, or zero when no query text was given.
type Match struct {
	Record
	Score float64
}

// SearchRequest is the backend-level query. All filters are conjunctive.
type SearchRequest struct {
	Vector      []float32
	Limit       int
	SourceFiles []string
	Keywords    []string
	MinScore    float64
}

// Backend persists collections. Search and Add on a missing collection
// return domain.ErrIndexNotReady; deletes of missing data are no-ops.
type Backend interface {
	EnsureCollection(ctx context.Context, collection string) error
	HasCollection(ctx context.Context, collection string) (bool, error)
	Add(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, req SearchRequest) ([]Match, error)
	DeleteBySource(ctx context.Context, collection, sourceFile string) (int, error)
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

// Query describes a search over one index.
type Query struct {
	Text        string
	TopN        int
	SourceFiles []string
	// KeywordCSV holds comma-separated keywords that must all appear. Each
	// keyword is whitespace-trimmed, so "a, b" matches "b" rather than " b",
	// and empty entries are ignored.
	KeywordCSV string
	MinScore   float64
}

// Store embeds segments through the gateway and serialises writes per
// collection.
type Store struct {
	backend Backend
	gateway *ai.Gateway

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Store over backend.
func New(backend Backend, gateway *ai.Gateway) *Store {
	return &Store{
		backend: backend,
		gateway: gateway,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(collection string) func() {
	s.mu.Lock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// EnsureCollection creates the collection for indexID if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, indexID string) error {
	defer s.lock(indexID)()
	if err := s.backend.EnsureCollection(ctx, indexID); err != nil {
		return fmt.Errorf("%w: ensure collection %s: %w", domain.ErrStoreUnavailable, indexID, err)
	}
	return nil
}

// HasCollection reports whether indexID has a collection.
func (s *Store) HasCollection(ctx context.Context, indexID string) (bool, error) {
	ok, err := s.backend.HasCollection(ctx, indexID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Upsert embeds segments and stores them in the index's collection, creating
// it on first use. Segments with an existing id replace the stored entry.
func (s *Store) Upsert(ctx context.Context, indexID string, segments []domain.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		texts = append(texts, seg.Text)
	}
	vectors, err := s.gateway.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	records := make([]Record, 0, len(segments))
	for i, seg := range segments {
		records = append(records, Record{
			ID:         seg.ID,
			Text:       ai.WithDocumentPrefix(seg.Text),
			Start:      seg.Start,
			End:        seg.End,
			SourceFile: seg.SourceFile,
			Embedding:  vectors[i],
		})
	}

	defer s.lock(indexID)()
	if err := s.backend.EnsureCollection(ctx, indexID); err != nil {
		return fmt.Errorf("%w: ensure collection %s: %w", domain.ErrStoreUnavailable, indexID, err)
	}
	if err := s.backend.Add(ctx, indexID, records); err != nil {
		return fmt.Errorf("%w: add segments: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Query searches the collection of indexID. Without query text, matches
// come back in insertion order.
func (s *Store) Query(ctx context.Context, indexID string, q Query) ([]Match, error) {
	ok, err := s.HasCollection(ctx, indexID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotReady, indexID)
	}
	req := SearchRequest{
		Limit:       q.TopN,
		SourceFiles: compact(q.SourceFiles),
		Keywords:    ParseKeywords(q.KeywordCSV),
		MinScore:    q.MinScore,
	}
	if req.Limit <= 0 {
		req.Limit = DefaultTopN
	}
	if strings.TrimSpace(q.Text) != "" {
		req.Vector, err = s.gateway.EmbedQuery(ctx, q.Text)
		if err != nil {
			return nil, err
		}
	}
	matches, err := s.backend.Search(ctx, indexID, req)
	if err != nil {
		return nil, classify(err)
	}
	return matches, nil
}

// DeleteEntry removes every segment of srcPath from the index's collection.
func (s *Store) DeleteEntry(ctx context.Context, indexID, srcPath string) (int, error) {
	defer s.lock(indexID)()
	n, err := s.backend.DeleteBySource(ctx, indexID, srcPath)
	if err != nil {
		return 0, fmt.Errorf("%w: delete %s: %w", domain.ErrStoreUnavailable, srcPath, err)
	}
	return n, nil
}

// DeleteCollection drops the index's collection and all of its segments.
func (s *Store) DeleteCollection(ctx context.Context, indexID string) error {
	defer s.lock(indexID)()
	if err := s.backend.DeleteCollection(ctx, indexID); err != nil {
		return fmt.Errorf("%w: delete collection %s: %w", domain.ErrStoreUnavailable, indexID, err)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{domain.ErrIndexNotReady, domain.ErrStoreUnavailable, domain.ErrEmbeddingUnavailable} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
