package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vspeech/pkg/ai"
	"vspeech/pkg/domain"
)

// topicEmbedder scores texts by how often each vocabulary word occurs.
type topicEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

var vocabulary = []string{"cat", "dog", "fish"}

func (e *topicEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail != nil {
		return nil, e.fail
	}
	v := make([]float32, len(vocabulary))
	for i, word := range vocabulary {
		v[i] = float32(strings.Count(text, word))
	}
	return v, nil
}

type backendFactory struct {
	name string
	open func(t *testing.T) Backend
}

func backends() []backendFactory {
	return []backendFactory{
		{name: "memory", open: func(t *testing.T) Backend { return NewMemoryBackend() }},
		{name: "sqlite", open: func(t *testing.T) Backend {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "vectors", "chroma.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return b
		}},
	}
}

func seg(id, text, src string, start, end float64) domain.Segment {
	return domain.Segment{ID: id, Text: domain.DocumentPrefix + text, Start: start, End: end, SourceFile: src}
}

func newTestStore(t *testing.T, f backendFactory) (*Store, *topicEmbedder) {
	t.Helper()
	emb := &topicEmbedder{}
	s := New(f.open(t), ai.NewGateway(emb, ai.GatewayOptions{BatchSize: 2}))
	t.Cleanup(func() { _ = s.Close() })
	return s, emb
}

func seed(t *testing.T, s *Store, indexID string) {
	t.Helper()
	segments := []domain.Segment{
		seg("s1", "the cat sat", "/v/a.mp4", 0, 11),
		seg("s2", "dog dog walk", "/v/a.mp4", 11, 22),
		seg("s3", "cat and dog", "/v/b.mp4", 0, 12),
		seg("s4", "fish market cat cat", "/v/b.mp4", 12, 24),
	}
	if err := s.Upsert(context.Background(), indexID, segments); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func ids(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.ID)
	}
	return out
}

func TestStoreQuery(t *testing.T) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			s, _ := newTestStore(t, f)
			ctx := context.Background()
			seed(t, s, "idx")

			tests := []struct {
				name string
				q    Query
				want []string
			}{
				{name: "semantic ranking", q: Query{Text: "cat", TopN: 2}, want: []string{"s4", "s1"}},
				{name: "source filter", q: Query{Text: "dog", SourceFiles: []string{"/v/b.mp4"}}, want: []string{"s3", "s4"}},
				{name: "keywords are conjunctive", q: Query{KeywordCSV: "cat, dog"}, want: []string{"s3"}},
				{name: "keywords are trimmed", q: Query{KeywordCSV: " dog ,, and "}, want: []string{"s3"}},
				{name: "keyword without query keeps insertion order", q: Query{KeywordCSV: "cat"}, want: []string{"s1", "s3", "s4"}},
				{name: "all filters combined", q: Query{Text: "cat", SourceFiles: []string{"/v/a.mp4"}, KeywordCSV: "sat"}, want: []string{"s1"}},
				{name: "keyword never matches prefix", q: Query{KeywordCSV: "search_document"}, want: []string{}},
				{name: "no filters returns everything", q: Query{}, want: []string{"s1", "s2", "s3", "s4"}},
				{name: "min score", q: Query{Text: "cat", MinScore: 2}, want: []string{"s4"}},
			}
			for _, tc := range tests {
				t.Run(tc.name, func(t *testing.T) {
					got, err := s.Query(ctx, "idx", tc.q)
					if err != nil {
						t.Fatalf("query: %v", err)
					}
					if strings.Join(ids(got), ",") != strings.Join(tc.want, ",") {
						t.Fatalf("got %v, want %v", ids(got), tc.want)
					}
					for _, m := range got {
						if !strings.HasPrefix(m.Text, domain.DocumentPrefix) {
							t.Fatalf("stored text should keep the document prefix: %q", m.Text)
						}
					}
				})
			}
		})
	}
}

func TestStoreQueryMissingCollection(t *testing.T) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			s, emb := newTestStore(t, f)
			_, err := s.Query(context.Background(), "nope", Query{Text: "cat"})
			if !errors.Is(err, domain.ErrIndexNotReady) {
				t.Fatalf("expected index not ready, got %v", err)
			}
			if emb.calls != 0 {
				t.Fatalf("query should not be embedded for a missing collection")
			}
		})
	}
}

func TestStoreEnsureCollectionIdempotent(t *testing.T) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			s, _ := newTestStore(t, f)
			ctx := context.Background()
			for i := 0; i < 2; i++ {
				if err := s.EnsureCollection(ctx, "idx"); err != nil {
					t.Fatalf("ensure collection #%d: %v", i, err)
				}
			}
			seed(t, s, "idx")
			if err := s.EnsureCollection(ctx, "idx"); err != nil {
				t.Fatalf("ensure after seed: %v", err)
			}
			got, err := s.Query(ctx, "idx", Query{})
			if err != nil || len(got) != 4 {
				t.Fatalf("ensure must not drop data: %v %v", ids(got), err)
			}
			empty, err := s.Query(ctx, "fresh", Query{})
			if !errors.Is(err, domain.ErrIndexNotReady) || len(empty) != 0 {
				t.Fatalf("unexpected result for never-created collection: %v", err)
			}
		})
	}
}

func TestStoreUpsertReplacesByID(t *testing.T) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			s, _ := newTestStore(t, f)
			ctx := context.Background()
			seed(t, s, "idx")
			if err := s.Upsert(ctx, "idx", []domain.Segment{seg("s1", "fish fish", "/v/a.mp4", 0, 11)}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			got, err := s.Query(ctx, "idx", Query{Text: "fish", TopN: 1})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 1 || got[0].ID != "s1" || got[0].Score != 2 {
				t.Fatalf("expected replaced s1 first, got %+v", got)
			}
			all, _ := s.Query(ctx, "idx", Query{})
			if len(all) != 4 {
				t.Fatalf("upsert must not duplicate, got %d", len(all))
			}
		})
	}
}

func TestStoreDeleteEntryAndCollection(t *testing.T) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			s, _ := newTestStore(t, f)
			ctx := context.Background()
			seed(t, s, "idx")
			seed(t, s, "other")

			n, err := s.DeleteEntry(ctx, "idx", "/v/a.mp4")
			if err != nil || n != 2 {
				t.Fatalf("delete entry: n=%d err=%v", n, err)
			}
			got, _ := s.Query(ctx, "idx", Query{SourceFiles: []string{"/v/a.mp4"}})
			if len(got) != 0 {
				t.Fatalf("deleted source still returned: %v", ids(got))
			}
			if n, err := s.DeleteEntry(ctx, "missing", "/v/a.mp4"); err != nil || n != 0 {
				t.Fatalf("delete on missing collection should be a no-op: %d %v", n, err)
			}

			if err := s.DeleteCollection(ctx, "idx"); err != nil {
				t.Fatalf("delete collection: %v", err)
			}
			if ok, _ := s.HasCollection(ctx, "idx"); ok {
				t.Fatalf("collection should be gone")
			}
			if _, err := s.Query(ctx, "idx", Query{}); !errors.Is(err, domain.ErrIndexNotReady) {
				t.Fatalf("expected index not ready after delete, got %v", err)
			}
			other, err := s.Query(ctx, "other", Query{})
			if err != nil || len(other) != 4 {
				t.Fatalf("other collection affected: %v %v", ids(other), err)
			}
			if err := s.DeleteCollection(ctx, "idx"); err != nil {
				t.Fatalf("second delete should be a no-op: %v", err)
			}
		})
	}
}

func TestStoreUpsertEmbeddingFailure(t *testing.T) {
	s := New(NewMemoryBackend(), ai.NewGateway(&topicEmbedder{fail: errors.New("down")}, ai.GatewayOptions{}))
	err := s.Upsert(context.Background(), "idx", []domain.Segment{seg("s1", "cat", "a", 0, 1)})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected embedding unavailable, got %v", err)
	}
	if ok, _ := s.HasCollection(context.Background(), "idx"); ok {
		t.Fatalf("failed upsert must not create the collection")
	}
}

func TestParseKeywords(t *testing.T) {
	tests := map[string][]string{
		"":             nil,
		"北京":           {"北京"},
		" a , b ,, c ": {"a", "b", "c"},
		",,":           nil,
	}
	for in, want := range tests {
		got := ParseKeywords(in)
		if strings.Join(got, "|") != strings.Join(want, "|") || len(got) != len(want) {
			t.Fatalf("ParseKeywords(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := blobToVector(vectorToBlob(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("element %d = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := blobToVector([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}
