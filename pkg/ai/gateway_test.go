package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"vspeech/pkg/domain"
)

// lengthEmbedder maps each text to a one-element vector holding its length
// and records every text and task type it sees.
type lengthEmbedder struct {
	mu     sync.Mutex
	texts  []string
	tasks  []string
	calls  int
	err    error
	dims   int
	batchy bool
}

func (e *lengthEmbedder) EmbedText(_ context.Context, text, taskType string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	e.texts = append(e.texts, text)
	e.tasks = append(e.tasks, taskType)
	v := make([]float32, max(e.dims, 1))
	v[0] = float32(len([]rune(text)))
	return v, nil
}

type batchLengthEmbedder struct {
	lengthEmbedder
}

func (e *batchLengthEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := e.EmbedText(ctx, text, taskType)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	e.mu.Lock()
	e.batchy = true
	e.mu.Unlock()
	return out, nil
}

func TestGatewayEmbedDocumentsPrefixesAndOrders(t *testing.T) {
	emb := &batchLengthEmbedder{}
	gw := NewGateway(emb, GatewayOptions{BatchSize: 2, Concurrency: 3})

	texts := []string{"a", domain.DocumentPrefix + "bb", "ccc", "dddd", "eeeee"}
	vectors, err := gw.EmbedDocuments(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed documents: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(texts))
	}
	prefixLen := len([]rune(domain.DocumentPrefix))
	for i, v := range vectors {
		want := float32(prefixLen + i + 1)
		if v[0] != want {
			t.Fatalf("vector %d = %v, want %v (order or prefix wrong)", i, v[0], want)
		}
	}
	for _, text := range emb.texts {
		if strings.Count(text, domain.DocumentPrefix) != 1 {
			t.Fatalf("text %q should carry the document prefix once", text)
		}
	}
	for _, task := range emb.tasks {
		if task != TaskDocument {
			t.Fatalf("unexpected task %q", task)
		}
	}
	if !emb.batchy {
		t.Fatalf("expected batch embedder to be used")
	}
}

func TestGatewayEmbedQuery(t *testing.T) {
	emb := &lengthEmbedder{}
	gw := NewGateway(emb, GatewayOptions{})

	if _, err := gw.EmbedQuery(context.Background(), "  北京上学 "); err != nil {
		t.Fatalf("embed query: %v", err)
	}
	if emb.texts[0] != domain.QueryPrefix+"北京上学" {
		t.Fatalf("unexpected query text %q", emb.texts[0])
	}
	if emb.tasks[0] != TaskQuery {
		t.Fatalf("unexpected task %q", emb.tasks[0])
	}
	if _, err := gw.EmbedQuery(context.Background(), " "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank query, got %v", err)
	}
}

func TestGatewayWrapsProviderErrors(t *testing.T) {
	cause := errors.New("connection refused")
	gw := NewGateway(&lengthEmbedder{err: cause}, GatewayOptions{})

	_, err := gw.EmbedDocuments(context.Background(), []string{"x"})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected embedding unavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestGatewayEnforcesDimensions(t *testing.T) {
	gw := NewGateway(&lengthEmbedder{dims: 3}, GatewayOptions{Dimensions: 4})
	_, err := gw.EmbedQuery(context.Background(), "q")
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected dimension mismatch error, got %v", err)
	}
}

func TestDot(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "aligned", a: []float32{1, 2, 3}, b: []float32{4, 5, 6}, want: 32},
		{name: "opposite", a: []float32{1, 1}, b: []float32{-1, -1}, want: -2},
		{name: "length mismatch uses prefix", a: []float32{2, 2, 9}, b: []float32{3, 1}, want: 8},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Dot(tc.a, tc.b); got != tc.want {
				t.Fatalf("Dot = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStripDocumentPrefix(t *testing.T) {
	if got := StripDocumentPrefix(domain.DocumentPrefix + "你好,世界"); got != "你好,世界" {
		t.Fatalf("unexpected strip result %q", got)
	}
	if got := StripDocumentPrefix("plain"); got != "plain" {
		t.Fatalf("unexpected strip result %q", got)
	}
}
