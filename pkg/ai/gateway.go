package ai

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"vspeech/pkg/domain"
)

// GatewayOptions tunes batching for document embedding.
type GatewayOptions struct {
	BatchSize   int
	Concurrency int
	// Dimensions, when positive, is enforced on every returned vector.
	Dimensions int
}

// Gateway applies the document/query prefixes expected by the embedding
// model and batches document calls. Every provider failure is reported as
// domain.ErrEmbeddingUnavailable.
type Gateway struct {
	embedder    Embedder
	batchSize   int
	concurrency int
	dimensions  int
}

// NewGateway wraps embedder.
func NewGateway(embedder Embedder, opts GatewayOptions) *Gateway {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Gateway{
		embedder:    embedder,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		dimensions:  opts.Dimensions,
	}
}

// EmbedDocuments embeds texts as searchable documents, adding the document
// prefix where it is missing. Output order matches input order.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := make([]string, 0, end-start)
		for _, text := range texts[start:end] {
			batch = append(batch, WithDocumentPrefix(text))
		}
		offset := start
		eg.Go(func() error {
			vectors, err := g.embedBatch(egctx, batch, TaskDocument)
			if err != nil {
				return err
			}
			copy(out[offset:], vectors)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a search query.
func (g *Gateway) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	vectors, err := g.embedBatch(ctx, []string{domain.QueryPrefix + query}, TaskQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *Gateway) embedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	var vectors [][]float32
	if batcher, ok := g.embedder.(BatchEmbedder); ok && len(texts) > 1 {
		out, err := batcher.EmbedTexts(ctx, texts, taskType)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
		}
		vectors = out
	} else {
		vectors = make([][]float32, 0, len(texts))
		for _, text := range texts {
			v, err := g.embedder.EmbedText(ctx, text, taskType)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
			}
			vectors = append(vectors, v)
		}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: embedding count mismatch: got %d, want %d",
			domain.ErrEmbeddingUnavailable, len(vectors), len(texts))
	}
	for _, v := range vectors {
		if len(v) == 0 || (g.dimensions > 0 && len(v) != g.dimensions) {
			return nil, fmt.Errorf("%w: embedding dimension mismatch: got %d",
				domain.ErrEmbeddingUnavailable, len(v))
		}
	}
	return vectors, nil
}

// WithDocumentPrefix returns text carrying the document prefix exactly once.
func WithDocumentPrefix(text string) string {
	if strings.HasPrefix(text, domain.DocumentPrefix) {
		return text
	}
	return domain.DocumentPrefix + text
}

// StripDocumentPrefix removes the document prefix for display.
func StripDocumentPrefix(text string) string {
	return strings.TrimPrefix(text, domain.DocumentPrefix)
}

// Dot returns the inner product of a and b over their common length.
func Dot(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
