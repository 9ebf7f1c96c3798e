package ai

import (
	"context"
	"fmt"
	"strings"
)

// Task types passed to providers that distinguish document and query
// embeddings (Gemini). Other providers ignore them and rely on text prefixes.
const (
	TaskDocument = "RETRIEVAL_DOCUMENT"
	TaskQuery    = "RETRIEVAL_QUERY"
)

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// BatchEmbedder optionally supports embedding multiple texts at once.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// EmbedderConfig selects and configures an embedding provider.
type EmbedderConfig struct {
	Provider     string
	BaseURL      string
	Model        string
	APIKey       string
	GeminiAPIKey string
	Dimensions   int
}

// NewEmbedder builds the provider named by cfg.Provider: "openai" (any
// OpenAI-compatible /v1/embeddings server, the default), "ollama" or "gemini".
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}
	switch provider {
	case "openai", "openai-compat", "llamacpp":
		return NewOpenAICompatEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("ollama embedding model required")
		}
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.Dimensions), nil
	case "gemini":
		client, err := NewGeminiClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("gemini embedding model required")
		}
		return NewGeminiEmbedder(client, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}

// OllamaEmbedder wraps Ollama embedding calls with a fixed model and dimension.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int
}

// NewOllamaEmbedder builds an Ollama-based embedder.
func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model, dimensions: dimensions}
}

// EmbedText returns embeddings for text using Ollama.
func (e *OllamaEmbedder) EmbedText(ctx context.Context, text, _ string) ([]float32, error) {
	return e.client.EmbedText(ctx, e.model, text, e.dimensions)
}

// EmbedTexts returns embeddings for multiple texts using Ollama.
func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	return e.client.EmbedTexts(ctx, e.model, texts, e.dimensions)
}

// GeminiEmbedder binds a Gemini client to an embedding model.
type GeminiEmbedder struct {
	client *GeminiClient
	model  string
}

// NewGeminiEmbedder builds a Gemini-based embedder.
func NewGeminiEmbedder(client *GeminiClient, model string) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model}
}

// EmbedText returns embeddings for text using Gemini.
func (e *GeminiEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	return e.client.EmbedText(ctx, e.model, text, taskType)
}

// EmbedTexts returns embeddings for multiple texts using batchEmbedContents.
func (e *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return e.client.EmbedTexts(ctx, e.model, texts, taskType)
}
