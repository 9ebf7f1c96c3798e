package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAICompatEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req oaiEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Reply out of order to exercise index mapping.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{float32(len(req.Input[1]))}},
				{"index": 0, "embedding": []float32{float32(len(req.Input[0]))}},
			},
		})
	}))
	defer srv.Close()

	emb := NewOpenAICompatEmbedder(srv.URL+"/v1/", "secret", "nomic-embed")
	out, err := emb.EmbedTexts(context.Background(), []string{"a", "bbb"}, TaskDocument)
	if err != nil {
		t.Fatalf("embed texts: %v", err)
	}
	if out[0][0] != 1 || out[1][0] != 3 {
		t.Fatalf("unexpected vectors %v", out)
	}
}

func TestOpenAICompatEmbedderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model loading"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompatEmbedder(srv.URL, "", "").EmbedText(context.Background(), "x", "")
	if err == nil || !strings.Contains(err.Error(), "model loading") {
		t.Fatalf("expected api error message, got %v", err)
	}
}

func TestOllamaEmbedTextsFallsBackToLegacy(t *testing.T) {
	var legacyCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			http.NotFound(w, r)
		case "/api/embeddings":
			legacyCalls++
			var req ollamaLegacyEmbedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{float32(len(req.Prompt))}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(NewOllamaClient(srv.URL), "nomic-embed-text", 0)
	out, err := emb.EmbedTexts(context.Background(), []string{"ab", "abcd"}, TaskDocument)
	if err != nil {
		t.Fatalf("embed texts: %v", err)
	}
	if legacyCalls != 2 || out[0][0] != 2 || out[1][0] != 4 {
		t.Fatalf("unexpected legacy result calls=%d out=%v", legacyCalls, out)
	}
}

func TestOllamaEmbedTexts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		embeddings := make([][]float32, 0, len(req.Input))
		for range req.Input {
			embeddings = append(embeddings, []float32{0.5, 0.5})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	defer srv.Close()

	out, err := NewOllamaClient(srv.URL).EmbedTexts(context.Background(), "m", []string{"a", "b", "c"}, 2)
	if err != nil {
		t.Fatalf("embed texts: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d vectors, want 3", len(out))
	}
}

func TestGeminiEmbedTexts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/text-embedding-004:batchEmbedContents") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("missing api key")
		}
		var req geminiBatchEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Requests) != 2 || req.Requests[0].TaskType != TaskQuery || req.Requests[0].Model != "models/text-embedding-004" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": []map[string]any{{"values": []float32{1}}, {"values": []float32{2}}},
		})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("k")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.baseURL = srv.URL
	out, err := NewGeminiEmbedder(client, "models/text-embedding-004").EmbedTexts(context.Background(), []string{"a", "b"}, TaskQuery)
	if err != nil {
		t.Fatalf("embed texts: %v", err)
	}
	if len(out) != 2 || out[1][0] != 2 {
		t.Fatalf("unexpected vectors %v", out)
	}
}

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EmbedderConfig
		wantErr bool
	}{
		{name: "default openai", cfg: EmbedderConfig{}},
		{name: "ollama", cfg: EmbedderConfig{Provider: "ollama", Model: "nomic-embed-text"}},
		{name: "ollama without model", cfg: EmbedderConfig{Provider: "ollama"}, wantErr: true},
		{name: "gemini without key", cfg: EmbedderConfig{Provider: "gemini", Model: "text-embedding-004"}, wantErr: true},
		{name: "gemini", cfg: EmbedderConfig{Provider: "Gemini", Model: "text-embedding-004", GeminiAPIKey: "k"}},
		{name: "unknown", cfg: EmbedderConfig{Provider: "word2vec"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			emb, err := NewEmbedder(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil || emb == nil {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}
