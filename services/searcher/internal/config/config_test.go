package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseConfig = `
port: "8090"
asrBaseURL: "http://localhost:9000/v1"
`

const minimalConfig = baseConfig + "metadataBackend: memory\n"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.VectorBackend != "sqlite" || cfg.VectorPath != "data/vectors.db" {
		t.Fatalf("unexpected vector defaults: %q %q", cfg.VectorBackend, cfg.VectorPath)
	}
	if cfg.EmbeddingProvider != "openai" {
		t.Fatalf("embeddingProvider = %q, want openai", cfg.EmbeddingProvider)
	}
	if cfg.QueueBackend != "local" || cfg.ArchiveBackend != "none" {
		t.Fatalf("unexpected queue/archive defaults: %q %q", cfg.QueueBackend, cfg.ArchiveBackend)
	}
	if cfg.DefaultTopN != 10 {
		t.Fatalf("defaultTopN = %d, want 10", cfg.DefaultTopN)
	}
	if cfg.TranscribeTimeoutSeconds != 3600 {
		t.Fatalf("transcribeTimeoutSeconds = %d, want 3600", cfg.TranscribeTimeoutSeconds)
	}
	if cfg.StrictStatusRollup {
		t.Fatalf("strictStatusRollup should default to false")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VSPEECH_PORT", "9999")
	t.Setenv("VSPEECH_METADATA_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://vspeech@localhost/vspeech")
	t.Setenv("VSPEECH_QUEUE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("VSPEECH_EMBEDDING_BATCH_SIZE", "32")
	t.Setenv("VSPEECH_STRICT_STATUS_ROLLUP", "true")
	t.Setenv("VSPEECH_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("VSPEECH_MAX_UPLOAD_BYTES", "1048576")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9999" {
		t.Fatalf("port = %q, want 9999", cfg.Port)
	}
	if cfg.MetadataBackend != "postgres" || cfg.DatabaseURL == "" {
		t.Fatalf("unexpected metadata config: %q %q", cfg.MetadataBackend, cfg.DatabaseURL)
	}
	if cfg.QueueBackend != "redis" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected queue config: %q %q", cfg.QueueBackend, cfg.RedisAddr)
	}
	if cfg.EmbeddingBatchSize != 32 {
		t.Fatalf("embeddingBatchSize = %d, want 32", cfg.EmbeddingBatchSize)
	}
	if !cfg.StrictStatusRollup {
		t.Fatalf("strictStatusRollup = false, want true")
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "127.0.0.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.TrustedProxyCIDRs)
	}
	if cfg.MaxUploadBytes != 1<<20 {
		t.Fatalf("maxUploadBytes = %d, want %d", cfg.MaxUploadBytes, 1<<20)
	}
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	t.Setenv("VSPEECH_CONFIG", writeConfig(t, minimalConfig))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "8090" {
		t.Fatalf("port = %q, want 8090", cfg.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
		base    string
	}{
		{name: "postgres without url", extra: "metadataBackend: postgres\n", wantErr: "databaseURL", base: baseConfig},
		{name: "unknown vector backend", extra: "vectorBackend: chroma\n", wantErr: "vectorBackend"},
		{name: "pgvector on memory metadata", extra: "vectorBackend: pgvector\nembeddingDim: 768\n", wantErr: "pgvector"},
		{name: "gemini without key", extra: "embeddingProvider: gemini\nembeddingModel: text-embedding-004\n", wantErr: "geminiAPIKey"},
		{name: "ollama without model", extra: "embeddingProvider: ollama\n", wantErr: "embeddingModel"},
		{name: "redis queue without addr", extra: "queueBackend: redis\n", wantErr: "redisAddr"},
		{name: "minio without bucket", extra: "archiveBackend: minio\nminioEndpoint: localhost:9000\n", wantErr: "minioBucket"},
		{name: "rate limit without redis", extra: "searchRateLimitPerMinute: 60\n", wantErr: "redisAddr"},
		{name: "bad proxy", extra: "trustedProxyCidrs: [\"not-an-ip\"]\n", wantErr: "trustedProxyCidrs"},
		{name: "negative top n", extra: "defaultTopN: -1\n", wantErr: "defaultTopN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv("DATABASE_URL", "")
			t.Setenv("REDIS_ADDR", "")
			base := tt.base
			if base == "" {
				base = minimalConfig
			}
			_, err := Load(writeConfig(t, base+tt.extra))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadRequiresASRBaseURL(t *testing.T) {
	_, err := Load(writeConfig(t, "port: \"8090\"\nmetadataBackend: memory\n"))
	if err == nil || !strings.Contains(err.Error(), "asrBaseURL") {
		t.Fatalf("expected asrBaseURL error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
