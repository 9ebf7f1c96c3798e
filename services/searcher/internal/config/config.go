package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"vspeech/internal/util"
)

// ConfigPath is the config file read when no path is given and
// VSPEECH_CONFIG is unset.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	MetadataBackend string `yaml:"metadataBackend"`
	DatabaseURL     string `yaml:"databaseURL"`

	VectorBackend string `yaml:"vectorBackend"`
	VectorPath    string `yaml:"vectorPath"`

	EmbeddingProvider    string `yaml:"embeddingProvider"`
	EmbeddingBaseURL     string `yaml:"embeddingBaseURL"`
	EmbeddingModel       string `yaml:"embeddingModel"`
	EmbeddingAPIKey      string `yaml:"embeddingAPIKey"`
	GeminiAPIKey         string `yaml:"geminiAPIKey"`
	EmbeddingDim         int    `yaml:"embeddingDim"`
	EmbeddingBatchSize   int    `yaml:"embeddingBatchSize"`
	EmbeddingConcurrency int    `yaml:"embeddingConcurrency"`

	ASRBaseURL               string `yaml:"asrBaseURL"`
	ASRModel                 string `yaml:"asrModel"`
	ASRLanguage              string `yaml:"asrLanguage"`
	ASRAPIKey                string `yaml:"asrAPIKey"`
	ASRIdleSeconds           int    `yaml:"asrIdleSeconds"`
	TranscribeTimeoutSeconds int    `yaml:"transcribeTimeoutSeconds"`
	FFmpegPath               string `yaml:"ffmpegPath"`
	ExtractTimeoutSeconds    int    `yaml:"extractTimeoutSeconds"`
	WorkDir                  string `yaml:"workDir"`
	UploadDir                string `yaml:"uploadDir"`
	MaxUploadBytes           int64  `yaml:"maxUploadBytes"`

	QueueBackend           string `yaml:"queueBackend"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	ArchiveBackend string `yaml:"archiveBackend"`
	ArchiveDir     string `yaml:"archiveDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	SearchRateLimitPerMinute int      `yaml:"searchRateLimitPerMinute"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	DefaultTopN              int      `yaml:"defaultTopN"`
	StrictStatusRollup       bool     `yaml:"strictStatusRollup"`
}

// Load reads config from path (defaults to VSPEECH_CONFIG, then config.yaml),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("VSPEECH_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "VSPEECH_PORT")
	setString(&cfg.LogLevel, "VSPEECH_LOG_LEVEL")
	setString(&cfg.MetadataBackend, "VSPEECH_METADATA_BACKEND")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.VectorBackend, "VSPEECH_VECTOR_BACKEND")
	setString(&cfg.VectorPath, "VSPEECH_VECTOR_PATH")
	setString(&cfg.EmbeddingProvider, "VSPEECH_EMBEDDING_PROVIDER")
	setString(&cfg.EmbeddingBaseURL, "VSPEECH_EMBEDDING_BASE_URL")
	setString(&cfg.EmbeddingModel, "VSPEECH_EMBEDDING_MODEL")
	setString(&cfg.EmbeddingAPIKey, "VSPEECH_EMBEDDING_API_KEY")
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	setInt(&cfg.EmbeddingDim, "VSPEECH_EMBEDDING_DIM")
	setInt(&cfg.EmbeddingBatchSize, "VSPEECH_EMBEDDING_BATCH_SIZE")
	setInt(&cfg.EmbeddingConcurrency, "VSPEECH_EMBEDDING_CONCURRENCY")
	setString(&cfg.ASRBaseURL, "VSPEECH_ASR_BASE_URL")
	setString(&cfg.ASRModel, "VSPEECH_ASR_MODEL")
	setString(&cfg.ASRLanguage, "VSPEECH_ASR_LANGUAGE")
	setString(&cfg.ASRAPIKey, "VSPEECH_ASR_API_KEY")
	setInt(&cfg.ASRIdleSeconds, "VSPEECH_ASR_IDLE_SECONDS")
	setInt(&cfg.TranscribeTimeoutSeconds, "VSPEECH_TRANSCRIBE_TIMEOUT_SECONDS")
	setString(&cfg.FFmpegPath, "VSPEECH_FFMPEG_PATH")
	setInt(&cfg.ExtractTimeoutSeconds, "VSPEECH_EXTRACT_TIMEOUT_SECONDS")
	setString(&cfg.WorkDir, "VSPEECH_WORK_DIR")
	setString(&cfg.UploadDir, "VSPEECH_UPLOAD_DIR")
	if v := os.Getenv("VSPEECH_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	setString(&cfg.QueueBackend, "VSPEECH_QUEUE_BACKEND")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "VSPEECH_QUEUE_NAME")
	setString(&cfg.QueueGroup, "VSPEECH_QUEUE_GROUP")
	setInt(&cfg.QueueMaxRetries, "VSPEECH_QUEUE_MAX_RETRIES")
	setInt(&cfg.QueueRetryDelaySeconds, "VSPEECH_QUEUE_RETRY_DELAY_SECONDS")
	setString(&cfg.ArchiveBackend, "VSPEECH_ARCHIVE_BACKEND")
	setString(&cfg.ArchiveDir, "VSPEECH_ARCHIVE_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	setInt(&cfg.SearchRateLimitPerMinute, "VSPEECH_SEARCH_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("VSPEECH_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
	setInt(&cfg.DefaultTopN, "VSPEECH_DEFAULT_TOP_N")
	if v := os.Getenv("VSPEECH_STRICT_STATUS_ROLLUP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictStatusRollup = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	setDefault(&cfg.LogLevel, "info")
	setDefault(&cfg.MetadataBackend, "postgres")
	setDefault(&cfg.VectorBackend, "sqlite")
	if cfg.VectorBackend == "sqlite" {
		setDefault(&cfg.VectorPath, "data/vectors.db")
	}
	setDefault(&cfg.EmbeddingProvider, "openai")
	setDefault(&cfg.QueueBackend, "local")
	setDefault(&cfg.QueueName, "vspeech:index")
	setDefault(&cfg.QueueGroup, "indexers")
	setDefault(&cfg.ArchiveBackend, "none")
	if cfg.ArchiveBackend == "local" {
		setDefault(&cfg.ArchiveDir, "data/transcripts")
	}
	setDefault(&cfg.UploadDir, "data/uploads")
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 2 << 30
	}
	if cfg.TranscribeTimeoutSeconds == 0 {
		cfg.TranscribeTimeoutSeconds = 3600
	}
	if cfg.DefaultTopN == 0 {
		cfg.DefaultTopN = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or VSPEECH_PORT)")
	}
	switch cfg.MetadataBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for metadataBackend=postgres (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unsupported metadataBackend %q (postgres|memory)", cfg.MetadataBackend)
	}
	switch cfg.VectorBackend {
	case "memory", "sqlite":
	case "pgvector":
		if cfg.MetadataBackend != "postgres" {
			return errors.New("config: vectorBackend=pgvector requires metadataBackend=postgres")
		}
		if cfg.EmbeddingDim <= 0 {
			return errors.New("config: embeddingDim is required for vectorBackend=pgvector")
		}
	default:
		return fmt.Errorf("config: unsupported vectorBackend %q (sqlite|pgvector|memory)", cfg.VectorBackend)
	}
	switch cfg.EmbeddingProvider {
	case "openai", "openai-compat", "llamacpp":
	case "ollama":
		if cfg.EmbeddingModel == "" {
			return errors.New("config: embeddingModel is required for embeddingProvider=ollama")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required for embeddingProvider=gemini (set in config.yaml or GEMINI_API_KEY)")
		}
		if cfg.EmbeddingModel == "" {
			return errors.New("config: embeddingModel is required for embeddingProvider=gemini")
		}
	default:
		return fmt.Errorf("config: unsupported embeddingProvider %q (openai|ollama|gemini)", cfg.EmbeddingProvider)
	}
	if cfg.EmbeddingDim < 0 || cfg.EmbeddingBatchSize < 0 || cfg.EmbeddingConcurrency < 0 {
		return errors.New("config: embeddingDim, embeddingBatchSize and embeddingConcurrency must be >= 0")
	}
	if strings.TrimSpace(cfg.ASRBaseURL) == "" {
		return errors.New("config: asrBaseURL is required (set in config.yaml or VSPEECH_ASR_BASE_URL)")
	}
	if cfg.ASRIdleSeconds < 0 || cfg.TranscribeTimeoutSeconds < 0 || cfg.ExtractTimeoutSeconds < 0 {
		return errors.New("config: asrIdleSeconds, transcribeTimeoutSeconds and extractTimeoutSeconds must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	switch cfg.QueueBackend {
	case "local":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for queueBackend=redis (set in config.yaml or REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("config: unsupported queueBackend %q (local|redis)", cfg.QueueBackend)
	}
	switch cfg.ArchiveBackend {
	case "none", "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for archiveBackend=minio")
		}
	default:
		return fmt.Errorf("config: unsupported archiveBackend %q (none|local|minio)", cfg.ArchiveBackend)
	}
	if cfg.SearchRateLimitPerMinute < 0 {
		return errors.New("config: searchRateLimitPerMinute must be >= 0")
	}
	if cfg.SearchRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when searchRateLimitPerMinute > 0")
	}
	if _, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs); err != nil {
		return fmt.Errorf("config: invalid trustedProxyCidrs: %w", err)
	}
	if cfg.DefaultTopN < 0 {
		return errors.New("config: defaultTopN must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDefault(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
