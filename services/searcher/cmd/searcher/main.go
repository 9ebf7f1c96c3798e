package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vspeech/internal/ratelimit"
	"vspeech/internal/util"
	"vspeech/pkg/ai"
	"vspeech/pkg/media"
	"vspeech/pkg/queue"
	"vspeech/pkg/storage"
	"vspeech/pkg/store"
	"vspeech/pkg/vectorstore"
	"vspeech/services/searcher/internal/app"
	"vspeech/services/searcher/internal/config"
	"vspeech/services/searcher/internal/server"

	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx := context.Background()
	metadata, vectorBackend, err := openStores(cfg)
	if err != nil {
		util.Fatal("failed to open stores", "err", err)
	}

	embedder, err := ai.NewEmbedder(ai.EmbedderConfig{
		Provider:     cfg.EmbeddingProvider,
		BaseURL:      cfg.EmbeddingBaseURL,
		Model:        cfg.EmbeddingModel,
		APIKey:       cfg.EmbeddingAPIKey,
		GeminiAPIKey: cfg.GeminiAPIKey,
		Dimensions:   cfg.EmbeddingDim,
	})
	if err != nil {
		util.Fatal("failed to init embedder", "err", err)
	}
	gateway := ai.NewGateway(embedder, ai.GatewayOptions{
		BatchSize:   cfg.EmbeddingBatchSize,
		Concurrency: cfg.EmbeddingConcurrency,
		Dimensions:  cfg.EmbeddingDim,
	})

	asr := media.NewASR(func(context.Context) (media.Transcriber, error) {
		client, err := media.NewWhisperClient(media.WhisperConfig{
			BaseURL:  cfg.ASRBaseURL,
			APIKey:   cfg.ASRAPIKey,
			Model:    cfg.ASRModel,
			Language: cfg.ASRLanguage,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}, seconds(cfg.ASRIdleSeconds))

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		util.Fatal("failed to init transcript archive", "err", err)
	}

	var jobs *queue.RedisJobQueue
	if cfg.QueueBackend == "redis" {
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			Consumer:   consumerName(),
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: seconds(cfg.QueueRetryDelaySeconds),
		})
		if err != nil {
			util.Fatal("failed to init job queue", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:              metadata,
		Vectors:            vectorstore.New(vectorBackend, gateway),
		Extractor:          media.NewFFmpegExtractor(cfg.FFmpegPath, seconds(cfg.ExtractTimeoutSeconds)),
		Transcriber:        asr,
		Archive:            archive,
		Queue:              jobs,
		WorkDir:            cfg.WorkDir,
		TranscribeTimeout:  seconds(cfg.TranscribeTimeoutSeconds),
		DefaultTopN:        cfg.DefaultTopN,
		StrictStatusRollup: cfg.StrictStatusRollup,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	uploads, err := storage.NewFileStore(cfg.UploadDir)
	if err != nil {
		util.Fatal("failed to init upload store", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.SearchRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "vspeech:searcher:ratelimit:search", cfg.SearchRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init search limiter", "err", err)
		}
		defer limiter.Close()
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Uploads:        uploads,
		SearchLimiter:  limiter,
		TrustedProxies: trusted,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		slog.Info("searcher listening", "addr", addr, "queue", cfg.QueueBackend, "vectors", cfg.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	if err := appCore.Close(shutdownCtx); err != nil {
		logger.Error("app shutdown failed", "err", err)
	}
}

// openStores opens the metadata store and vector backend. Postgres-backed
// stores share one connection pool.
func openStores(cfg config.FileConfig) (store.Store, vectorstore.Backend, error) {
	var db *gorm.DB
	if cfg.MetadataBackend == "postgres" {
		var err error
		db, err = store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
	}

	var metadata store.Store
	if db != nil {
		gs, err := store.NewGormStoreWithDB(db)
		if err != nil {
			return nil, nil, err
		}
		metadata = gs
	} else {
		metadata = store.NewMemoryStore()
	}

	switch cfg.VectorBackend {
	case "pgvector":
		backend, err := vectorstore.NewPgvectorBackend(db, cfg.EmbeddingDim)
		if err != nil {
			_ = metadata.Close()
			return nil, nil, err
		}
		return metadata, backend, nil
	case "sqlite":
		backend, err := vectorstore.OpenSQLite(cfg.VectorPath)
		if err != nil {
			_ = metadata.Close()
			return nil, nil, err
		}
		return metadata, backend, nil
	default:
		return metadata, vectorstore.NewMemoryBackend(), nil
	}
}

func openArchive(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ArchiveBackend {
	case "local":
		fs, err := storage.NewFileStore(cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "minio":
		ms, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		return ms, nil
	default:
		return nil, nil
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "searcher"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
