package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"vspeech/pkg/domain"
	"vspeech/pkg/queue"
	"vspeech/pkg/storage"
	"vspeech/pkg/store"
	"vspeech/pkg/vectorstore"
)

// Extractor pulls the audio track out of a video file into workDir.
type Extractor interface {
	Extract(ctx context.Context, videoPath, workDir string) (string, error)
}

// Transcriber turns an audio file into timestamped chunks. It is called by
// one pipeline at a time.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]domain.TranscriptChunk, error)
}

// Config holds runtime collaborators and settings.
type Config struct {
	Store       store.Store
	Vectors     *vectorstore.Store
	Extractor   Extractor
	Transcriber Transcriber
	// Archive receives a copy of every transcript when set.
	Archive storage.ObjectStore
	// Queue moves batches through Redis when set; otherwise batches run on
	// an in-process worker.
	Queue *queue.RedisJobQueue

	WorkDir           string
	TranscribeTimeout time.Duration
	DefaultTopN       int
	// StrictStatusRollup marks an index ERROR when any of its files failed.
	// By default a finished batch always leaves the index COMPLETED.
	StrictStatusRollup bool
}

// App owns the index lifecycle: registration, background indexing, removal
// and search.
type App struct {
	store             store.Store
	vectors           *vectorstore.Store
	extractor         Extractor
	transcriber       Transcriber
	archive           storage.ObjectStore
	runner            runner
	workDir           string
	transcribeTimeout time.Duration
	defaultTopN       int
	strictRollup      bool
}

// New validates cfg and starts the background worker.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("metadata store required")
	}
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("vector store required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("audio extractor required")
	}
	if cfg.Transcriber == nil {
		return nil, fmt.Errorf("transcriber required")
	}
	topN := cfg.DefaultTopN
	if topN <= 0 {
		topN = vectorstore.DefaultTopN
	}
	app := &App{
		store:             cfg.Store,
		vectors:           cfg.Vectors,
		extractor:         cfg.Extractor,
		transcriber:       cfg.Transcriber,
		archive:           cfg.Archive,
		workDir:           strings.TrimSpace(cfg.WorkDir),
		transcribeTimeout: cfg.TranscribeTimeout,
		defaultTopN:       topN,
		strictRollup:      cfg.StrictStatusRollup,
	}
	if app.workDir != "" {
		if err := os.MkdirAll(app.workDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	if cfg.Queue != nil {
		r, err := newQueueRunner(cfg.Queue, app.runBatch)
		if err != nil {
			return nil, err
		}
		app.runner = r
	} else {
		app.runner = newLocalRunner(app.runBatch)
	}
	return app, nil
}

// CreateIndex registers a new index and schedules its files for indexing.
// The returned index is PROCESSING with every file WAITING.
func (a *App) CreateIndex(ctx context.Context, name string, paths []string) (domain.Index, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Index{}, ErrIndexNameRequired
	}
	paths, err := validatePaths(paths)
	if err != nil {
		return domain.Index{}, err
	}
	idx, err := a.store.CreateIndex(name, paths)
	if err != nil {
		return domain.Index{}, mapStoreErr(err, name)
	}
	slog.Info("index created", "index_id", idx.ID, "name", idx.Name, "files", len(idx.Files))
	if err := a.submit(ctx, idx.ID, filePaths(idx.Files)); err != nil {
		return domain.Index{}, err
	}
	return idx, nil
}

// AddFiles registers more files to an index. Paths already in the index are
// skipped; the index returns to PROCESSING when anything new was added.
func (a *App) AddFiles(ctx context.Context, indexID string, paths []string) (domain.Index, error) {
	paths, err := validatePaths(paths)
	if err != nil {
		return domain.Index{}, err
	}
	added, err := a.store.AddFiles(indexID, paths)
	if err != nil {
		return domain.Index{}, mapStoreErr(err, "")
	}
	if len(added) > 0 {
		slog.Info("files added", "index_id", indexID, "files", len(added))
		if err := a.submit(ctx, indexID, filePaths(added)); err != nil {
			return domain.Index{}, err
		}
	}
	return a.GetIndex(ctx, indexID)
}

// ListIndexes returns every index in creation order.
func (a *App) ListIndexes(ctx context.Context) ([]domain.Index, error) {
	indexes, err := a.store.ListIndexes()
	if err != nil {
		return nil, storeErr(err)
	}
	return indexes, nil
}

// GetIndex returns one index with its files.
func (a *App) GetIndex(ctx context.Context, indexID string) (domain.Index, error) {
	idx, ok, err := a.store.GetIndex(indexID)
	if err != nil {
		return domain.Index{}, storeErr(err)
	}
	if !ok {
		return domain.Index{}, fmt.Errorf("%w: %s", ErrIndexNotFound, indexID)
	}
	return idx, nil
}

// DeleteIndex removes the index and its files, then drops its vector
// collection and archived transcripts. The cascades are best-effort.
func (a *App) DeleteIndex(ctx context.Context, indexID string) error {
	idx, ok, err := a.store.DeleteIndex(indexID)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, indexID)
	}
	logger := slog.With("index_id", indexID)
	if err := a.vectors.DeleteCollection(ctx, indexID); err != nil {
		logger.Warn("delete vector collection failed", "err", err)
	}
	if a.archive != nil {
		if err := a.archive.DeletePrefix(ctx, transcriptPrefix(indexID)); err != nil {
			logger.Warn("delete archived transcripts failed", "err", err)
		}
	}
	logger.Info("index deleted", "name", idx.Name, "files", len(idx.Files))
	return nil
}

// RemoveFile unregisters one file and drops its segments and transcript.
func (a *App) RemoveFile(ctx context.Context, indexID, path string) (domain.File, error) {
	if strings.TrimSpace(path) == "" {
		return domain.File{}, ErrFilesRequired
	}
	if _, err := a.GetIndex(ctx, indexID); err != nil {
		return domain.File{}, err
	}
	file, ok, err := a.store.RemoveFile(indexID, path)
	if err != nil {
		return domain.File{}, storeErr(err)
	}
	if !ok {
		return domain.File{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	logger := slog.With("index_id", indexID, "file_path", path)
	if n, err := a.vectors.DeleteEntry(ctx, indexID, path); err != nil {
		logger.Warn("delete file segments failed", "err", err)
	} else {
		logger.Info("file removed", "segments", n)
	}
	if a.archive != nil {
		if err := a.archive.Delete(ctx, transcriptKey(indexID, file.ID)); err != nil {
			logger.Warn("delete archived transcript failed", "err", err)
		}
	}
	return file, nil
}

// Wait blocks until every batch submitted so far has been processed by this
// process.
func (a *App) Wait() {
	a.runner.Wait()
}

// Close stops accepting work, waits for running batches until ctx is done
// and releases the collaborators.
func (a *App) Close(ctx context.Context) error {
	errs := []error{a.runner.Close(ctx)}
	if c, ok := a.transcriber.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.vectors.Close(), a.store.Close())
	return errors.Join(errs...)
}

func (a *App) submit(ctx context.Context, indexID string, paths []string) error {
	if err := a.runner.Submit(ctx, indexID, paths); err != nil {
		slog.Error("schedule indexing failed", "index_id", indexID, "err", err)
		if serr := a.store.SetIndexStatus(indexID, domain.StatusError); serr != nil {
			slog.Warn("mark index failed", "index_id", indexID, "err", serr)
		}
		return fmt.Errorf("%w: schedule indexing: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// validatePaths trims paths, drops blanks and requires each to name an
// existing regular file.
func validatePaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrFilesRequired
	}
	return out, nil
}

func mapStoreErr(err error, name string) error {
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		return fmt.Errorf("%w: %s", ErrIndexNameTaken, name)
	case errors.Is(err, store.ErrPathConflict):
		return ErrPathInUse
	case errors.Is(err, store.ErrIndexNotFound):
		return ErrIndexNotFound
	default:
		return storeErr(err)
	}
}

func filePaths(files []domain.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}
