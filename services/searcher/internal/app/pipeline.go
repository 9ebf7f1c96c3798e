package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"vspeech/pkg/domain"
	"vspeech/pkg/segment"
	"vspeech/pkg/store"
)

// runBatch indexes paths one at a time, then rolls up the index status.
// A failing file is marked ERROR and the batch moves on. The returned error
// is reserved for metadata store failures, which make the batch retryable.
func (a *App) runBatch(ctx context.Context, indexID string, paths []string) error {
	logger := slog.With("index_id", indexID)
	logger.Info("indexing batch started", "files", len(paths))
	start := time.Now()

	for _, path := range paths {
		idx, ok, err := a.store.GetIndex(indexID)
		if err != nil {
			return storeErr(err)
		}
		if !ok {
			logger.Warn("index removed during indexing, skipping remaining files")
			return nil
		}
		file, ok := findFile(idx.Files, path)
		if !ok {
			logger.Info("file removed before indexing", "file_path", path)
			continue
		}
		if file.Status == domain.StatusCompleted {
			continue
		}
		if err := a.indexFile(ctx, indexID, file); err != nil {
			return err
		}
	}

	status, err := a.rollup(indexID)
	if err != nil {
		return err
	}
	logger.Info("indexing batch finished", "status", status, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (a *App) indexFile(ctx context.Context, indexID string, file domain.File) error {
	logger := slog.With("index_id", indexID, "file_path", file.Path)
	if err := a.setFileStatus(indexID, file.Path, domain.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			return nil
		}
		return err
	}
	logger.Info("file status changed", "status", domain.StatusProcessing)

	status := domain.StatusCompleted
	segments, err := a.processFile(ctx, indexID, file)
	if err != nil {
		status = domain.StatusError
		logger.Error("indexing file failed", "kind", domain.KindOf(err), "err", err)
	}
	if err := a.setFileStatus(indexID, file.Path, status); err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			a.dropOrphaned(ctx, indexID, file)
			return nil
		}
		return err
	}
	logger.Info("file status changed", "status", status, "segments", segments)
	return nil
}

// processFile runs extract, transcribe, segment and store for one file and
// returns the number of stored segments.
func (a *App) processFile(ctx context.Context, indexID string, file domain.File) (int, error) {
	workDir, err := os.MkdirTemp(a.workDir, "vspeech-*")
	if err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	audio, err := a.extractor.Extract(ctx, file.Path, workDir)
	if err != nil {
		return 0, err
	}

	tctx := ctx
	if a.transcribeTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, a.transcribeTimeout)
		defer cancel()
	}
	chunks, err := a.transcriber.Transcribe(tctx, audio)
	if err != nil {
		return 0, err
	}
	a.archiveTranscript(ctx, indexID, file, chunks)

	segments := segment.Segment(chunks, file.Path)
	if len(segments) == 0 {
		slog.Warn("no speech found", "index_id", indexID, "file_path", file.Path)
		return 0, nil
	}
	// A retried batch may have stored this file before failing.
	if _, err := a.vectors.DeleteEntry(ctx, indexID, file.Path); err != nil {
		return 0, err
	}
	if err := a.vectors.Upsert(ctx, indexID, segments); err != nil {
		return 0, err
	}
	return len(segments), nil
}

// dropOrphaned removes segments stored for a file that was removed, or whose
// index was deleted, while it was being processed.
func (a *App) dropOrphaned(ctx context.Context, indexID string, file domain.File) {
	logger := slog.With("index_id", indexID, "file_path", file.Path)
	_, ok, err := a.store.GetIndex(indexID)
	switch {
	case err != nil:
		logger.Warn("check index failed", "err", err)
		return
	case !ok:
		if err := a.vectors.DeleteCollection(ctx, indexID); err != nil {
			logger.Warn("delete orphaned collection failed", "err", err)
		}
		if a.archive != nil {
			_ = a.archive.DeletePrefix(ctx, transcriptPrefix(indexID))
		}
	default:
		if _, err := a.vectors.DeleteEntry(ctx, indexID, file.Path); err != nil {
			logger.Warn("delete orphaned segments failed", "err", err)
		}
		if a.archive != nil {
			_ = a.archive.Delete(ctx, transcriptKey(indexID, file.ID))
		}
	}
	logger.Info("file removed during indexing")
}

func (a *App) archiveTranscript(ctx context.Context, indexID string, file domain.File, chunks []domain.TranscriptChunk) {
	if a.archive == nil {
		return
	}
	var buf bytes.Buffer
	if err := segment.FormatTranscript(&buf, chunks); err != nil {
		slog.Warn("format transcript failed", "index_id", indexID, "file_path", file.Path, "err", err)
		return
	}
	key := transcriptKey(indexID, file.ID)
	if err := a.archive.Put(ctx, key, &buf, int64(buf.Len()), "text/plain; charset=utf-8"); err != nil {
		slog.Warn("archive transcript failed", "index_id", indexID, "file_path", file.Path, "key", key, "err", err)
	}
}

// rollup sets the index status after a batch. Unless strict rollup is on,
// the index is COMPLETED regardless of per-file failures.
func (a *App) rollup(indexID string) (domain.Status, error) {
	status := domain.StatusCompleted
	if a.strictRollup {
		idx, ok, err := a.store.GetIndex(indexID)
		if err != nil {
			return "", storeErr(err)
		}
		if !ok {
			return "", nil
		}
		for _, f := range idx.Files {
			if f.Status == domain.StatusError {
				status = domain.StatusError
				break
			}
		}
	}
	if err := a.store.SetIndexStatus(indexID, status); err != nil {
		if errors.Is(err, store.ErrIndexNotFound) {
			return "", nil
		}
		return "", storeErr(err)
	}
	return status, nil
}

func (a *App) setFileStatus(indexID, path string, status domain.Status) error {
	if err := a.store.SetFileStatus(indexID, path, status); err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			return err
		}
		return storeErr(err)
	}
	return nil
}

func findFile(files []domain.File, path string) (domain.File, bool) {
	for _, f := range files {
		if f.Path == path {
			return f, true
		}
	}
	return domain.File{}, false
}

func transcriptPrefix(indexID string) string {
	return "transcripts/" + indexID + "/"
}

func transcriptKey(indexID string, fileID int64) string {
	return fmt.Sprintf("%s%d.txt", transcriptPrefix(indexID), fileID)
}
