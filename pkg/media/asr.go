package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"vspeech/pkg/domain"
)

// progressInterval is how often a running transcription logs its elapsed time.
const progressInterval = 10 * time.Second

// TranscriberFactory loads a recogniser. If the returned Transcriber also
// implements io.Closer, Close is called when the recogniser is released.
type TranscriberFactory func(ctx context.Context) (Transcriber, error)

// ASR owns the single speech recogniser of the process. The recogniser is
// loaded on first use, used by one caller at a time, released after it has
// been idle for the configured duration and on Close.
type ASR struct {
	factory TranscriberFactory
	idle    time.Duration
	slot    chan struct{}

	mu     sync.Mutex
	model  Transcriber
	timer  *time.Timer
	gen    uint64
	busy   bool
	closed bool
}

// NewASR returns an unloaded handle. A non-positive idle keeps the recogniser
// loaded until Close.
func NewASR(factory TranscriberFactory, idle time.Duration) *ASR {
	return &ASR{
		factory: factory,
		idle:    idle,
		slot:    make(chan struct{}, 1),
	}
}

// Transcribe waits for exclusive use of the recogniser, loading it if needed.
func (a *ASR) Transcribe(ctx context.Context, audioPath string) ([]domain.TranscriptChunk, error) {
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for recogniser: %w", domain.ErrTranscriptionFailed, ctx.Err())
	}
	defer func() { <-a.slot }()

	model, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer a.releaseAfterUse()

	logger := slog.With("audio", audioPath)
	start := time.Now()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				logger.Info("transcription in progress", "elapsed_s", int(time.Since(start).Seconds()))
			}
		}
	}()
	chunks, err := model.Transcribe(ctx, audioPath)
	close(stop)
	if err != nil {
		if !errors.Is(err, domain.ErrTranscriptionFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrTranscriptionFailed, err)
		}
		return nil, err
	}
	logger.Info("transcription finished", "chunks", len(chunks), "elapsed_ms", time.Since(start).Milliseconds())
	return chunks, nil
}

func (a *ASR) acquire(ctx context.Context) (Transcriber, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: recogniser closed", domain.ErrTranscriptionFailed)
	}
	a.gen++
	a.busy = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	model := a.model
	a.mu.Unlock()

	if model != nil {
		return model, nil
	}
	start := time.Now()
	model, err := a.factory(ctx)
	if err != nil {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: load recogniser: %w", domain.ErrTranscriptionFailed, err)
	}
	slog.Info("asr recogniser loaded", "elapsed_ms", time.Since(start).Milliseconds())

	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	return model, nil
}

func (a *ASR) releaseAfterUse() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
	if a.closed {
		a.releaseLocked()
		return
	}
	if a.idle <= 0 {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.idle, func() { a.releaseIdle(gen) })
}

func (a *ASR) releaseIdle(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.busy || a.model == nil {
		return
	}
	slog.Info("asr recogniser released after idle", "idle", a.idle.String())
	a.releaseLocked()
}

func (a *ASR) releaseLocked() error {
	model := a.model
	a.model = nil
	if c, ok := model.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Loaded reports whether the recogniser is currently held in memory.
func (a *ASR) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model != nil
}

// Close releases the recogniser. An in-flight transcription finishes first
// and releases it on return; later calls fail.
func (a *ASR) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.busy {
		return nil
	}
	return a.releaseLocked()
}
