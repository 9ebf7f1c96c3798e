package app

import (
	"context"
	"log/slog"
	"sync"

	"vspeech/pkg/queue"
)

type batchFunc func(ctx context.Context, indexID string, paths []string) error

// runner schedules indexing batches.
type runner interface {
	Submit(ctx context.Context, indexID string, paths []string) error
	Wait()
	Close(ctx context.Context) error
}

type batch struct {
	indexID string
	paths   []string
}

// localRunner hands every submission to a single in-process worker, so
// batches run one after another in submission order per submitter.
type localRunner struct {
	process batchFunc
	batches chan batch
	ctx     context.Context
	cancel  context.CancelFunc

	inflight *tracker
}

func newLocalRunner(process batchFunc) *localRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &localRunner{
		process:  process,
		batches:  make(chan batch),
		ctx:      ctx,
		cancel:   cancel,
		inflight: newTracker(),
	}
	go r.work()
	return r
}

func (r *localRunner) work() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case b := <-r.batches:
			if err := r.process(r.ctx, b.indexID, b.paths); err != nil {
				slog.Error("indexing batch failed", "index_id", b.indexID, "err", err)
			}
			r.inflight.release()
		}
	}
}

// Submit returns immediately; a goroutine waits for the worker to take the
// batch.
func (r *localRunner) Submit(_ context.Context, indexID string, paths []string) error {
	if !r.inflight.acquire() {
		return ErrClosed
	}
	b := batch{indexID: indexID, paths: append([]string(nil), paths...)}
	go func() {
		select {
		case r.batches <- b:
		case <-r.ctx.Done():
			r.inflight.release()
		}
	}()
	return nil
}

func (r *localRunner) Wait() {
	<-r.inflight.idle()
}

func (r *localRunner) Close(ctx context.Context) error {
	defer r.cancel()
	return r.inflight.drain(ctx)
}

// queueRunner publishes batches to a Redis stream and consumes them with a
// single consumer. Work keeps its own context so that shutdown lets a
// running batch finish.
type queueRunner struct {
	queue    *queue.RedisJobQueue
	stop     context.CancelFunc
	workCtx  context.Context
	abort    context.CancelFunc
	inflight *tracker
}

func newQueueRunner(q *queue.RedisJobQueue, process batchFunc) (*queueRunner, error) {
	consumeCtx, stop := context.WithCancel(context.Background())
	workCtx, abort := context.WithCancel(context.Background())
	r := &queueRunner{queue: q, stop: stop, workCtx: workCtx, abort: abort, inflight: newTracker()}
	err := q.Start(consumeCtx, 1, func(_ context.Context, job queue.Job) error {
		if !r.inflight.acquire() {
			return ErrClosed
		}
		defer r.inflight.release()
		slog.Info("indexing job received", "job_id", job.ID, "index_id", job.IndexID, "attempt", job.Attempts)
		return process(r.workCtx, job.IndexID, job.Paths)
	})
	if err != nil {
		stop()
		abort()
		return nil, err
	}
	return r, nil
}

func (r *queueRunner) Submit(ctx context.Context, indexID string, paths []string) error {
	if r.workCtx.Err() != nil {
		return ErrClosed
	}
	job, err := r.queue.Enqueue(ctx, indexID, paths)
	if err != nil {
		return err
	}
	slog.Info("indexing job queued", "job_id", job.ID, "index_id", indexID, "files", len(paths))
	return nil
}

// Wait only covers the batch this process is currently running; queued jobs
// may be picked up by any consumer.
func (r *queueRunner) Wait() {
	<-r.inflight.idle()
}

func (r *queueRunner) Close(ctx context.Context) error {
	r.stop()
	err := r.inflight.drain(ctx)
	r.abort()
	if cerr := r.queue.Close(); err == nil {
		err = cerr
	}
	return err
}

// tracker counts in-flight batches. Once draining starts it refuses new
// work, so the count only moves towards zero.
type tracker struct {
	mu       sync.Mutex
	n        int
	draining bool
	// done is closed whenever n is zero.
	done chan struct{}
}

func newTracker() *tracker {
	done := make(chan struct{})
	close(done)
	return &tracker{done: done}
}

func (t *tracker) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	if t.n == 0 {
		t.done = make(chan struct{})
	}
	t.n++
	return true
}

func (t *tracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.done)
	}
}

// idle returns a channel that is closed once the batches in flight at call
// time have finished.
func (t *tracker) idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// drain refuses further work and waits for the in-flight batches.
func (t *tracker) drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	done := t.done
	t.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
