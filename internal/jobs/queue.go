// Package jobs runs best-effort side effects off the request path with
// bounded retries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mes-execution-backend/internal/metrics"
)

var (
	// ErrStopped is returned by Dispatch after Stop.
	ErrStopped = errors.New("job queue stopped")
	// ErrFull is returned by Dispatch when the buffer has no room.
	ErrFull = errors.New("job queue full")
)

// Job is a named unit of work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher accepts jobs for asynchronous execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Queue is a fixed pool of workers draining a buffered channel.
type Queue struct {
	workers     int
	maxAttempts int
	backoff     time.Duration
	jobs        chan Job
	logger      *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewQueue creates a queue. Jobs are attempted up to maxAttempts times.
func NewQueue(workers, size, maxAttempts int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Queue{
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     500 * time.Millisecond,
		jobs:        make(chan Job, size),
		logger:      logger.With("component", "jobs"),
	}
}

// Start launches the worker goroutines. Jobs run with ctx's values but
// outlive its cancellation; workers exit once Stop closes the buffer.
func (q *Queue) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	q.logger.Debug("worker started", "worker", id)
	for job := range q.jobs {
		metrics.JobQueueDepth.Dec()
		q.run(ctx, job)
	}
	q.logger.Debug("worker drained", "worker", id)
}

func (q *Queue) run(ctx context.Context, job Job) {
	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if err = runSafely(ctx, job); err == nil {
			metrics.JobsTotal.WithLabelValues(job.Name, "ok").Inc()
			return
		}
		q.logger.Warn("job attempt failed", "job", job.Name, "attempt", attempt, "error", err)
		if attempt == q.maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt) * q.backoff)
	}
	metrics.JobsTotal.WithLabelValues(job.Name, "failed").Inc()
	q.logger.Error("job gave up", "job", job.Name, "attempts", q.maxAttempts, "error", err)
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Dispatch enqueues job without blocking. A full buffer drops the job.
func (q *Queue) Dispatch(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.jobs <- job:
		metrics.JobQueueDepth.Inc()
		return nil
	default:
		metrics.JobsTotal.WithLabelValues(job.Name, "dropped").Inc()
		q.logger.Warn("job queue full, dropping job", "job", job.Name)
		return ErrFull
	}
}

// Stop rejects new jobs and waits for the workers to drain the buffer.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Inline runs jobs synchronously on the caller's goroutine. Errors are
// logged, never returned.
type Inline struct {
	Logger *slog.Logger
}

// Dispatch runs job immediately.
func (d Inline) Dispatch(ctx context.Context, job Job) error {
	if err := runSafely(ctx, job); err != nil && d.Logger != nil {
		d.Logger.Warn("inline job failed", "job", job.Name, "error", err)
	}
	return nil
}
