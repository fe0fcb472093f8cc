// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// ErrPermanent marks handler errors that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// WorkerConfig holds worker settings.
//
// # Fields
//
//   - Concurrency: Number of goroutines pulling jobs. Default: 1.
//   - MaxAttempts: Attempts before a job is dropped. Default: 3.
//   - RetryDelay: Pause before a failed job is re-enqueued. Default: 1s.
//   - JobTimeout: Budget per handler call. Default: 5m.
//   - OnResult: Optional hook called after every handler call.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	JobTimeout  time.Duration `yaml:"job_timeout"`

	OnResult func(jobType string, err error) `yaml:"-"`
}

// DefaultWorkerConfig returns the default worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		JobTimeout:  5 * time.Minute,
	}
}

// Worker pulls jobs from a Queue and dispatches them by type.
//
// # Description
//
// Uses the done channel pattern for shutdown: Stop signals every loop and
// waits for in-flight handlers and pending retries to return. Failed jobs
// are re-enqueued from a separate goroutine with an incremented attempt
// count until MaxAttempts; errors wrapping ErrPermanent are dropped
// immediately. Retries still waiting when Stop is called are abandoned.
//
// # Thread Safety
//
// Register must be called before Start. Start and Stop are safe for
// concurrent use.
type Worker struct {
	queue    Queue
	config   WorkerConfig
	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker for queue.
func NewWorker(queue Queue, config WorkerConfig) *Worker {
	d := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = d.Concurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = d.RetryDelay
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = d.JobTimeout
	}
	return &Worker{queue: queue, config: config, handlers: make(map[string]Handler)}
}

// Register installs the handler for jobType.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Start launches the worker loops. They run until Stop is called or ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker is already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)

	slog.Info("Job worker starting",
		"concurrency", w.config.Concurrency,
		"max_attempts", w.config.MaxAttempts,
	)
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
	return nil
}

// Stop signals the loops and waits for them to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	slog.Info("Job worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			slog.Warn("Job dequeue failed", "worker", id, "error", err)
			if !sleep(ctx, w.config.RetryDelay) {
				return
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	logger := slog.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts+1)

	h, ok := w.handlers[job.Type]
	if !ok {
		logger.Error("No handler for job type, dropping job")
		w.report(job.Type, fmt.Errorf("job type %q: %w", job.Type, ErrPermanent))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	err := h(jobCtx, job)
	cancel()
	w.report(job.Type, err)
	if err == nil {
		logger.Info("Job completed", "queued_ms", time.Since(job.EnqueuedAt).Milliseconds())
		return
	}

	job.Attempts++
	if errors.Is(err, ErrPermanent) || job.Attempts >= w.config.MaxAttempts {
		logger.Error("Job failed, dropping", "error", err)
		return
	}
	logger.Warn("Job failed, retrying", "error", err, "retry_in", w.config.RetryDelay)
	w.wg.Add(1)
	go w.retry(ctx, job, logger)
}

// retry re-enqueues job after RetryDelay. It runs outside the worker loop so
// a full queue never blocks the only consumer that could drain it.
func (w *Worker) retry(ctx context.Context, job Job, logger *slog.Logger) {
	defer w.wg.Done()
	if !sleep(ctx, w.config.RetryDelay) {
		logger.Warn("Worker stopping, retry abandoned")
		return
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		logger.Error("Failed to re-enqueue job", "error", err)
	}
}

func (w *Worker) report(jobType string, err error) {
	if w.config.OnResult != nil {
		w.config.OnResult(jobType, err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
