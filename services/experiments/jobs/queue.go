// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs provides the background job queue and worker.
//
// Two queues are provided: MemoryQueue for single-process deployments and
// tests, and RedisQueue, a Redis list shared by every replica. A Worker
// pulls jobs from either and dispatches them by type.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/google/uuid"
)

// TypeCreateAutoGeneratedMetrics materialises metrics chosen from
// tracked events.
const TypeCreateAutoGeneratedMetrics = "create-auto-generated-metrics"

// ErrQueueClosed is returned by queues after Close.
var ErrQueueClosed = errors.New("job queue closed")

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// NewJob encodes payload into a job of the given type.
func NewJob(jobType string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return Job{
		ID:         "job_" + uuid.NewString(),
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// AutoMetricsPayload is the payload of TypeCreateAutoGeneratedMetrics.
type AutoMetricsPayload struct {
	DatasourceID string                      `json:"datasourceId"`
	Organization string                      `json:"organization"`
	Projects     []string                    `json:"projects"`
	Metrics      []datatypes.MetricCandidate `json:"metrics"`
	User         datatypes.User              `json:"user"`
}

// Queue is a FIFO of jobs.
type Queue interface {
	// Enqueue appends a job.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (Job, error)

	// Close releases resources. Pending Dequeue calls return ErrQueueClosed.
	Close() error
}

// =============================================================================
// In-memory queue
// =============================================================================

// MemoryQueue is a bounded in-process queue.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryQueue struct {
	ch   chan Job
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue creates a queue holding up to size jobs. Enqueue blocks
// while the queue is full.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan Job, size), done: make(chan struct{})}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-q.done:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close implements Queue. Jobs still queued are discarded.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
