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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewJob_RoundTripsPayload(t *testing.T) {
	job, err := NewJob(TypeCreateAutoGeneratedMetrics, AutoMetricsPayload{
		DatasourceID: "ds_1",
		Organization: "org_a",
		Metrics:      []datatypes.MetricCandidate{{Name: "Signup", SQL: "SELECT 1", Type: datatypes.MetricTypeBinomial}},
		User:         datatypes.User{ID: "u_1", Name: "Ada"},
	})
	require.NoError(t, err)
	assert.Contains(t, job.ID, "job_")
	assert.Equal(t, TypeCreateAutoGeneratedMetrics, job.Type)

	var p AutoMetricsPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "ds_1", p.DatasourceID)
	require.Len(t, p.Metrics, 1)
	assert.Equal(t, "Ada", p.User.Name)

	bad := Job{ID: "job_x", Type: "t", Payload: []byte("{")}
	assert.Error(t, bad.Decode(&p))
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "1"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "2"}))
	assert.Equal(t, 2, q.Len())

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(full, Job{ID: "3"}), context.DeadlineExceeded)

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", j.ID)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, Job{}), ErrQueueClosed)
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueue_FIFO(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueueWithClient(client, RedisConfig{Key: "test:jobs", PollTimeout: time.Second})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Job{ID: fmt.Sprint(i), Type: "t", Payload: []byte(`{}`)}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for i := 1; i <= 3; i++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), j.ID)
	}

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, Job{}), ErrQueueClosed)
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRedisQueue_DequeueHonoursContext(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueueWithClient(client, RedisConfig{PollTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRedisQueue_ConnectFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewRedisQueue(ctx, RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestWorker_DispatchesAndRetries(t *testing.T) {
	q := NewMemoryQueue(8)
	var mu sync.Mutex
	attempts := map[string]int{}
	results := make(chan error, 16)

	w := NewWorker(q, WorkerConfig{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		OnResult:    func(_ string, err error) { results <- err },
	})
	w.Register("flaky", func(_ context.Context, j Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[j.ID]++
		if attempts[j.ID] < 2 {
			return errors.New("transient")
		}
		return nil
	})
	w.Register("broken", func(_ context.Context, j Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[j.ID]++
		return fmt.Errorf("bad payload: %w", ErrPermanent)
	})

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", Type: "flaky"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "b", Type: "broken"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "c", Type: "unknown"}))

	// flaky: fail + success, broken: one permanent failure, unknown: one.
	var failures, successes int
	for i := 0; i < 4; i++ {
		select {
		case err := <-results:
			if err != nil {
				failures++
			} else {
				successes++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job results")
		}
	}
	w.Stop()
	w.Stop()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 3, failures)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts["a"])
	assert.Equal(t, 1, attempts["b"])
}

func TestWorker_DropsAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(8)
	calls := make(chan int, 8)
	w := NewWorker(q, WorkerConfig{MaxAttempts: 2, RetryDelay: time.Millisecond})
	w.Register("fail", func(_ context.Context, j Job) error {
		calls <- j.Attempts
		return errors.New("always")
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, q.Enqueue(context.Background(), Job{ID: "x", Type: "fail"}))
	assert.Equal(t, 0, <-calls)
	assert.Equal(t, 1, <-calls)

	select {
	case n := <-calls:
		t.Fatalf("unexpected attempt %d", n)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, q.Len())
}

func TestWorker_RetryDoesNotBlockFullQueue(t *testing.T) {
	q := NewMemoryQueue(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := map[string]int{}
	done := make(chan string, 4)

	w := NewWorker(q, WorkerConfig{MaxAttempts: 3, RetryDelay: time.Millisecond})
	w.Register("job", func(_ context.Context, j Job) error {
		mu.Lock()
		calls[j.ID]++
		n := calls[j.ID]
		mu.Unlock()
		if j.ID == "a" && n == 1 {
			close(started)
			<-release
			return errors.New("transient")
		}
		done <- j.ID
		return nil
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", Type: "job"}))
	<-started
	// Fill the queue while "a" is still running so its retry finds no room.
	require.NoError(t, q.Enqueue(ctx, Job{ID: "b", Type: "job"}))
	close(release)

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-done:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("worker stalled, completed %v", got)
		}
	}
	assert.True(t, got["a"])
	assert.True(t, got["b"])

	enqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, q.Enqueue(enqCtx, Job{ID: "c", Type: "job"}))
}

func TestWorker_StopAbandonsPendingRetry(t *testing.T) {
	q := NewMemoryQueue(1)
	calls := make(chan struct{}, 4)
	w := NewWorker(q, WorkerConfig{MaxAttempts: 3, RetryDelay: time.Hour})
	w.Register("fail", func(context.Context, Job) error {
		calls <- struct{}{}
		return errors.New("always")
	})
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), Job{ID: "x", Type: "fail"}))
	<-calls

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited on a pending retry")
	}
	assert.Zero(t, q.Len())
}

func TestWorker_WithRedisQueue(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueueWithClient(client, RedisConfig{PollTimeout: time.Second})
	done := make(chan AutoMetricsPayload, 1)

	w := NewWorker(q, WorkerConfig{})
	w.Register(TypeCreateAutoGeneratedMetrics, func(_ context.Context, j Job) error {
		var p AutoMetricsPayload
		if err := j.Decode(&p); err != nil {
			return err
		}
		done <- p
		return nil
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	job, err := NewJob(TypeCreateAutoGeneratedMetrics, AutoMetricsPayload{DatasourceID: "ds_9"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job))

	select {
	case p := <-done:
		assert.Equal(t, "ds_9", p.DatasourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed")
	}
}
