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
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key is the list holding queued jobs. Default: "experiments:jobs".
	Key string `yaml:"key"`

	// PollTimeout bounds each BRPOP so Dequeue notices cancellation.
	// Redis takes whole seconds; shorter values are rounded up.
	// Default: 1s.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// RedisQueue stores jobs in a Redis list: LPUSH to enqueue, BRPOP to
// dequeue, so the list is FIFO across replicas.
type RedisQueue struct {
	client      *redis.Client
	ownsClient  bool
	key         string
	pollTimeout time.Duration
	closed      atomic.Bool
}

// NewRedisQueue connects to cfg.Addr and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	q := NewRedisQueueWithClient(client, cfg)
	q.ownsClient = true
	return q, nil
}

// NewRedisQueueWithClient wraps an existing client. Close leaves the
// client open.
func NewRedisQueueWithClient(client *redis.Client, cfg RedisConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "experiments:jobs"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &RedisQueue{client: client, key: cfg.Key, pollTimeout: cfg.PollTimeout}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			if q.closed.Load() {
				return Job{}, ErrQueueClosed
			}
			return Job{}, fmt.Errorf("dequeue from %s: %w", q.key, err)
		}
		// res is [key, value].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decode job from %s: %w", q.key, err)
		}
		return job, nil
	}
}

// Len returns the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
