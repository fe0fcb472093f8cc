// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records change events asynchronously.
//
// The Dispatcher implements extensions.AuditLogger. Record enqueues and
// returns; a single background goroutine delivers events to every Sink in
// order. Sink failures are logged and never reach the caller, matching the
// rule that a persisted mutation is not reverted when its audit entry
// cannot be written.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/google/uuid"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit dispatcher closed")

// ErrDropped is returned by Record when the buffer is full and the
// dispatcher is configured to drop.
var ErrDropped = errors.New("audit buffer full, event dropped")

// Sink receives audit events.
//
// # Thread Safety
//
// Emit is only called from the dispatcher goroutine.
type Sink interface {
	Emit(ctx context.Context, ev extensions.AuditEvent) error
}

// Querier reads stored audit events.
type Querier interface {
	QueryAudit(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error)
}

// Config controls buffering.
type Config struct {
	// BufferSize is the channel capacity. Default 256.
	BufferSize int

	// DropIfFull makes Record fail fast with ErrDropped instead of
	// blocking when the buffer is full.
	DropIfFull bool

	// OnDelivered is called after each event has been offered to every
	// sink, with the number of sinks that failed. Optional.
	OnDelivered func(ev extensions.AuditEvent, failures int)
}

type item struct {
	ev    extensions.AuditEvent
	flush chan struct{}
}

// Dispatcher is an asynchronous extensions.AuditLogger.
type Dispatcher struct {
	cfg     Config
	sinks   []Sink
	querier Querier
	logger  *slog.Logger

	ch        chan item
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	now       func() time.Time
}

// NewDispatcher starts a dispatcher.
//
// # Inputs
//
//   - cfg: Buffering configuration.
//   - querier: Backs Query. May be nil, in which case Query returns nothing.
//   - logger: Receives sink failures. Nil uses slog.Default().
//   - sinks: Delivery targets, called in order.
//
// # Outputs
//
//   - *Dispatcher: Running. Call Close to drain and stop.
func NewDispatcher(cfg Config, querier Querier, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		querier: querier,
		logger:  logger,
		ch:      make(chan item, cfg.BufferSize),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case it := <-d.ch:
			d.handle(it)
		case <-d.done:
			for {
				select {
				case it := <-d.ch:
					d.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(it item) {
	if it.flush != nil {
		close(it.flush)
		return
	}
	failures := 0
	for _, s := range d.sinks {
		if err := s.Emit(context.Background(), it.ev); err != nil {
			failures++
			d.logger.Error("audit sink failed",
				slog.String("event", it.ev.Event),
				slog.String("entity", it.ev.Entity.Object),
				slog.String("entity_id", it.ev.Entity.ID),
				slog.String("error", err.Error()))
		}
	}
	if d.cfg.OnDelivered != nil {
		d.cfg.OnDelivered(it.ev, failures)
	}
}

// Record enqueues ev, assigning an id and timestamp when missing.
//
// # Outputs
//
//   - nil once enqueued; delivery happens later.
//   - ErrClosed after Close, ErrDropped when configured to drop, or the
//     context error when ctx ends while waiting for buffer space.
func (d *Dispatcher) Record(ctx context.Context, ev extensions.AuditEvent) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if ev.ID == "" {
		ev.ID = "aud_" + uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- item{ev: ev}:
			return nil
		case <-d.done:
			return ErrClosed
		default:
			d.dropped.Add(1)
			return ErrDropped
		}
	}

	select {
	case d.ch <- item{ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Query reads stored events through the querier.
func (d *Dispatcher) Query(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	if d.querier == nil {
		return nil, nil
	}
	return d.querier.QueryAudit(ctx, filter)
}

// Flush blocks until every event recorded before the call has been
// delivered, or ctx ends.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d.closed.Load() {
		return nil
	}
	marker := make(chan struct{})
	select {
	case d.ch <- item{flush: marker}:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return nil
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer and stops the dispatcher. Safe to call more
// than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were dropped because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

var _ extensions.AuditLogger = (*Dispatcher)(nil)
