// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis runs metric analyses in the background.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
)

// ErrNoQuery is returned by Start for metrics that cannot be queried.
var ErrNoQuery = errors.New("metric has no datasource or query")

// StateWriter persists analysis results and run state.
type StateWriter interface {
	SetMetricAnalysis(ctx context.Context, id, org string, analysis *datatypes.MetricAnalysis, state datatypes.AnalysisState) error
}

// Config holds runner settings.
//
// # Fields
//
//   - Timeout: Upper bound on a single run. Zero means no bound.
//   - WriteTimeout: Budget for the final state write. Default: 10s.
//   - OnFinish: Optional hook called once per finished run.
type Config struct {
	Timeout      time.Duration `yaml:"timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	OnFinish func(metricID string, status datatypes.AnalysisStatus, elapsed time.Duration) `yaml:"-"`
}

type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Runner executes at most one analysis per metric at a time.
//
// # Description
//
// Start records the running state synchronously and then queries the
// integration in a goroutine. Runs are detached from the caller's context
// so they outlive the HTTP request that started them; they stop on Cancel
// or Close.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Runner struct {
	store StateWriter
	cfg   Config
	now   func() time.Time

	base     context.Context
	stopBase context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewRunner creates a runner writing through store.
func NewRunner(store StateWriter, cfg Config) *Runner {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		base:     base,
		stopBase: stop,
		runs:     make(map[string]*run),
	}
}

// Start begins an analysis of metric over the last days days.
//
// # Inputs
//
//   - ctx: Used only for the synchronous state write.
//   - metric: Must belong to a datasource and have SQL or a table.
//   - integration: The metric's datasource integration.
//   - days: Window length; must be positive.
//
// # Outputs
//
//   - error: ErrNoQuery, an invalid window, or the state write failure.
//     Nil when a run for the metric is already in flight.
func (r *Runner) Start(ctx context.Context, metric datatypes.Metric, integration integrations.Integration, days int) error {
	if metric.Datasource == "" || (metric.SQL == "" && metric.Table == "") {
		return fmt.Errorf("metric %s: %w", metric.ID, ErrNoQuery)
	}
	if days <= 0 {
		return fmt.Errorf("analysis window must be positive, got %d days", days)
	}
	if integration == nil {
		return fmt.Errorf("metric %s: no integration", metric.ID)
	}
	if !integration.Properties().SupportsMetricAnalysis {
		return fmt.Errorf("metric %s: %w", metric.ID, integrations.ErrUnsupported)
	}

	r.mu.Lock()
	if _, busy := r.runs[metric.ID]; busy {
		r.mu.Unlock()
		slog.Debug("Analysis already running", "metric_id", metric.ID)
		return nil
	}
	if r.base.Err() != nil {
		r.mu.Unlock()
		return errors.New("analysis runner is closed")
	}
	runCtx, cancel := context.WithCancel(r.base)
	if r.cfg.Timeout > 0 {
		runCtx, cancel = withTimeout(runCtx, cancel, r.cfg.Timeout)
	}
	rn := &run{cancel: cancel}
	r.runs[metric.ID] = rn
	r.mu.Unlock()

	started := r.now().UTC()
	state := datatypes.AnalysisState{
		Status:     datatypes.AnalysisRunning,
		WindowDays: days,
		StartedAt:  started,
	}
	if err := r.store.SetMetricAnalysis(ctx, metric.ID, metric.Organization, nil, state); err != nil {
		r.finish(metric.ID)
		cancel()
		return fmt.Errorf("record analysis start: %w", err)
	}

	to := started
	from := to.AddDate(0, 0, -days)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.execute(runCtx, rn, metric, integration, state, from, to)
	}()
	return nil
}

func withTimeout(parent context.Context, outer context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, inner := context.WithTimeout(parent, d)
	return ctx, func() {
		inner()
		outer()
	}
}

func (r *Runner) execute(ctx context.Context, rn *run, metric datatypes.Metric, integration integrations.Integration, state datatypes.AnalysisState, from, to time.Time) {
	logger := slog.With("metric_id", metric.ID, "organization", metric.Organization)
	logger.Info("Metric analysis started", "window_days", state.WindowDays)

	result, err := integration.RunMetricAnalysis(ctx, metric, from, to)

	// Cancel wins over a result that raced in.
	r.mu.Lock()
	cancelled := rn.cancelled
	r.mu.Unlock()

	finished := r.now().UTC()
	state.FinishedAt = &finished
	switch {
	case cancelled:
		state.Status = datatypes.AnalysisCancelled
		result = nil
	case err != nil:
		state.Status = datatypes.AnalysisFailed
		state.Error = err.Error()
		result = nil
	case result == nil:
		state.Status = datatypes.AnalysisFailed
		state.Error = "analysis returned no result"
	default:
		state.Status = datatypes.AnalysisSucceeded
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if werr := r.store.SetMetricAnalysis(writeCtx, metric.ID, metric.Organization, result, state); werr != nil {
		logger.Error("Failed to record analysis result", "status", state.Status, "error", werr)
	}
	r.finish(metric.ID)

	elapsed := finished.Sub(state.StartedAt)
	if err != nil && !cancelled {
		logger.Warn("Metric analysis failed", "error", err, "duration_ms", elapsed.Milliseconds())
	} else {
		logger.Info("Metric analysis finished", "status", state.Status, "duration_ms", elapsed.Milliseconds())
	}
	if r.cfg.OnFinish != nil {
		r.cfg.OnFinish(metric.ID, state.Status, elapsed)
	}
}

func (r *Runner) finish(metricID string) {
	r.mu.Lock()
	delete(r.runs, metricID)
	r.mu.Unlock()
}

// Cancel stops the in-flight run of metricID. It reports whether a run was
// found; cancelling an idle metric is a no-op.
func (r *Runner) Cancel(metricID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[metricID]
	if !ok {
		return false
	}
	rn.cancelled = true
	rn.cancel()
	return true
}

// Running reports whether metricID has a run in flight.
func (r *Runner) Running(metricID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[metricID]
	return ok
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels all runs and waits for them. Runs stopped this way are
// recorded as cancelled.
func (r *Runner) Close() {
	r.mu.Lock()
	for _, rn := range r.runs {
		rn.cancelled = true
	}
	r.stopBase()
	r.mu.Unlock()
	r.wg.Wait()
}
