// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	analysis *datatypes.MetricAnalysis
	state    datatypes.AnalysisState
}

type recordingStore struct {
	mu     sync.Mutex
	writes []write
	fail   bool
}

func (s *recordingStore) SetMetricAnalysis(_ context.Context, _, _ string, a *datatypes.MetricAnalysis, st datatypes.AnalysisState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.writes = append(s.writes, write{a, st})
	return nil
}

func (s *recordingStore) all() []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]write(nil), s.writes...)
}

type blockingIntegration struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	err     error
	from    time.Time
	to      time.Time
}

func newBlockingIntegration() *blockingIntegration {
	return &blockingIntegration{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (b *blockingIntegration) Properties() integrations.Properties {
	return integrations.Properties{SupportsMetricAnalysis: true}
}
func (b *blockingIntegration) SchemaFormat() datatypes.SchemaFormat { return "" }
func (b *blockingIntegration) Close() error                         { return nil }

func (b *blockingIntegration) RunMetricAnalysis(ctx context.Context, _ datatypes.Metric, from, to time.Time) (*datatypes.MetricAnalysis, error) {
	b.calls.Add(1)
	b.from, b.to = from, to
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
	}
	if b.err != nil {
		return nil, b.err
	}
	return &datatypes.MetricAnalysis{Count: 10, Average: 0.5}, nil
}

func testMetric() datatypes.Metric {
	return datatypes.Metric{ID: "met_1", Organization: "org_a", Datasource: "ds_1", SQL: "SELECT 1"}
}

func TestRunner_Succeeds(t *testing.T) {
	store := &recordingStore{}
	integ := newBlockingIntegration()
	r := NewRunner(store, Config{})
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 30))
	<-integ.started
	assert.True(t, r.Running("met_1"))

	writes := store.all()
	require.Len(t, writes, 1)
	assert.Equal(t, datatypes.AnalysisRunning, writes[0].state.Status)
	assert.Equal(t, 30, writes[0].state.WindowDays)
	assert.Nil(t, writes[0].analysis)

	close(integ.release)
	r.Wait()

	assert.False(t, r.Running("met_1"))
	writes = store.all()
	require.Len(t, writes, 2)
	assert.Equal(t, datatypes.AnalysisSucceeded, writes[1].state.Status)
	require.NotNil(t, writes[1].state.FinishedAt)
	require.NotNil(t, writes[1].analysis)
	assert.Equal(t, int64(10), writes[1].analysis.Count)
	assert.Equal(t, 30*24*time.Hour, integ.to.Sub(integ.from))
}

func TestRunner_AtMostOnePerMetric(t *testing.T) {
	store := &recordingStore{}
	integ := newBlockingIntegration()
	r := NewRunner(store, Config{})
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 7))
	<-integ.started
	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 7))

	close(integ.release)
	r.Wait()
	assert.Equal(t, int32(1), integ.calls.Load())
	assert.Len(t, store.all(), 2)
}

func TestRunner_CancelYieldsCancelledState(t *testing.T) {
	store := &recordingStore{}
	integ := newBlockingIntegration()
	var finished atomic.Value
	r := NewRunner(store, Config{OnFinish: func(_ string, st datatypes.AnalysisStatus, _ time.Duration) {
		finished.Store(st)
	}})
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 7))
	<-integ.started
	assert.True(t, r.Cancel("met_1"))
	r.Wait()

	writes := store.all()
	require.Len(t, writes, 2)
	assert.Equal(t, datatypes.AnalysisCancelled, writes[1].state.Status)
	assert.Nil(t, writes[1].analysis)
	assert.Equal(t, datatypes.AnalysisCancelled, finished.Load())

	assert.False(t, r.Cancel("met_1"))
}

func TestRunner_Failure(t *testing.T) {
	store := &recordingStore{}
	integ := newBlockingIntegration()
	integ.err = errors.New("relation does not exist")
	r := NewRunner(store, Config{})
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 7))
	<-integ.started
	close(integ.release)
	r.Wait()

	writes := store.all()
	require.Len(t, writes, 2)
	assert.Equal(t, datatypes.AnalysisFailed, writes[1].state.Status)
	assert.Equal(t, "relation does not exist", writes[1].state.Error)
}

func TestRunner_Timeout(t *testing.T) {
	store := &recordingStore{}
	integ := newBlockingIntegration()
	r := NewRunner(store, Config{Timeout: 20 * time.Millisecond})
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 7))
	r.Wait()

	writes := store.all()
	require.Len(t, writes, 2)
	assert.Equal(t, datatypes.AnalysisFailed, writes[1].state.Status)
	assert.Contains(t, writes[1].state.Error, "deadline")
}

func TestRunner_StartErrors(t *testing.T) {
	integ := newBlockingIntegration()
	r := NewRunner(&recordingStore{}, Config{})
	defer r.Close()
	ctx := context.Background()

	m := testMetric()
	m.Datasource = ""
	assert.ErrorIs(t, r.Start(ctx, m, integ, 7), ErrNoQuery)

	m = testMetric()
	m.SQL = ""
	assert.ErrorIs(t, r.Start(ctx, m, integ, 7), ErrNoQuery)

	assert.Error(t, r.Start(ctx, testMetric(), integ, 0))

	failing := NewRunner(&recordingStore{fail: true}, Config{})
	defer failing.Close()
	assert.Error(t, failing.Start(ctx, testMetric(), integ, 7))
	assert.False(t, failing.Running("met_1"))
	assert.Zero(t, integ.calls.Load())
}

func TestRunner_CloseCancelsRuns(t *testing.T) {
	store := &recordingStore{}
	integ := newBlockingIntegration()
	r := NewRunner(store, Config{})

	require.NoError(t, r.Start(context.Background(), testMetric(), integ, 7))
	<-integ.started
	r.Close()

	writes := store.all()
	require.Len(t, writes, 2)
	assert.Equal(t, datatypes.AnalysisCancelled, writes[1].state.Status)
	assert.Error(t, r.Start(context.Background(), testMetric(), integ, 7))
}
