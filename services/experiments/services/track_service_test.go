// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrackService(t *testing.T, cfg TrackServiceConfig) (*TrackService, *store.Store) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	cfg.Store = st
	return NewTrackService(cfg), st
}

func TestTrackEvent_Stores(t *testing.T) {
	var mu sync.Mutex
	accepted := map[datatypes.TrackKind]int{}
	svc, st := newTrackService(t, TrackServiceConfig{OnAccepted: func(k datatypes.TrackKind) {
		mu.Lock()
		accepted[k]++
		mu.Unlock()
	}})
	ctx := context.Background()
	value := 12.5

	require.NoError(t, svc.TrackEvent(ctx, "sdk-abc", datatypes.TrackEventInput{
		EventName:  "purchase",
		Value:      &value,
		Properties: map[string]json.RawMessage{"plan": json.RawMessage(`"pro"`)},
	}))
	require.NoError(t, svc.TrackFeatureUsage(ctx, "sdk-abc", datatypes.FeatureUsageInput{Feature: "new-checkout", Revision: 3, VariationID: "v1"}))

	recs, err := st.ListTracked(ctx, "sdk-abc", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	kinds := []datatypes.TrackKind{recs[0].Kind, recs[1].Kind}
	assert.ElementsMatch(t, []datatypes.TrackKind{datatypes.TrackKindEvent, datatypes.TrackKindFeatureUsage}, kinds)
	for _, r := range recs {
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.ReceivedAt.IsZero())
	}

	counts, err := st.CountTrackedByEvent(ctx, "sdk-abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["purchase"])
	assert.Equal(t, map[datatypes.TrackKind]int{datatypes.TrackKindEvent: 1, datatypes.TrackKindFeatureUsage: 1}, accepted)
}

func TestTrackEvent_Validation(t *testing.T) {
	svc, st := newTrackService(t, TrackServiceConfig{})
	ctx := context.Background()
	var verr *ValidationError

	assert.ErrorAs(t, svc.TrackEvent(ctx, "sdk-abc", datatypes.TrackEventInput{}), &verr)
	assert.ErrorAs(t, svc.TrackEvent(ctx, "", datatypes.TrackEventInput{EventName: "x"}), &verr)
	assert.ErrorAs(t, svc.TrackFeatureUsage(ctx, "sdk-abc", datatypes.FeatureUsageInput{Revision: -1}), &verr)

	recs, err := st.ListTracked(ctx, "sdk-abc", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTrack_RateLimitPerClientKey(t *testing.T) {
	svc, _ := newTrackService(t, TrackServiceConfig{RatePerSecond: 0.001, Burst: 2})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()
	ev := datatypes.TrackEventInput{EventName: "view"}

	require.NoError(t, svc.TrackEvent(ctx, "key-a", ev))
	require.NoError(t, svc.TrackEvent(ctx, "key-a", ev))
	assert.ErrorIs(t, svc.TrackEvent(ctx, "key-a", ev), ErrRateLimited)
	assert.ErrorIs(t, svc.TrackFeatureUsage(ctx, "key-a", datatypes.FeatureUsageInput{Feature: "f"}), ErrRateLimited)

	require.NoError(t, svc.TrackEvent(ctx, "key-b", ev), "budgets are per key")
}

func TestTrack_EvictsIdleLimiters(t *testing.T) {
	svc, _ := newTrackService(t, TrackServiceConfig{RatePerSecond: 100, Burst: 1, MaxKeys: 4})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.TrackEvent(ctx, fmt.Sprintf("key-%d", i), datatypes.TrackEventInput{EventName: "view"}))
	}
	now = now.Add(time.Second)
	require.NoError(t, svc.TrackEvent(ctx, "key-new", datatypes.TrackEventInput{EventName: "view"}))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.limiters, 1)
}
