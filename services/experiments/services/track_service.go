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
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// TrackServiceConfig wires a TrackService.
//
// # Fields
//
//   - RatePerSecond: Sustained calls per client key. Default: 50.
//   - Burst: Bucket size per client key. Default: 100.
//   - MaxKeys: Limiters kept before idle ones are evicted. Default: 10000.
//   - OnAccepted: Optional hook called for every stored record.
type TrackServiceConfig struct {
	Store         TrackStore
	RatePerSecond float64
	Burst         int
	MaxKeys       int
	OnAccepted    func(kind datatypes.TrackKind)
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TrackService ingests SDK tracking calls. Each client key has its own
// token bucket.
//
// # Thread Safety
//
// Safe for concurrent use.
type TrackService struct {
	cfg TrackServiceConfig
	now func() time.Time

	mu       sync.Mutex
	limiters map[string]*keyLimiter
}

// NewTrackService creates the service.
func NewTrackService(cfg TrackServiceConfig) *TrackService {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &TrackService{cfg: cfg, now: time.Now, limiters: make(map[string]*keyLimiter)}
}

func (s *TrackService) allow(clientKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kl, ok := s.limiters[clientKey]
	if !ok {
		if len(s.limiters) >= s.cfg.MaxKeys {
			s.evictIdle(now)
		}
		kl = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)}
		s.limiters[clientKey] = kl
	}
	kl.lastSeen = now
	return kl.limiter.AllowN(now, 1)
}

// evictIdle drops limiters whose bucket has refilled; they carry no state
// a fresh limiter would not. Falls back to dropping the oldest half.
func (s *TrackService) evictIdle(now time.Time) {
	refill := time.Duration(float64(s.cfg.Burst) / s.cfg.RatePerSecond * float64(time.Second))
	for k, kl := range s.limiters {
		if now.Sub(kl.lastSeen) > refill {
			delete(s.limiters, k)
		}
	}
	if len(s.limiters) < s.cfg.MaxKeys {
		return
	}
	cutoff := now
	for _, kl := range s.limiters {
		if kl.lastSeen.Before(cutoff) {
			cutoff = kl.lastSeen
		}
	}
	mid := cutoff.Add(now.Sub(cutoff) / 2)
	for k, kl := range s.limiters {
		if !kl.lastSeen.After(mid) {
			delete(s.limiters, k)
		}
	}
}

func (s *TrackService) admit(clientKey string) error {
	if err := validation.Var("clientKey", clientKey, "required,max=128,printascii"); err != nil {
		return invalid(err)
	}
	if !s.allow(clientKey) {
		return ErrRateLimited
	}
	return nil
}

// TrackEvent stores an SDK event.
func (s *TrackService) TrackEvent(ctx context.Context, clientKey string, in datatypes.TrackEventInput) error {
	if err := in.Validate(); err != nil {
		return invalid(err)
	}
	if err := s.admit(clientKey); err != nil {
		return err
	}
	return s.store(ctx, datatypes.TrackedRecord{ClientKey: clientKey, Kind: datatypes.TrackKindEvent, Event: &in})
}

// TrackFeatureUsage stores a feature flag evaluation report.
func (s *TrackService) TrackFeatureUsage(ctx context.Context, clientKey string, in datatypes.FeatureUsageInput) error {
	if err := in.Validate(); err != nil {
		return invalid(err)
	}
	if err := s.admit(clientKey); err != nil {
		return err
	}
	return s.store(ctx, datatypes.TrackedRecord{ClientKey: clientKey, Kind: datatypes.TrackKindFeatureUsage, Usage: &in})
}

func (s *TrackService) store(ctx context.Context, rec datatypes.TrackedRecord) error {
	rec.ID = "trk_" + uuid.NewString()
	rec.ReceivedAt = s.now().UTC()
	if err := s.cfg.Store.AppendTracked(ctx, rec); err != nil {
		return fmt.Errorf("store tracked %s: %w", rec.Kind, err)
	}
	if s.cfg.OnAccepted != nil {
		s.cfg.OnAccepted(rec.Kind)
	}
	return nil
}
