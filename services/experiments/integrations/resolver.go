// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package integrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
)

// DatasourceLookup finds datasource records.
type DatasourceLookup interface {
	GetDatasource(ctx context.Context, id, org string) (*datatypes.Datasource, error)
}

type cachedIntegration struct {
	integration Integration
	version     time.Time
}

// Resolver builds and caches integrations per datasource.
//
// # Description
//
// A cached integration is reused while the datasource's dateUpdated is
// unchanged. When the record changes, the old integration is closed and a
// new one is built from the current settings.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct {
	lookup    DatasourceLookup
	factories map[datatypes.DatasourceType]Factory

	mu    sync.Mutex
	cache map[string]cachedIntegration
}

// NewResolver creates a resolver with no factories registered.
func NewResolver(lookup DatasourceLookup) *Resolver {
	return &Resolver{
		lookup:    lookup,
		factories: make(map[datatypes.DatasourceType]Factory),
		cache:     make(map[string]cachedIntegration),
	}
}

// Register installs the factory for a datasource type. Not safe to call
// concurrently with Resolve.
func (r *Resolver) Register(t datatypes.DatasourceType, f Factory) {
	r.factories[t] = f
}

// Resolve returns the integration for datasourceID in org.
//
// # Outputs
//
//   - The lookup's error (typically a not-found error) when the
//     datasource does not exist in org.
//   - ErrUnsupported when no factory handles the datasource type.
func (r *Resolver) Resolve(ctx context.Context, datasourceID, org string) (Integration, error) {
	ds, err := r.lookup.GetDatasource(ctx, datasourceID, org)
	if err != nil {
		return nil, err
	}
	return r.ForDatasource(*ds)
}

// ForDatasource returns the integration for an already loaded record.
func (r *Resolver) ForDatasource(ds datatypes.Datasource) (Integration, error) {
	cacheKey := ds.Organization + "/" + ds.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[cacheKey]; ok {
		if c.version.Equal(ds.DateUpdated) {
			return c.integration, nil
		}
		if err := c.integration.Close(); err != nil {
			slog.Warn("Failed to close stale integration",
				"datasource_id", ds.ID, "error", err)
		}
		delete(r.cache, cacheKey)
	}

	f, ok := r.factories[ds.Type]
	if !ok {
		return nil, fmt.Errorf("datasource type %q: %w", ds.Type, ErrUnsupported)
	}
	integration, err := f(ds)
	if err != nil {
		return nil, fmt.Errorf("build %s integration for %s: %w", ds.Type, ds.ID, err)
	}
	r.cache[cacheKey] = cachedIntegration{integration: integration, version: ds.DateUpdated}
	return integration, nil
}

// Close closes every cached integration.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for k, c := range r.cache {
		if err := c.integration.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", k, err))
		}
		delete(r.cache, k)
	}
	return errors.Join(errs...)
}
