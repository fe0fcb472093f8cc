// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/dgraph-io/badger/v4"
)

const kindMetric = "metric"

// GetMetric returns the metric id of org.
//
// # Inputs
//
//   - includeInternal: When false the derived analysis fields are cleared.
//
// # Outputs
//
//   - ErrNotFound when absent or owned by another organization.
func (s *Store) GetMetric(ctx context.Context, id, org string, includeInternal bool) (*datatypes.Metric, error) {
	var m datatypes.Metric
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		m, err = getJSON[datatypes.Metric](txn, key(kindMetric, org, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !includeInternal {
		m.StripInternal()
	}
	return &m, nil
}

// ListMetrics returns every metric of org, newest first, without derived
// fields.
func (s *Store) ListMetrics(ctx context.Context, org string) ([]datatypes.Metric, error) {
	return s.listMetrics(ctx, org, nil)
}

// ListMetricsByDatasource returns the metrics of org bound to datasourceID.
func (s *Store) ListMetricsByDatasource(ctx context.Context, datasourceID, org string) ([]datatypes.Metric, error) {
	return s.listMetrics(ctx, org, func(m datatypes.Metric) bool {
		return m.Datasource == datasourceID
	})
}

func (s *Store) listMetrics(ctx context.Context, org string, keep func(datatypes.Metric) bool) ([]datatypes.Metric, error) {
	var out []datatypes.Metric
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = collect(txn, prefix(kindMetric, org), keep)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	for i := range out {
		out[i].StripInternal()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateCreated.After(out[j].DateCreated)
	})
	return out, nil
}

// CreateMetric stores a new metric. The caller assigns id, organization
// and ownership; the store stamps dateCreated and dateUpdated.
//
// # Outputs
//
//   - The stored record.
//   - ErrExists when the id is taken.
func (s *Store) CreateMetric(ctx context.Context, m datatypes.Metric) (datatypes.Metric, error) {
	if m.ID == "" || m.Organization == "" {
		return m, errors.New("metric id and organization are required")
	}
	now := s.now().UTC()
	m.DateCreated = now
	m.DateUpdated = now
	m.StripInternal()

	err := s.update(ctx, func(txn *badger.Txn) error {
		k := key(kindMetric, m.Organization, m.ID)
		found, err := exists(txn, k)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("metric %s: %w", m.ID, ErrExists)
		}
		return putJSON(txn, k, m)
	})
	if err != nil {
		return m, err
	}
	return m, nil
}

// UpdateMetric applies patch to the stored metric and stamps dateUpdated.
//
// # Description
//
// The patch is applied to the record as it exists when the transaction
// runs, so fields the patch does not carry keep whatever value is current
// at that moment. Derived fields are untouched because MetricPatch cannot
// carry them.
//
// # Inputs
//
//   - guard: Optional. Called with the record read inside the transaction
//     before the patch is applied; a non-nil error aborts the write and is
//     returned unchanged. May run more than once on conflict retries.
//
// # Outputs
//
//   - The updated record including derived fields.
//   - ErrNotFound when absent, or the guard's error.
func (s *Store) UpdateMetric(ctx context.Context, id, org string, patch datatypes.MetricPatch, guard func(current datatypes.Metric) error) (*datatypes.Metric, error) {
	var out datatypes.Metric
	err := s.update(ctx, func(txn *badger.Txn) error {
		k := key(kindMetric, org, id)
		m, err := getJSON[datatypes.Metric](txn, k)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(m); err != nil {
				return err
			}
		}
		patch.Apply(&m)
		m.DateUpdated = s.now().UTC()
		out = m
		return putJSON(txn, k, m)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMetric removes the metric. ErrNotFound when absent.
func (s *Store) DeleteMetric(ctx context.Context, id, org string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		k := key(kindMetric, org, id)
		found, err := exists(txn, k)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return txn.Delete(k)
	})
}

// SetMetricAnalysis writes the derived analysis fields. It is the only
// write path for them and is used by the analysis runner.
//
// # Inputs
//
//   - analysis: Replaces the stored analysis when non-nil; nil keeps the
//     previous result so a failed or cancelled run does not erase it.
//   - state: Always replaces the stored state.
func (s *Store) SetMetricAnalysis(ctx context.Context, id, org string, analysis *datatypes.MetricAnalysis, state datatypes.AnalysisState) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		k := key(kindMetric, org, id)
		m, err := getJSON[datatypes.Metric](txn, k)
		if err != nil {
			return err
		}
		if analysis != nil {
			m.Analysis = analysis
		}
		st := state
		m.AnalysisState = &st
		return putJSON(txn, k, m)
	})
}
