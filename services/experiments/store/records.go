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

const (
	kindDatasource  = "datasource"
	kindTemplate    = "template"
	kindExperiment  = "experiment"
	kindIdea        = "idea"
	kindEstimate    = "estimate"
	kindUser        = "user"
	kindOrgSettings = "orgsettings"
)

// get is the read path shared by the single-record getters.
func get[T any](ctx context.Context, s *Store, k []byte) (*T, error) {
	var v T
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		v, err = getJSON[T](txn, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func list[T any](ctx context.Context, s *Store, p []byte, keep func(T) bool) ([]T, error) {
	var out []T
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = collect(txn, p, keep)
		return err
	})
	return out, err
}

func (s *Store) put(ctx context.Context, k []byte, v any) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, k, v)
	})
}

// =============================================================================
// Datasources
// =============================================================================

// GetDatasource returns the datasource id of org, or ErrNotFound.
func (s *Store) GetDatasource(ctx context.Context, id, org string) (*datatypes.Datasource, error) {
	return get[datatypes.Datasource](ctx, s, key(kindDatasource, org, id))
}

// ListDatasources returns the datasources of org.
func (s *Store) ListDatasources(ctx context.Context, org string) ([]datatypes.Datasource, error) {
	return list[datatypes.Datasource](ctx, s, prefix(kindDatasource, org), nil)
}

// CreateDatasource stores ds, stamping its timestamps.
func (s *Store) CreateDatasource(ctx context.Context, ds datatypes.Datasource) (datatypes.Datasource, error) {
	if ds.ID == "" || ds.Organization == "" {
		return ds, errors.New("datasource id and organization are required")
	}
	now := s.now().UTC()
	ds.DateCreated, ds.DateUpdated = now, now
	return ds, s.put(ctx, key(kindDatasource, ds.Organization, ds.ID), ds)
}

// =============================================================================
// Experiment templates
// =============================================================================

// GetTemplate returns the template id of org, or ErrNotFound.
func (s *Store) GetTemplate(ctx context.Context, id, org string) (*datatypes.ExperimentTemplate, error) {
	return get[datatypes.ExperimentTemplate](ctx, s, key(kindTemplate, org, id))
}

// ListTemplates returns the templates of org, newest first.
func (s *Store) ListTemplates(ctx context.Context, org string) ([]datatypes.ExperimentTemplate, error) {
	out, err := list[datatypes.ExperimentTemplate](ctx, s, prefix(kindTemplate, org), nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateCreated.After(out[j].DateCreated)
	})
	return out, nil
}

// CreateTemplate stores a new template, stamping its timestamps.
func (s *Store) CreateTemplate(ctx context.Context, t datatypes.ExperimentTemplate) (datatypes.ExperimentTemplate, error) {
	if t.ID == "" || t.Organization == "" {
		return t, errors.New("template id and organization are required")
	}
	now := s.now().UTC()
	t.DateCreated, t.DateUpdated = now, now
	return t, s.put(ctx, key(kindTemplate, t.Organization, t.ID), t)
}

// UpdateTemplate applies patch to the stored template. Identity fields in
// the patch are ignored.
func (s *Store) UpdateTemplate(ctx context.Context, id, org string, patch datatypes.TemplatePatch) (*datatypes.ExperimentTemplate, error) {
	var out datatypes.ExperimentTemplate
	err := s.update(ctx, func(txn *badger.Txn) error {
		k := key(kindTemplate, org, id)
		t, err := getJSON[datatypes.ExperimentTemplate](txn, k)
		if err != nil {
			return err
		}
		patch.Apply(&t)
		t.DateUpdated = s.now().UTC()
		out = t
		return putJSON(txn, k, t)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTemplate removes the template, or returns ErrNotFound.
func (s *Store) DeleteTemplate(ctx context.Context, id, org string) error {
	return s.deleteExisting(ctx, key(kindTemplate, org, id))
}

func (s *Store) deleteExisting(ctx context.Context, k []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
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

// =============================================================================
// Experiments, ideas and impact estimates
// =============================================================================

// PutExperiment stores an experiment reference.
func (s *Store) PutExperiment(ctx context.Context, e datatypes.ExperimentRef) error {
	if e.ID == "" || e.Organization == "" {
		return errors.New("experiment id and organization are required")
	}
	return s.put(ctx, key(kindExperiment, e.Organization, e.ID), e)
}

// ListExperimentsByMetric returns the experiments of org that reference
// metricID, most recently updated first. A positive limit truncates.
func (s *Store) ListExperimentsByMetric(ctx context.Context, metricID, org string, limit int) ([]datatypes.ExperimentRef, error) {
	out, err := list(ctx, s, prefix(kindExperiment, org), func(e datatypes.ExperimentRef) bool {
		return e.UsesMetric(metricID)
	})
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateUpdated.After(out[j].DateUpdated)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutIdea stores an idea.
func (s *Store) PutIdea(ctx context.Context, idea datatypes.Idea) error {
	if idea.ID == "" || idea.Organization == "" {
		return errors.New("idea id and organization are required")
	}
	return s.put(ctx, key(kindIdea, idea.Organization, idea.ID), idea)
}

// GetIdeaByEstimate returns the idea of org whose estimate parameters
// reference estimateID, or ErrNotFound.
func (s *Store) GetIdeaByEstimate(ctx context.Context, estimateID, org string) (*datatypes.Idea, error) {
	var found *datatypes.Idea
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanJSON(txn, prefix(kindIdea, org), func(idea datatypes.Idea) bool {
			if idea.EstimateParams != nil && idea.EstimateParams.Estimate == estimateID {
				found = &idea
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// PutImpactEstimate stores an impact estimate.
func (s *Store) PutImpactEstimate(ctx context.Context, e datatypes.ImpactEstimate) error {
	if e.ID == "" || e.Organization == "" {
		return errors.New("estimate id and organization are required")
	}
	return s.put(ctx, key(kindEstimate, e.Organization, e.ID), e)
}

// ListImpactEstimatesByMetric returns the estimates of org for metricID.
func (s *Store) ListImpactEstimatesByMetric(ctx context.Context, metricID, org string) ([]datatypes.ImpactEstimate, error) {
	return list(ctx, s, prefix(kindEstimate, org), func(e datatypes.ImpactEstimate) bool {
		return e.Metric == metricID
	})
}

// =============================================================================
// Users and organization settings
// =============================================================================

// PutUser stores a user directory entry.
func (s *Store) PutUser(ctx context.Context, u datatypes.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	return s.put(ctx, key(kindUser, u.ID), u)
}

// GetUser returns the user id, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*datatypes.User, error) {
	return get[datatypes.User](ctx, s, key(kindUser, id))
}

// PutOrganizationSettings stores the settings of an organization.
func (s *Store) PutOrganizationSettings(ctx context.Context, st datatypes.OrganizationSettings) error {
	if st.Organization == "" {
		return errors.New("organization is required")
	}
	return s.put(ctx, key(kindOrgSettings, st.Organization), st)
}

// GetOrganizationSettings returns the settings of org. An organization
// without stored settings gets zero settings, not an error.
func (s *Store) GetOrganizationSettings(ctx context.Context, org string) (datatypes.OrganizationSettings, error) {
	st, err := get[datatypes.OrganizationSettings](ctx, s, key(kindOrgSettings, org))
	if errors.Is(err, ErrNotFound) {
		return datatypes.OrganizationSettings{Organization: org}, nil
	}
	if err != nil {
		return datatypes.OrganizationSettings{}, err
	}
	return *st, nil
}
