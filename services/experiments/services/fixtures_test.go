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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/jobs"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/permissions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, ev extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) Query(_ context.Context, f extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []extensions.AuditEvent
	for _, ev := range a.events {
		if ev.OrganizationID == f.OrganizationID && ev.Entity.Object == f.EntityObject && ev.Entity.ID == f.EntityID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (a *recordingAudit) Flush(context.Context) error { return nil }

func (a *recordingAudit) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Event)
	}
	return out
}

// basicIntegration runs analyses but cannot list tracked events.
type basicIntegration struct {
	props  integrations.Properties
	format datatypes.SchemaFormat
}

func (b *basicIntegration) Properties() integrations.Properties  { return b.props }
func (b *basicIntegration) SchemaFormat() datatypes.SchemaFormat { return b.format }
func (b *basicIntegration) RunMetricAnalysis(context.Context, datatypes.Metric, time.Time, time.Time) (*datatypes.MetricAnalysis, error) {
	return &datatypes.MetricAnalysis{}, nil
}
func (b *basicIntegration) Close() error { return nil }

// eventIntegration also lists tracked events.
type eventIntegration struct {
	basicIntegration
	events   []datatypes.TrackedEvent
	err      error
	existing []datatypes.Metric
}

func (e *eventIntegration) EventsTrackedByDatasource(_ context.Context, _ datatypes.SchemaFormat, existing []datatypes.Metric) ([]datatypes.TrackedEvent, error) {
	e.existing = existing
	return e.events, e.err
}

type fakeResolver struct {
	integration integrations.Integration
	err         error
	calls       int
}

func (r *fakeResolver) Resolve(context.Context, string, string) (integrations.Integration, error) {
	r.calls++
	return r.integration, r.err
}

type startCall struct {
	metricID string
	days     int
}

type fakeRunner struct {
	mu        sync.Mutex
	starts    []startCall
	startErr  error
	running   map[string]bool
	cancelled []string
}

func (r *fakeRunner) Start(_ context.Context, m datatypes.Metric, _ integrations.Integration, days int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts = append(r.starts, startCall{metricID: m.ID, days: days})
	if r.running == nil {
		r.running = map[string]bool{}
	}
	r.running[m.ID] = true
	return nil
}

func (r *fakeRunner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
	was := r.running[id]
	delete(r.running, id)
	return was
}

// =============================================================================
// Fixture
// =============================================================================

const (
	orgA = "org_a"
	orgB = "org_b"
)

var (
	admin = &extensions.AuthInfo{UserID: "u_admin", Name: "Ada Admin", Email: "ada@example.com", OrganizationID: orgA, Role: "admin"}

	// analyst may edit metrics in p1 only.
	analyst = &extensions.AuthInfo{
		UserID:         "u_analyst",
		Email:          "ana@example.com",
		OrganizationID: orgA,
		Role:           "readonly",
		ProjectRoles:   map[string]string{"p1": "analyst", "p2": "readonly"},
	}

	outsider = &extensions.AuthInfo{UserID: "u_out", Name: "Otto", OrganizationID: orgB, Role: "admin"}
)

type fixture struct {
	store      *store.Store
	audit      *recordingAudit
	gate       *permissions.Gate
	resolver   *fakeResolver
	runner     *fakeRunner
	queue      *jobs.MemoryQueue
	metrics    *MetricService
	auto       *AutoMetricService
	templates  *TemplateService
	datasource *DatasourceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:    st,
		audit:    &recordingAudit{},
		gate:     permissions.NewGate(permissions.DefaultPolicy()),
		resolver: &fakeResolver{integration: &basicIntegration{props: integrations.Properties{SupportsMetricAnalysis: true}}},
		runner:   &fakeRunner{},
		queue:    jobs.NewMemoryQueue(8),
	}
	f.metrics = NewMetricService(MetricServiceConfig{
		Metrics:      st,
		Datasources:  st,
		Usage:        st,
		Settings:     st,
		Gate:         f.gate,
		Audit:        f.audit,
		Integrations: f.resolver,
		Runner:       f.runner,
	})
	f.auto = NewAutoMetricService(AutoMetricServiceConfig{
		Metrics:      st,
		Datasources:  st,
		Users:        st,
		Gate:         f.gate,
		Audit:        f.audit,
		Integrations: f.resolver,
		Queue:        f.queue,
	})
	f.templates = NewTemplateService(TemplateServiceConfig{
		Templates:   st,
		Metrics:     st,
		Datasources: st,
		Gate:        f.gate,
		Audit:       f.audit,
	})
	f.datasource = NewDatasourceService(DatasourceServiceConfig{Datasources: st, Gate: f.gate, Audit: f.audit})
	return f
}

func (f *fixture) seedDatasource(t *testing.T, id, org string, projects ...string) {
	t.Helper()
	_, err := f.store.CreateDatasource(context.Background(), datatypes.Datasource{
		ID:           id,
		Organization: org,
		Name:         "warehouse",
		Type:         datatypes.DatasourcePostgres,
		Projects:     projects,
		Settings:     datatypes.DatasourceSettings{Host: "db", Database: "events", User: "ro", Password: "secret", SchemaFormat: datatypes.SchemaFormatSegment},
	})
	require.NoError(t, err)
}

func (f *fixture) seedMetric(t *testing.T, m datatypes.Metric) datatypes.Metric {
	t.Helper()
	if m.Organization == "" {
		m.Organization = orgA
	}
	if m.Type == "" {
		m.Type = datatypes.MetricTypeBinomial
	}
	created, err := f.store.CreateMetric(context.Background(), m)
	require.NoError(t, err)
	return created
}
