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
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	_ "github.com/lib/pq"
)

// PostgresConfig holds pool and timeout settings shared by every Postgres
// datasource.
type PostgresConfig struct {
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`

	// TrackedEventsLookbackDays bounds tracked-event discovery.
	TrackedEventsLookbackDays int `yaml:"tracked_events_lookback_days"`
}

// DefaultPostgresConfig returns the default pool settings. Statements get
// a longer budget than an OLTP service would since analyses scan events.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:              25,
		MaxIdleConns:              5,
		ConnMaxLifetime:           5 * time.Minute,
		ConnMaxIdleTime:           time.Minute,
		ConnectTimeout:            10 * time.Second,
		StatementTimeout:          5 * time.Minute,
		TrackedEventsLookbackDays: 7,
	}
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	d := DefaultPostgresConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = d.StatementTimeout
	}
	if c.TrackedEventsLookbackDays <= 0 {
		c.TrackedEventsLookbackDays = d.TrackedEventsLookbackDays
	}
	return c
}

// dsnValue quotes a key/value connection string value when needed.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// buildDSN renders datasource settings as a lib/pq key/value DSN.
func buildDSN(s datatypes.DatasourceSettings, cfg PostgresConfig) string {
	port := s.Port
	if port == 0 {
		port = 5432
	}
	sslmode := s.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	parts := []string{
		"host=" + dsnValue(s.Host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + dsnValue(s.Database),
		"user=" + dsnValue(s.User),
		"sslmode=" + sslmode,
		fmt.Sprintf("connect_timeout=%d", int(cfg.ConnectTimeout.Seconds())),
		fmt.Sprintf("statement_timeout=%d", cfg.StatementTimeout.Milliseconds()),
	}
	if s.Password != "" {
		parts = append(parts, "password="+dsnValue(s.Password))
	}
	return strings.Join(parts, " ")
}

// Postgres is the Integration for Postgres warehouses.
//
// # Description
//
// The connection pool is opened lazily by database/sql; building the
// integration never dials. Queries honour context cancellation through
// lib/pq, which sends a cancel request to the server.
type Postgres struct {
	ds  datatypes.Datasource
	cfg PostgresConfig
	db  *sql.DB
	now func() time.Time
}

// NewPostgresFactory returns a Factory for DatasourcePostgres.
func NewPostgresFactory(cfg PostgresConfig) Factory {
	return func(ds datatypes.Datasource) (Integration, error) {
		return OpenPostgres(ds, cfg)
	}
}

// OpenPostgres builds a Postgres integration for ds.
func OpenPostgres(ds datatypes.Datasource, cfg PostgresConfig) (*Postgres, error) {
	if ds.Settings.Host == "" || ds.Settings.Database == "" {
		return nil, fmt.Errorf("datasource %s: host and database are required", ds.ID)
	}
	cfg = cfg.withDefaults()
	db, err := sql.Open("postgres", buildDSN(ds.Settings, cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres datasource %s: %w", ds.ID, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return &Postgres{ds: ds, cfg: cfg, db: db, now: time.Now}, nil
}

// Properties implements Integration.
func (p *Postgres) Properties() Properties {
	_, known := formatSpecs[p.ds.Settings.SchemaFormat]
	return Properties{
		SupportsAutoGeneratedMetrics: known,
		SupportsMetricAnalysis:       true,
	}
}

// SchemaFormat implements Integration.
func (p *Postgres) SchemaFormat() datatypes.SchemaFormat {
	return p.ds.Settings.SchemaFormat
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

// RunMetricAnalysis implements Integration.
func (p *Postgres) RunMetricAnalysis(ctx context.Context, metric datatypes.Metric, from, to time.Time) (*datatypes.MetricAnalysis, error) {
	q, err := metricAnalysisSQL(metric, p.ds.Settings.DefaultSchema)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("metric analysis query: %w", err)
	}
	defer rows.Close()

	var dates []datatypes.MetricAnalysisDate
	for rows.Next() {
		var d datatypes.MetricAnalysisDate
		if err := rows.Scan(&d.Date, &d.Count, &d.Average, &d.Stddev); err != nil {
			return nil, fmt.Errorf("scan metric analysis row: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metric analysis rows: %w", err)
	}

	count, mean, stddev := summarize(dates)
	return &datatypes.MetricAnalysis{
		CreatedAt: p.now().UTC(),
		Segment:   metric.Segment,
		Count:     count,
		Average:   mean,
		Stddev:    stddev,
		Dates:     dates,
	}, nil
}

// EventsTrackedByDatasource implements TrackedEventSource.
func (p *Postgres) EventsTrackedByDatasource(ctx context.Context, format datatypes.SchemaFormat, existing []datatypes.Metric) ([]datatypes.TrackedEvent, error) {
	schema := p.ds.Settings.DefaultSchema
	q, err := trackedEventsSQL(format, schema)
	if err != nil {
		return nil, err
	}
	since := p.now().UTC().AddDate(0, 0, -p.cfg.TrackedEventsLookbackDays)
	rows, err := p.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("tracked events query: %w", err)
	}
	defer rows.Close()

	var events []datatypes.TrackedEvent
	for rows.Next() {
		var ev datatypes.TrackedEvent
		if err := rows.Scan(&ev.Event, &ev.Count, &ev.LastTrackedAt, &ev.HasUserID); err != nil {
			return nil, fmt.Errorf("scan tracked event: %w", err)
		}
		ev.DisplayName = displayName(ev.Event)
		if ev.MetricsToCreate, err = metricCandidates(format, schema, ev); err != nil {
			// Events whose names cannot become tables are skipped.
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracked event rows: %w", err)
	}

	markExisting(events, existing)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Count > events[j].Count })
	return events, nil
}

// Close implements Integration.
func (p *Postgres) Close() error {
	return p.db.Close()
}

var (
	_ Integration        = (*Postgres)(nil)
	_ TrackedEventSource = (*Postgres)(nil)
)
