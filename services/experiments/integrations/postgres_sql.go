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
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/lib/pq"
)

// =============================================================================
// Query building
// =============================================================================
//
// Every identifier that reaches SQL text is checked with
// validation.ValidateIdentifier and quoted with pq.QuoteIdentifier; every
// literal goes through pq.QuoteLiteral. Time bounds are bind parameters.
// Metric SQL written by users is embedded as a subquery: it runs with the
// datasource's own credentials, like any query a user could run there.

// quoteIdent validates and quotes a possibly schema-qualified name.
func quoteIdent(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", validation.Errorf("identifier %q has too many parts", name)
	}
	if err := validation.ValidateIdentifiers(parts); err != nil {
		return "", err
	}
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, "."), nil
}

// qualify prefixes table with schema unless it is already qualified.
func qualify(schema, table string) (string, error) {
	if schema != "" && !strings.Contains(table, ".") {
		table = schema + "." + table
	}
	return quoteIdent(table)
}

// sqlOperators maps condition operators to Postgres operators.
var sqlOperators = map[string]string{
	"=": "=", "!=": "<>", ">": ">", "<": "<", ">=": ">=", "<=": "<=", "~": "~", "!~": "!~",
}

// userIDColumn picks the column for the metric's first user id type.
func userIDColumn(m datatypes.Metric) string {
	for _, t := range m.UserIDTypes {
		if c := m.UserIDColumns[t]; c != "" {
			return c
		}
	}
	if c := m.UserIDColumns["user_id"]; c != "" {
		return c
	}
	return "user_id"
}

// metricSourceSQL returns a SELECT yielding user_id, timestamp and value
// rows for m.
func metricSourceSQL(m datatypes.Metric, defaultSchema string) (string, error) {
	if m.QueryFormat == "builder" || (m.SQL == "" && m.Table != "") {
		return builderSourceSQL(m, defaultSchema)
	}
	sqlText := strings.TrimRight(strings.TrimSpace(m.SQL), "; \n\t")
	if sqlText == "" {
		return "", fmt.Errorf("metric %s has no query", m.ID)
	}
	return "SELECT * FROM (\n" + sqlText + "\n) AS __raw", nil
}

func builderSourceSQL(m datatypes.Metric, defaultSchema string) (string, error) {
	if m.Table == "" {
		return "", fmt.Errorf("metric %s has no table", m.ID)
	}
	table, err := qualify(defaultSchema, m.Table)
	if err != nil {
		return "", err
	}
	uid, err := quoteIdent(userIDColumn(m))
	if err != nil {
		return "", err
	}
	tsName := m.TimestampColumn
	if tsName == "" {
		tsName = "timestamp"
	}
	ts, err := quoteIdent(tsName)
	if err != nil {
		return "", err
	}
	value := "1"
	if m.Type != datatypes.MetricTypeBinomial && m.Column != "" {
		if value, err = quoteIdent(m.Column); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s AS user_id, %s AS timestamp, %s AS value FROM %s", uid, ts, value, table)
	for i, c := range m.Conditions {
		col, err := quoteIdent(c.Column)
		if err != nil {
			return "", err
		}
		op, ok := sqlOperators[c.Operator]
		if !ok {
			return "", validation.Errorf("conditions[%d].operator %q is not supported", i, c.Operator)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s %s", col, op, pq.QuoteLiteral(c.Value))
	}
	return b.String(), nil
}

// userAggregate is the per-user aggregation expression.
func userAggregate(m datatypes.Metric) string {
	var agg string
	switch {
	case m.Type == datatypes.MetricTypeBinomial:
		return "1"
	case m.Aggregation != "":
		agg = m.Aggregation
	case m.Type == datatypes.MetricTypeCount:
		agg = "COUNT(value)"
	default:
		agg = "SUM(value)"
	}
	if m.Capping == "absolute" && m.CapValue > 0 {
		agg = fmt.Sprintf("LEAST(%s, %s)", agg, formatFloat(m.CapValue))
	}
	return agg
}

func formatFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", f), "0"), ".")
}

// metricAnalysisSQL builds the daily summary query. $1 and $2 are the
// inclusive start and exclusive end of the window.
func metricAnalysisSQL(m datatypes.Metric, defaultSchema string) (string, error) {
	src, err := metricSourceSQL(m, defaultSchema)
	if err != nil {
		return "", err
	}
	nulls := ""
	if m.IgnoreNulls {
		nulls = " AND value IS NOT NULL"
	}
	return fmt.Sprintf(`WITH __source AS (
%s
), __users AS (
  SELECT user_id, date_trunc('day', MIN(timestamp)) AS day, %s AS value
  FROM __source
  WHERE timestamp >= $1 AND timestamp < $2%s
  GROUP BY user_id
)
SELECT day, COUNT(*), COALESCE(AVG(value), 0), COALESCE(STDDEV_SAMP(value), 0)
FROM __users
GROUP BY day
ORDER BY day`, src, userAggregate(m), nulls), nil
}

// summarize combines daily rows into totals using the pooled variance of
// the per-day groups.
func summarize(dates []datatypes.MetricAnalysisDate) (count int64, mean, stddev float64) {
	var sum float64
	for _, d := range dates {
		count += d.Count
		sum += float64(d.Count) * d.Average
	}
	if count == 0 {
		return 0, 0, 0
	}
	mean = sum / float64(count)
	if count < 2 {
		return count, mean, 0
	}
	var ss float64
	for _, d := range dates {
		n := float64(d.Count)
		if n > 1 {
			ss += (n - 1) * d.Stddev * d.Stddev
		}
		ss += n * (d.Average - mean) * (d.Average - mean)
	}
	return count, mean, math.Sqrt(ss / float64(count-1))
}

// =============================================================================
// Tracked events
// =============================================================================

// formatSpec describes where an event pipeline writes events.
type formatSpec struct {
	// table holds all events; empty means one table per event, named
	// after the sanitized event name.
	table           string
	eventColumn     string
	userIDColumn    string
	timestampColumn string
	valueColumn     string
	// listTable is scanned to enumerate events when table is empty.
	listTable string
}

var formatSpecs = map[datatypes.SchemaFormat]formatSpec{
	datatypes.SchemaFormatSegment: {
		eventColumn: "event", userIDColumn: "user_id", timestampColumn: "received_at", listTable: "tracks",
	},
	datatypes.SchemaFormatRudder: {
		eventColumn: "event", userIDColumn: "user_id", timestampColumn: "received_at", listTable: "tracks",
	},
	datatypes.SchemaFormatSnowplow: {
		table: "events", eventColumn: "se_action", userIDColumn: "user_id", timestampColumn: "collector_tstamp",
	},
	datatypes.SchemaFormatAleutian: {
		table: "events", eventColumn: "event_name", userIDColumn: "user_id", timestampColumn: "timestamp", valueColumn: "value",
	},
}

// trackedEventsSQL lists events seen since $1 with their volume.
func trackedEventsSQL(format datatypes.SchemaFormat, schema string) (string, error) {
	spec, ok := formatSpecs[format]
	if !ok {
		return "", fmt.Errorf("schema format %q: %w", format, ErrUnsupported)
	}
	from := spec.table
	if from == "" {
		from = spec.listTable
	}
	table, err := qualify(schema, from)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`SELECT %s AS event,
  COUNT(*) AS count,
  MAX(%s) AS last_tracked_at,
  COUNT(%s) > 0 AS has_user_id
FROM %s
WHERE %s >= $1
GROUP BY 1
ORDER BY 2 DESC
LIMIT 100`,
		pq.QuoteIdentifier(spec.eventColumn),
		pq.QuoteIdentifier(spec.timestampColumn),
		pq.QuoteIdentifier(spec.userIDColumn),
		table,
		pq.QuoteIdentifier(spec.timestampColumn)), nil
}

// eventSourceSQL selects user_id and timestamp rows for one event.
func eventSourceSQL(format datatypes.SchemaFormat, schema, event string, withValue bool) (string, error) {
	spec, ok := formatSpecs[format]
	if !ok {
		return "", fmt.Errorf("schema format %q: %w", format, ErrUnsupported)
	}
	var where string
	tableName := spec.table
	if tableName == "" {
		tableName = validation.SanitizeIdentifier(event)
		if tableName == "" {
			return "", validation.Errorf("event %q has no usable table name", event)
		}
	} else {
		where = fmt.Sprintf(" WHERE %s = %s", pq.QuoteIdentifier(spec.eventColumn), pq.QuoteLiteral(event))
	}
	table, err := qualify(schema, tableName)
	if err != nil {
		return "", err
	}
	cols := fmt.Sprintf("%s AS user_id, %s AS timestamp",
		pq.QuoteIdentifier(spec.userIDColumn), pq.QuoteIdentifier(spec.timestampColumn))
	if withValue {
		if spec.valueColumn != "" {
			cols += ", " + pq.QuoteIdentifier(spec.valueColumn) + " AS value"
		} else {
			cols += ", 1 AS value"
		}
	}
	return "SELECT " + cols + " FROM " + table + where, nil
}

// displayName turns "order_completed" into "Order Completed".
func displayName(event string) string {
	words := strings.FieldsFunc(event, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}

// metricCandidates proposes a conversion metric and, for events with a
// user id, a count metric.
func metricCandidates(format datatypes.SchemaFormat, schema string, ev datatypes.TrackedEvent) ([]datatypes.MetricCandidate, error) {
	binomialSQL, err := eventSourceSQL(format, schema, ev.Event, false)
	if err != nil {
		return nil, err
	}
	out := []datatypes.MetricCandidate{{
		Name: ev.DisplayName,
		SQL:  binomialSQL,
		Type: datatypes.MetricTypeBinomial,
	}}
	if ev.HasUserID {
		countSQL, err := eventSourceSQL(format, schema, ev.Event, true)
		if err != nil {
			return nil, err
		}
		out = append(out, datatypes.MetricCandidate{
			Name: "Count of " + ev.DisplayName,
			SQL:  countSQL,
			Type: datatypes.MetricTypeCount,
		})
	}
	return out, nil
}

func normalizeSQL(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimRight(s, "; \n\t")), " "))
}

// markExisting flags candidates already present as metrics, matched by
// query text or by name.
func markExisting(events []datatypes.TrackedEvent, existing []datatypes.Metric) {
	sqls := make(map[string]bool, len(existing))
	names := make(map[string]bool, len(existing))
	for _, m := range existing {
		if m.SQL != "" {
			sqls[normalizeSQL(m.SQL)] = true
		}
		names[strings.ToLower(m.Name)] = true
	}
	for i := range events {
		for j := range events[i].MetricsToCreate {
			c := &events[i].MetricsToCreate[j]
			c.Exists = sqls[normalizeSQL(c.SQL)] || names[strings.ToLower(c.Name)]
		}
	}
}
