// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
)

// Appender persists audit events.
type Appender interface {
	AppendAudit(ctx context.Context, ev extensions.AuditEvent) error
}

// StoreSink writes events to an Appender such as the resource store.
type StoreSink struct {
	Store Appender
}

// Emit implements Sink.
func (s StoreSink) Emit(ctx context.Context, ev extensions.AuditEvent) error {
	return s.Store.AppendAudit(ctx, ev)
}

// LogSink writes one structured log line per event.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(ctx context.Context, ev extensions.AuditEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("audit_id", ev.ID),
		slog.String("event", ev.Event),
		slog.String("organization", ev.OrganizationID),
		slog.String("entity", ev.Entity.Object),
		slog.String("entity_id", ev.Entity.ID),
		slog.String("user_id", ev.User.ID),
		slog.Int("details_bytes", len(ev.Details)),
	)
	return nil
}

// =============================================================================
// Details payloads
// =============================================================================

// Details is the before/after payload attached to change events.
type Details struct {
	Pre     any            `json:"pre,omitempty"`
	Post    any            `json:"post,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// DetailsCreate describes a created record.
func DetailsCreate(post any) json.RawMessage {
	return encodeDetails(Details{Post: post})
}

// DetailsUpdate describes an update by its full prior and resulting
// records, so readers can diff them.
func DetailsUpdate(pre, post any) json.RawMessage {
	return encodeDetails(Details{Pre: pre, Post: post})
}

// DetailsDelete describes a removed record by its prior state.
func DetailsDelete(pre any) json.RawMessage {
	return encodeDetails(Details{Pre: pre})
}

// DetailsContext carries free-form context, such as an analysis window.
func DetailsContext(ctx map[string]any) json.RawMessage {
	return encodeDetails(Details{Context: ctx})
}

func encodeDetails(d Details) json.RawMessage {
	data, err := json.Marshal(d)
	if err != nil {
		// Records are plain structs; a failure here is a programming error.
		// Keep the audit entry and record why the details are missing.
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return data
}
