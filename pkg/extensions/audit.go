// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"encoding/json"
	"time"
)

// AuditEntity identifies the object an audit event is about.
type AuditEntity struct {
	// Object is the entity kind, e.g. "metric", "experimentTemplate".
	Object string `json:"object"`

	// ID is the entity identifier.
	ID string `json:"id"`
}

// AuditUser is the actor recorded on an audit event.
type AuditUser struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// AuditUserFrom converts a principal into the audit actor shape.
func AuditUserFrom(info *AuthInfo) AuditUser {
	if info == nil {
		return AuditUser{}
	}
	return AuditUser{ID: info.UserID, Email: info.Email, Name: info.Name}
}

// AuditEvent is a single structured change event.
//
// # Description
//
// Event follows the "<entity>.<verb>" convention ("metric.create",
// "metric.update", "metric.delete", "metric.analysis"). Details holds an
// optional JSON payload; for mutations it carries the before and after
// records so history views can diff them.
type AuditEvent struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization"`
	Event          string          `json:"event"`
	Entity         AuditEntity     `json:"entity"`
	User           AuditUser       `json:"user"`
	Timestamp      time.Time       `json:"dateCreated"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// AuditFilter selects audit events for Query.
type AuditFilter struct {
	OrganizationID string
	EntityObject   string
	EntityID       string

	// Limit caps the number of events returned. Zero means no limit.
	Limit int
}

// AuditLogger records and queries audit events.
//
// # Description
//
// Record is fire-and-forget from the caller's perspective: implementations
// may buffer and write asynchronously. A Record error never reverts the
// mutation that produced the event.
type AuditLogger interface {
	Record(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Record(_ context.Context, _ AuditEvent) error {
	return nil
}

func (l *NopAuditLogger) Query(_ context.Context, _ AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
