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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/dgraph-io/badger/v4"
)

const (
	kindAudit = "audit"
	kindTrack = "track"
)

// tsPart formats nanoseconds so lexical key order is chronological.
func tsPart(ns int64) string {
	return fmt.Sprintf("%020d", ns)
}

// AppendAudit stores an audit event. Events are immutable.
func (s *Store) AppendAudit(ctx context.Context, ev extensions.AuditEvent) error {
	if ev.ID == "" || ev.OrganizationID == "" || ev.Entity.Object == "" {
		return errors.New("audit event id, organization and entity are required")
	}
	k := key(kindAudit, ev.OrganizationID, ev.Entity.Object, ev.Entity.ID,
		tsPart(ev.Timestamp.UnixNano()), ev.ID)
	return s.put(ctx, k, ev)
}

// QueryAudit returns audit events matching filter, newest first.
//
// # Description
//
// OrganizationID is required. EntityObject narrows to one kind of entity,
// and EntityID (which requires EntityObject) to one record.
func (s *Store) QueryAudit(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	if filter.OrganizationID == "" {
		return nil, errors.New("organization is required")
	}
	parts := []string{kindAudit, filter.OrganizationID}
	if filter.EntityObject != "" {
		parts = append(parts, filter.EntityObject)
		if filter.EntityID != "" {
			parts = append(parts, filter.EntityID)
		}
	}
	out, err := list[extensions.AuditEvent](ctx, s, prefix(parts...), nil)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	// Keys sort by entity first, so order by time explicitly.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendTracked stores an accepted tracking call.
func (s *Store) AppendTracked(ctx context.Context, rec datatypes.TrackedRecord) error {
	if rec.ID == "" || rec.ClientKey == "" {
		return errors.New("tracked record id and client key are required")
	}
	k := key(kindTrack, rec.ClientKey, tsPart(rec.ReceivedAt.UnixNano()), rec.ID)
	return s.put(ctx, k, rec)
}

// ListTracked returns the most recent tracking calls of clientKey, newest
// first. A positive limit truncates.
func (s *Store) ListTracked(ctx context.Context, clientKey string, limit int) ([]datatypes.TrackedRecord, error) {
	p := prefix(kindTrack, clientKey)
	out := []datatypes.TrackedRecord{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek positions at the last key <= seek.
		seek := append(append([]byte{}, p...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(p); it.Next() {
			var rec datatypes.TrackedRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// CountTrackedByEvent counts stored events of clientKey per event name.
func (s *Store) CountTrackedByEvent(ctx context.Context, clientKey string) (map[string]int64, error) {
	counts := map[string]int64{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanJSON(txn, prefix(kindTrack, clientKey), func(rec datatypes.TrackedRecord) bool {
			if rec.Kind == datatypes.TrackKindEvent && rec.Event != nil {
				counts[strings.TrimSpace(rec.Event.EventName)]++
			}
			return true
		})
	})
	return counts, err
}
