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
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a record does not exist in the requested
// organization.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a record whose id is taken.
var ErrExists = errors.New("already exists")

// Store is the BadgerDB-backed resource store.
//
// # Thread Safety
//
// Safe for concurrent use. Each call runs in its own Badger transaction.
// Read-modify-write calls retry when Badger reports a conflict, so
// concurrent updates resolve last-writer-wins.
type Store struct {
	db  *DB
	now func() time.Time
}

// New wraps an open DB.
func New(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens a DB with cfg and wraps it.
func Open(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// key joins escaped parts with "/".
func key(parts ...string) []byte {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = keyPart(p)
	}
	return []byte(strings.Join(esc, "/"))
}

// prefix is key with a trailing separator, so "metric/org_1/" never
// matches records of "org_10".
func prefix(parts ...string) []byte {
	return append(key(parts...), '/')
}

// keyPart escapes the separator in key segments.
func keyPart(s string) string {
	return strings.ReplaceAll(s, "/", "%2F")
}

// maxConflictRetries bounds retries of a read-modify-write transaction.
const maxConflictRetries = 16

// update runs fn in a read-write transaction, retrying on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return s.db.WithReadTxn(ctx, fn)
}

func getJSON[T any](txn *badger.Txn, k []byte) (T, error) {
	var out T
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, fmt.Errorf("get %s: %w", k, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	})
	if err != nil {
		return out, fmt.Errorf("decode %s: %w", k, err)
	}
	return out, nil
}

func putJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return txn.Set(k, data)
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanJSON decodes every value under p in key order and calls fn until it
// returns false.
func scanJSON[T any](txn *badger.Txn, p []byte, fn func(T) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if !fn(v) {
			return nil
		}
	}
	return nil
}

// collect returns every value under p that matches keep.
func collect[T any](txn *badger.Txn, p []byte, keep func(T) bool) ([]T, error) {
	out := []T{}
	err := scanJSON(txn, p, func(v T) bool {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
		return true
	})
	return out, err
}
