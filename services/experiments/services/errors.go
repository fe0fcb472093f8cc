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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
)

// =============================================================================
// Error taxonomy
// =============================================================================
//
// Handlers translate with errors.Is / errors.As:
//
//	ErrNotFound       -> 404
//	ErrForbidden      -> 403
//	*ValidationError  -> 400
//	*OperationError   -> 400
//	ErrRateLimited    -> 429
//	anything else     -> 500
//
// Soft failures (auto-metric discovery finding nothing) are not errors;
// they are returned as data with an explanatory message.

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is the permission gate's denial sentinel.
	ErrForbidden = extensions.ErrForbidden

	// ErrRateLimited is returned when a client key exceeds its budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// NotFoundError reports a missing or cross-organization resource.
type NotFoundError struct {
	Kind    string
	ID      string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind + " not found"
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ForbiddenError is a denial with a caller-facing message.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }
func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// ValidationError reports input rejected before any service logic ran.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Err: err}
}

// OperationError reports a failed operation whose message is shown to the
// caller, such as an analysis that could not start.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string { return e.Err.Error() }
func (e *OperationError) Unwrap() error { return e.Err }

// translate maps store errors onto the service taxonomy.
func translate(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(kind, id)
	default:
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
}
