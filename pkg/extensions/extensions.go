// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable collaborators of the experiments
// service: authentication, the permission gate, and the audit log.
//
// # Description
//
// The metric lifecycle never talks to an identity provider, a role engine or
// an audit backend directly. It depends on the small interfaces declared here
// and receives concrete implementations through ServiceOptions. The open
// source build wires the no-op defaults; production deployments inject a JWT
// provider, a role policy gate and a persistent audit logger.
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(jwtProvider).
//	    WithPermissions(policyGate).
//	    WithAudit(auditLogger)
//	svc, err := experiments.New(cfg, &opts)
package extensions

// ServiceOptions bundles the extension points handed to the experiments service.
//
// # Description
//
// Every field must be non-nil by the time the service is constructed.
// DefaultOptions returns a value where every field is a no-op implementation.
//
// # Thread Safety
//
// The implementations are shared across all request goroutines and must be
// safe for concurrent use.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (every request is the local admin)
	AuthProvider AuthProvider

	// PermissionGate decides whether a principal may perform an action
	// scoped to a set of projects.
	// Default: NopPermissionGate (allows everything)
	PermissionGate PermissionGate

	// AuditLogger records structured change events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns options with no-op implementations for every extension.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:   &NopAuthProvider{},
		PermissionGate: &NopPermissionGate{},
		AuditLogger:    &NopAuditLogger{},
	}
}

// WithAuth returns a copy of the options using the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithPermissions returns a copy of the options using the given permission gate.
func (opts ServiceOptions) WithPermissions(gate PermissionGate) ServiceOptions {
	opts.PermissionGate = gate
	return opts
}

// WithAudit returns a copy of the options using the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Complete fills any nil extension with its no-op default.
func (opts ServiceOptions) Complete() ServiceOptions {
	defaults := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = defaults.AuthProvider
	}
	if opts.PermissionGate == nil {
		opts.PermissionGate = defaults.PermissionGate
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	return opts
}
