// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package permissions implements a role-based extensions.PermissionGate.
//
// A policy maps role names to the actions they grant. Principals carry an
// organization-wide role and optional per-project overrides; a scoped
// check passes only when the effective role in every project grants the
// action.
package permissions

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"gopkg.in/yaml.v3"
)

// Wildcard grants every action.
const Wildcard extensions.Action = "*"

// Policy maps role names to granted actions.
type Policy struct {
	Roles map[string][]extensions.Action `yaml:"roles"`
}

// DefaultPolicy returns the built-in roles.
func DefaultPolicy() Policy {
	analyst := []extensions.Action{
		extensions.ActionCreateMetrics,
		extensions.ActionDeleteMetrics,
		extensions.ActionRunQueries,
		extensions.ActionViewAuditLog,
	}
	return Policy{Roles: map[string][]extensions.Action{
		"readonly":     {},
		"collaborator": {extensions.ActionRunQueries},
		"analyst":      analyst,
		"experimenter": append(append([]extensions.Action{}, analyst...), extensions.ActionManageTemplates),
		"admin":        {Wildcard},
	}}
}

var knownActions = map[extensions.Action]bool{
	Wildcard:                           true,
	extensions.ActionCreateMetrics:     true,
	extensions.ActionDeleteMetrics:     true,
	extensions.ActionRunQueries:        true,
	extensions.ActionManageTemplates:   true,
	extensions.ActionCreateDatasources: true,
	extensions.ActionViewAuditLog:      true,
}

// Validate rejects empty policies and unknown actions.
func (p Policy) Validate() error {
	if len(p.Roles) == 0 {
		return fmt.Errorf("policy defines no roles")
	}
	for role, actions := range p.Roles {
		if role == "" {
			return fmt.Errorf("policy has an empty role name")
		}
		for _, a := range actions {
			if !knownActions[a] {
				return fmt.Errorf("role %q grants unknown action %q", role, a)
			}
		}
	}
	return nil
}

// LoadPolicyFile reads a YAML policy such as:
//
//	roles:
//	  analyst: [createMetrics, runQueries]
//	  admin: ["*"]
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// grants is a compiled policy.
type grants map[string]map[extensions.Action]bool

func compile(p Policy) grants {
	g := make(grants, len(p.Roles))
	for role, actions := range p.Roles {
		set := make(map[extensions.Action]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		g[role] = set
	}
	return g
}

func (g grants) allows(role string, action extensions.Action) bool {
	set, ok := g[role]
	if !ok {
		return false
	}
	return set[Wildcard] || set[action]
}

// Gate is a role-based PermissionGate whose policy can be swapped at
// runtime.
//
// # Thread Safety
//
// Safe for concurrent use. SetPolicy is atomic with respect to Check.
type Gate struct {
	grants atomic.Pointer[grants]
}

// NewGate returns a gate enforcing p.
func NewGate(p Policy) *Gate {
	g := &Gate{}
	g.SetPolicy(p)
	return g
}

// SetPolicy replaces the enforced policy.
func (g *Gate) SetPolicy(p Policy) {
	c := compile(p)
	g.grants.Store(&c)
}

// Roles returns the role names of the current policy, sorted.
func (g *Gate) Roles() []string {
	c := *g.grants.Load()
	out := make([]string, 0, len(c))
	for r := range c {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Check implements extensions.PermissionGate.
func (g *Gate) Check(_ context.Context, user *extensions.AuthInfo, action extensions.Action, projects []string) error {
	if user == nil {
		return fmt.Errorf("%w: no principal", extensions.ErrForbidden)
	}
	c := *g.grants.Load()
	if len(projects) == 0 {
		if !c.allows(user.Role, action) {
			return fmt.Errorf("%w: role %q may not %s", extensions.ErrForbidden, user.Role, action)
		}
		return nil
	}
	for _, p := range projects {
		role := user.RoleFor(p)
		if !c.allows(role, action) {
			return fmt.Errorf("%w: role %q may not %s in project %q", extensions.ErrForbidden, role, action, p)
		}
	}
	return nil
}

var _ extensions.PermissionGate = (*Gate)(nil)
