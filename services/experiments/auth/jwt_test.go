// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newProvider(t *testing.T, cfg JWTConfig) *JWTProvider {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	p, err := NewJWTProvider(cfg)
	require.NoError(t, err)
	return p
}

func TestNewJWTProvider_RejectsWeakConfig(t *testing.T) {
	_, err := NewJWTProvider(JWTConfig{Secret: "short"})
	assert.Error(t, err)

	_, err = NewJWTProvider(JWTConfig{Secret: testSecret, Leeway: time.Hour})
	assert.Error(t, err)
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	p := newProvider(t, JWTConfig{Issuer: "aleutian", Audience: "experiments"})
	in := extensions.AuthInfo{
		UserID:         "u_1",
		Email:          "ana@example.com",
		Name:           "Ana",
		OrganizationID: "org_a",
		Role:           "readonly",
		ProjectRoles:   map[string]string{"p1": "analyst"},
	}
	token, err := p.Issue(in, time.Hour)
	require.NoError(t, err)

	got, err := p.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, in, *got)
}

func TestValidate_Rejections(t *testing.T) {
	p := newProvider(t, JWTConfig{Issuer: "aleutian"})
	ctx := context.Background()
	valid, err := p.Issue(extensions.AuthInfo{UserID: "u_1", OrganizationID: "org_a"}, time.Minute)
	require.NoError(t, err)

	otherKey := newProvider(t, JWTConfig{Secret: strings.Repeat("z", 32), Issuer: "aleutian"})
	forged, err := otherKey.Issue(extensions.AuthInfo{UserID: "u_1", OrganizationID: "org_a"}, time.Minute)
	require.NoError(t, err)

	wrongIssuer := newProvider(t, JWTConfig{Issuer: "someone-else"})
	foreign, err := wrongIssuer.Issue(extensions.AuthInfo{UserID: "u_1", OrganizationID: "org_a"}, time.Minute)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Organization:     "org_a",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u_1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noOrg, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u_1", Issuer: "aleutian", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-token",
		"wrong key":     forged,
		"wrong issuer":  foreign,
		"alg none":      none,
		"no org":        noOrg,
		"tampered body": valid[:len(valid)-2] + "xx",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Validate(ctx, token)
			assert.ErrorIs(t, err, extensions.ErrUnauthorized)
		})
	}

	_, err = p.Validate(ctx, valid)
	assert.NoError(t, err)
}

func TestValidate_Expired(t *testing.T) {
	p := newProvider(t, JWTConfig{})
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return issued }
	token, err := p.Issue(extensions.AuthInfo{UserID: "u_1", OrganizationID: "org_a"}, time.Minute)
	require.NoError(t, err)

	p.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = p.Validate(context.Background(), token)
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
}

func TestIssue_RequiresIdentity(t *testing.T) {
	p := newProvider(t, JWTConfig{})
	_, err := p.Issue(extensions.AuthInfo{UserID: "u_1"}, time.Minute)
	assert.Error(t, err)
	_, err = p.Issue(extensions.AuthInfo{UserID: "u_1", OrganizationID: "o"}, 0)
	assert.Error(t, err)
}
