// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth validates bearer tokens for the experiments service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HS256 secret.
const MinSecretLength = 32

// JWTConfig configures a JWTProvider.
//
// # Fields
//
//   - Secret: HS256 signing secret. Never serialized.
//   - Issuer: Required "iss" claim when set.
//   - Audience: Required "aud" claim when set.
//   - Leeway: Clock skew tolerated on exp/nbf. At most 2 minutes.
type JWTConfig struct {
	Secret   string        `yaml:"-"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	Leeway   time.Duration `yaml:"leeway"`
}

// Claims are the token claims mapped onto extensions.AuthInfo. The
// subject is the user id.
type Claims struct {
	Email        string            `json:"email,omitempty"`
	Name         string            `json:"name,omitempty"`
	Organization string            `json:"org"`
	Role         string            `json:"role,omitempty"`
	ProjectRoles map[string]string `json:"projectRoles,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider is an extensions.AuthProvider for HS256 bearer tokens.
//
// # Description
//
// The secret lives in a memguard enclave and is only decrypted for the
// duration of a signature check.
//
// # Thread Safety
//
// Safe for concurrent use.
type JWTProvider struct {
	cfg    JWTConfig
	secret *memguard.Enclave
	now    func() time.Time
}

// NewJWTProvider seals cfg.Secret and returns the provider.
func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("jwt leeway must be between 0 and 2m")
	}
	enclave := memguard.NewEnclave([]byte(cfg.Secret))
	cfg.Secret = ""
	return &JWTProvider{cfg: cfg, secret: enclave, now: time.Now}, nil
}

func (p *JWTProvider) withKey(fn func(key []byte) error) error {
	buf, err := p.secret.Open()
	if err != nil {
		return fmt.Errorf("open jwt secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Validate implements extensions.AuthProvider.
//
// # Outputs
//
//   - The principal carried by the token.
//   - An error wrapping extensions.ErrUnauthorized for a missing, invalid or
//     expired token, or one without subject or organization.
func (p *JWTProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, extensions.ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(p.cfg.Leeway))
	}
	if p.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}

	claims := &Claims{}
	err := p.withKey(func(key []byte) error {
		_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}
	if claims.Subject == "" || claims.Organization == "" {
		return nil, fmt.Errorf("%w: token lacks subject or organization", extensions.ErrUnauthorized)
	}
	return &extensions.AuthInfo{
		UserID:         claims.Subject,
		Email:          claims.Email,
		Name:           claims.Name,
		OrganizationID: claims.Organization,
		Role:           claims.Role,
		ProjectRoles:   claims.ProjectRoles,
	}, nil
}

// Issue signs a token for info valid for ttl. Used by the CLI to mint
// development tokens.
func (p *JWTProvider) Issue(info extensions.AuthInfo, ttl time.Duration) (string, error) {
	if info.UserID == "" || info.OrganizationID == "" {
		return "", errors.New("user id and organization are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := p.now()
	claims := Claims{
		Email:        info.Email,
		Name:         info.Name,
		Organization: info.OrganizationID,
		Role:         info.Role,
		ProjectRoles: info.ProjectRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   info.UserID,
			Issuer:    p.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if p.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{p.cfg.Audience}
	}
	var signed string
	err := p.withKey(func(key []byte) error {
		var err error
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		return err
	})
	return signed, err
}

var _ extensions.AuthProvider = (*JWTProvider)(nil)
