// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
port: 9100
store:
  path: /var/lib/experiments
  gc_interval: 10m
redis:
  addr: redis:6379
  poll_timeout: 2s
worker:
  concurrency: 4
auth:
  issuer: aleutian
  leeway: 30s
track:
  rate_per_second: 5
users:
  - id: u_1
    email: ada@example.com
    name: Ada
`)
	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/var/lib/experiments", cfg.Store.Path)
	assert.Equal(t, 10*time.Minute, cfg.Store.GCInterval)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Redis.PollTimeout)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "aleutian", cfg.Auth.Issuer)
	assert.Equal(t, 30*time.Second, cfg.Auth.Leeway)
	assert.Equal(t, 5.0, cfg.Track.RatePerSecond)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "Ada", cfg.Users[0].Name)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "port: 9100\nredis:\n  addr: file:6379\n")
	cfg, err := Load(path, env(map[string]string{
		EnvPort:         "9200",
		EnvJWTSecret:    "from-env",
		EnvRedisAddr:    "env:6379",
		EnvOTelEndpoint: "collector:4317",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.ErrorContains(t, err, "failed to read")

	_, err = Load(writeFile(t, "prot: 9100\n"), env(nil))
	assert.ErrorContains(t, err, "prot")

	_, err = Load("", env(map[string]string{EnvPort: "eighty"}))
	assert.ErrorContains(t, err, EnvPort)
}

func TestLoad_EmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Zero(t, cfg.Port)

	cfg, err = Load(writeFile(t, ""), env(nil))
	require.NoError(t, err)
	assert.Zero(t, cfg.Port)
}

func TestCreateDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "experiments.yaml")
	require.NoError(t, CreateDefault(path))

	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, experiments.DefaultConfig().Port, cfg.Port)
	assert.True(t, cfg.Store.InMemory)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)

	assert.ErrorContains(t, CreateDefault(path), "already exists")
}

func TestMarshal_MasksSecrets(t *testing.T) {
	cfg := experiments.Config{}
	cfg.Auth.Secret = "jwt-secret-value"
	cfg.Redis.Password = "redis-password"
	out, err := Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "jwt-secret-value")
	assert.NotContains(t, string(out), "redis-password")
	assert.Contains(t, string(out), "********")
}
