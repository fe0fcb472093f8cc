// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianExperiments/cmd/experiments/config"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliSecret = "cli-test-secret-0123456789abcdefgh"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssue(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, cliSecret)

	out, err := run(t, "token", "issue", "--user", "u_1", "--org", "org_a", "--role", "analyst",
		"--project-role", "prj_1=experimenter", "--name", "Ada")
	require.NoError(t, err)
	token := strings.TrimSpace(out)

	provider, err := auth.NewJWTProvider(auth.JWTConfig{Secret: cliSecret})
	require.NoError(t, err)
	info, err := provider.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u_1", info.UserID)
	assert.Equal(t, "org_a", info.OrganizationID)
	assert.Equal(t, "analyst", info.Role)
	assert.Equal(t, "experimenter", info.ProjectRoles["prj_1"])
	assert.Equal(t, "Ada", info.Name)
}

func TestTokenIssue_Errors(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "")
	_, err := run(t, "token", "issue", "--user", "u_1", "--org", "org_a")
	assert.ErrorContains(t, err, config.EnvJWTSecret)

	t.Setenv(config.EnvJWTSecret, cliSecret)
	_, err = run(t, "token", "issue", "--user", "u_1")
	assert.ErrorContains(t, err, "org")
}

func TestConfigPrint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9300\nredis:\n  addr: redis:6379\n  password: hunter2\n"), 0o600))
	t.Setenv(config.EnvJWTSecret, cliSecret)

	out, err := run(t, "config", "print", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "port: 9300")
	assert.Contains(t, out, "addr: redis:6379")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, cliSecret)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestServe_BadConfig(t *testing.T) {
	_, err := run(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")
}
