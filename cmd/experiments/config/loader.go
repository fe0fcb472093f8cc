// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the experiments service configuration from YAML
// and environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvPort         = "EXPERIMENTS_PORT"
	EnvJWTSecret    = "EXPERIMENTS_JWT_SECRET"
	EnvRedisAddr    = "EXPERIMENTS_REDIS_ADDR"
	EnvOTelEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "experiments.yaml"

// Load reads the YAML file at path, then applies environment overrides.
//
// # Description
//
// An empty path yields the zero configuration plus overrides; defaults are
// filled in later by experiments.New. Unknown YAML keys are rejected.
// The JWT secret is only read from the environment.
//
// # Inputs
//
//   - path: YAML file, or "".
//   - getenv: Environment lookup, normally os.Getenv.
func Load(path string, getenv func(string) string) (experiments.Config, error) {
	var cfg experiments.Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *experiments.Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *experiments.Config, getenv func(string) string) error {
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be a port number, got %q", EnvPort, v)
		}
		cfg.Port = port
	}
	if v := getenv(EnvJWTSecret); v != "" {
		cfg.Auth.Secret = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv(EnvOTelEndpoint); v != "" {
		cfg.OTelEndpoint = v
	}
	return nil
}

// ResolvePath returns path when explicit, otherwise DefaultPath if it
// exists, otherwise "".
func ResolvePath(path string, explicit bool) string {
	if explicit {
		return path
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Marshal renders cfg as YAML with secrets masked.
func Marshal(cfg experiments.Config) ([]byte, error) {
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "********"
	}
	return yaml.Marshal(cfg)
}

// CreateDefault writes the default configuration to path, creating
// parent directories. An existing file is left untouched.
func CreateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(experiments.DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
