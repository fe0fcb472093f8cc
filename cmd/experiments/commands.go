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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianExperiments/cmd/experiments/config"
	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/auth"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string
}

// loadConfig resolves the config file from the --config flag.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (experiments.Config, error) {
	path := config.ResolvePath(o.configPath, cmd.Flags().Changed("config"))
	return config.Load(path, os.Getenv)
}

func (o *rootOptions) logger() *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(o.logLevel),
		Format:  logging.Format(o.logFormat),
		LogDir:  o.logDir,
		Service: "experiments",
	})
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "experiments",
		Short:         "Experimentation metrics service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "text or json (default: text on a terminal)")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "Also write JSON logs to this directory")

	root.AddCommand(newServeCmd(opts), newConfigCmd(opts), newTokenCmd(opts))
	return root
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and job worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger()
			defer func() { _ = logger.Close() }()
			log := logger.Slog()
			slog.SetDefault(log)

			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Logger = log

			svc, err := experiments.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
}

// =============================================================================
// config
// =============================================================================

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(c)
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = c.OutOrStdout().Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

// =============================================================================
// token
// =============================================================================

type tokenOptions struct {
	user         string
	email        string
	name         string
	org          string
	role         string
	projectRoles map[string]string
	ttl          time.Duration
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	t := &tokenOptions{}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a development token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New(config.EnvJWTSecret + " is not set")
			}
			provider, err := auth.NewJWTProvider(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := provider.Issue(extensions.AuthInfo{
				UserID:         t.user,
				Email:          t.email,
				Name:           t.name,
				OrganizationID: t.org,
				Role:           t.role,
				ProjectRoles:   t.projectRoles,
			}, t.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), token)
			return nil
		},
	}
	f := issue.Flags()
	f.StringVar(&t.user, "user", "", "User id (token subject)")
	f.StringVar(&t.email, "email", "", "User email")
	f.StringVar(&t.name, "name", "", "Display name")
	f.StringVar(&t.org, "org", "", "Organization id")
	f.StringVar(&t.role, "role", "readonly", "Organization-wide role")
	f.StringToStringVar(&t.projectRoles, "project-role", nil, "Per-project role, e.g. prj_1=analyst")
	f.DurationVar(&t.ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = issue.MarkFlagRequired("user")
	_ = issue.MarkFlagRequired("org")
	cmd.AddCommand(issue)
	return cmd
}
