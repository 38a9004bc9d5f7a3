// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casare-rpa/orchestrator/internal/cmdutil"
	"github.com/casare-rpa/orchestrator/internal/config"
	"github.com/casare-rpa/orchestrator/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dumpConfig bool
	)

	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "CasareRPA orchestrator control plane",
		Long:          "Runs the CasareRPA orchestrator: robot protocol server, job queue and dispatcher, schedules, triggers, and the operator API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loader, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if dumpConfig {
				return loader.DumpYAML(cmd.OutOrStdout())
			}

			logger := cmdutil.SetupLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := orchestrator.New(cfg, logger)
			if err != nil {
				logger.Error("failed to start orchestrator", "error", err)
				return err
			}
			return orch.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to YAML config file")
	flags.BoolVar(&dumpConfig, "dump-config", false, "print the effective configuration and exit")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("database", "", "sqlite database path")
	flags.Int("websocket-port", 0, "robot protocol listen port")
	flags.Int("webhook-port", 0, "webhook trigger listen port")
	flags.Int("api-port", 0, "operator API listen port")
	return cmd
}
