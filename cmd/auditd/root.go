package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"audittrail/internal/platform/config"
	"audittrail/internal/platform/logger"
)

type rootOptions struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "auditd",
		Short:        "Audited operations service",
		Long:         "Runs operations through the audit wrapper and delivers before, after and failure records to console, log, memory, Postgres, Redis streams or Kafka.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(opts),
		newPoliciesCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// load reads the configuration and builds the process logger.
func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, log, nil
}
