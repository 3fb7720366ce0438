package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"audittrail/internal/platform/config"
	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/audit/expr"
	"audittrail/pkg/platform/concurrent"
)

func newPoliciesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List rejection policies and validate audit definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defs, err := loadDefinitions(cfg)
			if err != nil {
				return err
			}
			auditor := audit.NewAuditor(nil, audit.WithEvaluator(expr.New()), audit.WithLogger(log))
			if err := defs.Validate(auditor); err != nil {
				return err
			}
			return printPolicies(cmd.OutOrStdout(), cfg, defs)
		},
	}
}

func printPolicies(w io.Writer, cfg config.Config, defs config.Definitions) error {
	current, _ := concurrent.ParsePolicy(cfg.Executor.Policy)
	fmt.Fprintln(w, "rejection policies:")
	for _, p := range concurrent.Policies() {
		marker := " "
		if p == current {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %s\n", marker, p)
	}
	fmt.Fprintln(w, "audited operations:")
	for _, name := range defs.Names() {
		def := defs[name]
		fmt.Fprintf(w, "   %s async=%t before=%t after=%t failure=%t\n",
			name, def.Async, def.Before.Enabled(), def.After.Enabled(), def.Failure.Enabled())
	}
	return nil
}
