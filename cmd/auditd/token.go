package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"audittrail/pkg/platform/middleware/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			tokens := auth.NewHMACTokens(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
			signed, err := tokens.Issue(subject, roles, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
