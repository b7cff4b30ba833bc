package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/claimrelay/internal/httpapi"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		actor string
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		Long: `Issue an HS256 bearer token for local testing and scripts.

Example:
  claimrelay token --actor alice --role sales --ttl 8h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			token, err := httpapi.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Audience, httpapi.TokenClaims{
				ActorID: actor,
				Role:    role,
				Exp:     time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor id carried as the token subject (required)")
	cmd.Flags().StringVar(&role, "role", "sales", "role carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
