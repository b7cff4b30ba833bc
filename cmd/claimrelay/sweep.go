package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/claimrelay/internal/claimrelay"
)

func newSweepCommand(root *rootOptions) *cobra.Command {
	var (
		olderThan   time.Duration
		orphanGrace time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired read notifications and orphaned inquiries",
		Long: `Delete notifications that were read longer ago than --older-than.
Unread notifications are never removed.

Inquiries older than --orphan-grace whose lead was never claimed by their
owner are deleted too; a claim that crashed halfway leaves those behind.

Example:
  claimrelay sweep --older-than 720h --orphan-grace 30m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.Retention.ReadOlderThan
			}
			if !cmd.Flags().Changed("orphan-grace") {
				orphanGrace = cfg.Claim.OrphanGrace
			}
			backend, err := claimrelay.BuildBackendFromDSN(cfg.Storage.BackendDSN)
			if err != nil {
				return fmt.Errorf("init backend: %w", err)
			}
			svc, err := claimrelay.NewService(claimrelay.ServiceOptions{
				Backend:        backend,
				Logger:         root.log(),
				DisableWorkers: true,
			})
			if err != nil {
				_ = backend.Close()
				return err
			}
			defer svc.Close()

			deleted, err := svc.Notifications.Sweep(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d read notifications older than %s\n", deleted, olderThan)
			orphans, err := svc.ReconcileOrphans(cmd.Context(), orphanGrace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d orphaned inquiries older than %s\n", orphans, orphanGrace)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention for read notifications (default from config)")
	cmd.Flags().DurationVar(&orphanGrace, "orphan-grace", 0, "minimum age of an inquiry without a matching claim before it is deleted (default from config)")
	return cmd
}
