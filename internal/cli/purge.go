package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"auditlog/internal/platform/config"
	"auditlog/internal/platform/logger"
	"auditlog/pkg/platform/audit/transports/postgres"
)

func newPurgeCommand(load func() (config.Config, error)) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit_log rows older than a retention window",
		Long:  "Deletes events of the database transport whose occurrence time is older than --older-than.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			dsn := cfg.AuditLog.DatabaseURL.Value()
			if dsn == "" {
				return errors.New("audit_log.database_url is not set")
			}

			ctx := cmd.Context()
			store, err := postgres.Open(ctx, dsn, postgres.WithLogger(logger.New(cfg.LogLevel)))
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := store.Purge(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d audit events older than %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "retention window")
	return cmd
}
