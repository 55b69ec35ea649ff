package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/internal/scheduler"
	"portal_intelligence/platform/db"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) logOrNop() *logger.Logger {
	if c.log == nil {
		c.log = logger.NewNop()
	}
	return c.log
}

func migrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.pool == nil {
				return errors.New("migrate requires a database connection")
			}
			if err := db.RunMigrations(cmd.Context(), c.pool); err != nil {
				return err
			}
			version, err := db.MigrationVersion(cmd.Context(), c.pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at migration version %d\n", version)
			return nil
		},
	}
}

func statsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts per kind and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, err := c.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tSTATUS\tCOUNT")
			for _, row := range counts {
				fmt.Fprintf(w, "%s\t%s\t%d\n", row.Kind, row.Status, row.Count)
			}
			return w.Flush()
		},
	}
}

func retryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Return a failed item to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			item, err := c.store.Retry(cmd.Context(), id)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				return fmt.Errorf("item %s not found", id)
			case errors.Is(err, repository.ErrStale):
				return fmt.Errorf("item %s is not failed", id)
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "item %s is %s\n", item.ID, item.Status)
			return nil
		},
	}
}

func reclaimCommand(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Reset processing items whose worker stopped sending heartbeats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reset, err := scheduler.NewReclaimer(c.store, timeout, 0, nil, c.logOrNop()).ReclaimOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d stuck items\n", reset)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "heartbeat age after which an item counts as stuck")
	return cmd
}

func purgeCommand(c *cli) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed items older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deleted, err := scheduler.NewQueueCleanup(c.store, 0, retention, nil, c.logOrNop()).CleanupOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d completed items\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 7*24*time.Hour, "age after which completed items are deleted")
	return cmd
}
