// Command queuectl is the operator CLI of the intelligence queue.
package main

import (
	"context"
	"fmt"
	"os"

	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/platform/config"
	"portal_intelligence/platform/db"
	"portal_intelligence/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

// cli holds what every subcommand needs. The store is connected lazily in
// the persistent pre-run unless a command already set it.
type cli struct {
	cfg   *config.Config
	log   *logger.Logger
	pool  *pgxpool.Pool
	store repository.Store
}

func (c *cli) preRun(cmd *cobra.Command, _ []string) error {
	if c.store != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.log = logger.New(cfg.Env)

	pool, err := db.NewPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.pool = pool
	c.store = repository.New(pool)
	return nil
}

func (c *cli) close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:               "queuectl",
		Short:             "Inspect and maintain the prospect intelligence queue",
		SilenceUsage:      true,
		PersistentPreRunE: c.preRun,
	}

	root.AddCommand(migrateCommand(c))
	root.AddCommand(statsCommand(c))
	root.AddCommand(retryCommand(c))
	root.AddCommand(reclaimCommand(c))
	root.AddCommand(purgeCommand(c))
	return root
}

func main() {
	c := &cli{}
	defer c.close()

	if err := newRootCommand(c).ExecuteContext(context.Background()); err != nil {
		c.close()
		os.Exit(1)
	}
}
