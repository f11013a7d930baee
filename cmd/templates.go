package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/templates"
)

func newTemplatesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Validate and import manufacturer field templates",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate FILE...",
			Short: "Check template files against the schema and the current field kinds",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := templates.LoadFiles(args...)
				if err != nil {
					return err
				}
				for _, m := range c.Mappings() {
					fmt.Fprintf(cmd.OutOrStdout(), "ok  %-30s %d entries\n", m.Manufacturer, len(m.Entries))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "import FILE...",
			Short: "Validate template files and upsert them into Postgres",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runTemplatesImport(cmd, a, args)
			},
		},
	)
	return cmd
}

func runTemplatesImport(cmd *cobra.Command, a *app, files []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	c, err := templates.LoadFiles(files...)
	if err != nil {
		return err
	}
	st, closeDB, err := openStore(ctx, a.cfg.Database(), logger)
	defer closeDB()
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("templates import requires database.url")
	}
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	ms := c.Mappings()
	if err := st.PutTemplates(ctx, ms); err != nil {
		return err
	}

	// Stale cache entries would otherwise outlive the import by cache_ttl.
	if rdb := openRedis(a.cfg.Redis()); rdb != nil && a.cfg.Templates().Cache {
		defer rdb.Close()
		cache := templates.NewCache(st, rdb, a.cfg.Templates().CacheTTL, logger)
		for _, m := range ms {
			if err := cache.Invalidate(ctx, m.Manufacturer); err != nil {
				logger.Warn("Failed to invalidate cached template.", zap.String("manufacturer", m.Manufacturer), zap.Error(err))
			}
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d templates\n", len(ms))
	return nil
}
