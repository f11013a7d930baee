package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/queue"
	"github.com/xkilldash9x/autoreg/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API and the registration workers",
		Long: `Starts the HTTP job API and a pool of workers consuming the job queue. Results
are stored in Postgres when database.url is set, otherwise they are kept in memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.ServerCfg.Addr = addr
			}
			if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
				a.cfg.QueueCfg.Workers = n
			}
			return runServe(cmd, a)
		},
	}
	cmd.Flags().String("addr", "", "listen address for the job API")
	cmd.Flags().Int("workers", 0, "number of concurrent registration runs")
	return cmd
}

func runServe(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	e, err := buildEngine(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer e.close()

	if e.store != nil {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	q, err := queue.New(a.cfg.Queue(), e.rdb, logger)
	if err != nil {
		return err
	}
	var results server.Results = server.NewMemoryResults()
	if e.store != nil {
		results = e.store
	}
	srv, err := server.New(a.cfg.Server(), q, results, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return e.orch.Serve(gctx, q, results) })
	g.Go(func() error {
		<-gctx.Done()
		return q.Close()
	})

	err = g.Wait()
	logger.Info("Serve stopped.", zap.Error(err))
	if ctx.Err() != nil {
		return nil
	}
	return err
}
