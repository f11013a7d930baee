package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/browser/cdp"
	"github.com/xkilldash9x/autoreg/internal/browser/purego"
	"github.com/xkilldash9x/autoreg/internal/browser/pw"
	"github.com/xkilldash9x/autoreg/internal/browser/rod"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/diagnostics"
	"github.com/xkilldash9x/autoreg/internal/mapper"
	"github.com/xkilldash9x/autoreg/internal/mapper/gemini"
	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/orchestrator"
	"github.com/xkilldash9x/autoreg/internal/store"
	"github.com/xkilldash9x/autoreg/internal/templates"
)

// newLauncher picks the browser adapter for cfg.
func newLauncher(cfg config.BrowserConfig, logger *zap.Logger) (browser.Launcher, error) {
	switch cfg.Engine {
	case config.EngineChromedp:
		return cdp.NewLauncher(cfg, logger), nil
	case config.EngineRod:
		return rod.NewLauncher(cfg, logger), nil
	case config.EnginePlaywright:
		return pw.NewLauncher(cfg, logger), nil
	case config.EnginePureGo:
		return purego.NewLauncher(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", cfg.Engine)
}

// openStore connects to Postgres when database.url is set. The returned close
// function is always safe to call.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, func(), error) {
	if cfg.URL == "" {
		return nil, func() {}, nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("invalid database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to create connection pool: %w", err)
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	return st, pool.Close, nil
}

// openRedis returns nil when no Redis address is configured.
func openRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// engine bundles everything a run needs. close releases it in reverse order.
type engine struct {
	orch     *orchestrator.Orchestrator
	store    *store.Store
	rdb      *redis.Client
	launcher browser.Launcher
	closers  []func()
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *engine, err error) {
	e := &engine{}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	tel, err := observability.NewTelemetry(ctx, cfg.Telemetry(), cfg.Logger().ServiceName, Version, logger)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed.", zap.Error(err))
		}
	})

	st, closeDB, err := openStore(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, err
	}
	e.store = st
	e.closers = append(e.closers, closeDB)

	if e.rdb = openRedis(cfg.Redis()); e.rdb != nil {
		rdb := e.rdb
		e.closers = append(e.closers, func() { _ = rdb.Close() })
	}

	var db templates.Source
	if st != nil {
		db = st
	}
	src, err := templates.New(cfg.Templates(), db, e.rdb, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up templates: %w", err)
	}

	var advisor mapper.Advisor
	if cfg.Automation().DetectionStrategy == config.StrategyHybrid {
		adv, err := gemini.NewAdvisor(ctx, cfg.Advisor(), logger)
		if err != nil {
			return nil, err
		}
		advisor = adv
	}

	diag, err := diagnostics.NewWriter(cfg.Diagnostics(), logger)
	if err != nil {
		return nil, err
	}

	e.launcher, err = newLauncher(cfg.Browser(), logger)
	if err != nil {
		return nil, err
	}
	launcher := e.launcher
	e.closers = append(e.closers, func() {
		if err := launcher.Shutdown(context.Background()); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	})

	opts := []orchestrator.Option{
		orchestrator.WithDiagnostics(diag),
		orchestrator.WithTracer(tel.Tracer()),
		orchestrator.WithMeter(tel.Meter()),
	}
	if src != nil {
		opts = append(opts, orchestrator.WithTemplates(src))
	}
	e.orch, err = orchestrator.New(cfg, logger, e.launcher, mapper.New(logger, advisor), opts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}
