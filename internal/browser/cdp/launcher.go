// Package cdp drives Chrome over the DevTools protocol with chromedp. It is the
// default browser engine.
package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Launcher owns one Chrome process (or a remote connection) and creates an
// isolated browser context per session.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu            sync.Mutex
	started       bool
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("cdp")}
}

func (l *Launcher) Name() string { return config.EngineChromedp }

// allocatorOptions builds the exec allocator flags from configuration.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

func (l *Launcher) start() error {
	if l.started {
		return nil
	}
	var allocCtx context.Context
	if l.cfg.RemoteURL != "" {
		allocCtx, l.allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.cfg.RemoteURL)
		l.logger.Info("Connecting to remote Chrome.", zap.String("url", l.cfg.RemoteURL))
	} else {
		allocCtx, l.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)
	}
	l.browserCtx, l.browserCancel = chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Sugar().Debugf),
		chromedp.WithErrorf(l.logger.Sugar().Warnf),
	)
	if err := chromedp.Run(l.browserCtx); err != nil {
		l.browserCancel()
		l.allocCancel()
		return fmt.Errorf("failed to start chrome: %w", err)
	}
	l.started = true
	l.logger.Info("Chrome started.", zap.Bool("headless", l.cfg.Headless))
	return nil
}

// Launch opens a new tab in a fresh browser context (separate cookies and storage).
func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	if err := l.start(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	browserCtx := l.browserCtx
	l.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	s := newSession(tabCtx, cancel, l.cfg, l.logger)
	chromedp.ListenTarget(tabCtx, s.onEvent)

	launchCtx, stop := context.WithCancel(tabCtx)
	defer stop()
	unbind := context.AfterFunc(ctx, stop)
	defer unbind()
	if err := chromedp.Run(launchCtx, network.Enable(), page.Enable()); err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return s, nil
}

// Shutdown closes the browser. Sessions still open fail with ErrSessionClosed.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	err := chromedp.Cancel(l.browserCtx)
	l.browserCancel()
	l.allocCancel()
	l.started = false
	if err != nil && ctx.Err() == nil {
		l.logger.Debug("Chrome did not close cleanly.", zap.Error(err))
	}
	return nil
}
