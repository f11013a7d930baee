// Package pw drives Chromium through playwright-go.
package pw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

const installTimeout = 5 * time.Minute

// Launcher owns the playwright driver and one Chromium instance.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("playwright")}
}

func (l *Launcher) Name() string { return config.EnginePlaywright }

func (l *Launcher) launchOptions() playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.cfg.Headless),
		Timeout:  playwright.Float(60000),
		Args: append([]string{
			"--disable-gpu",
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-blink-features=AutomationControlled",
		}, l.cfg.Args...),
	}
	if l.cfg.ExecPath != "" {
		opts.ExecutablePath = playwright.String(l.cfg.ExecPath)
	}
	return opts
}

func (l *Launcher) ensureInstallation(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to install playwright browsers: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for playwright installation: %w", ctx.Err())
	}
}

func (l *Launcher) start(ctx context.Context) (playwright.Browser, error) {
	if l.browser != nil {
		return l.browser, nil
	}
	if l.cfg.RemoteURL == "" && l.cfg.ExecPath == "" {
		if err := l.ensureInstallation(ctx); err != nil {
			return nil, err
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}
	var b playwright.Browser
	if l.cfg.RemoteURL != "" {
		b, err = pw.Chromium.ConnectOverCDP(l.cfg.RemoteURL)
	} else {
		b, err = pw.Chromium.Launch(l.launchOptions())
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	l.pw, l.browser = pw, b
	l.logger.Info("Playwright browser started.", zap.String("version", b.Version()))
	return b, nil
}

func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	b, err := l.start(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newSession(b, l.cfg, l.logger)
	if err := s.open(browser.Emulation{}); err != nil {
		return nil, err
	}
	return s, nil
}

func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.browser != nil {
		if cerr := l.browser.Close(); cerr != nil {
			l.logger.Debug("Browser did not close cleanly.", zap.Error(cerr))
		}
		l.browser = nil
	}
	if l.pw != nil {
		err = l.pw.Stop()
		l.pw = nil
	}
	return err
}
