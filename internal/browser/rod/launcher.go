// Package rod drives Chrome through go-rod. It speaks the same DevTools protocol
// as the cdp engine but manages the browser process with rod's launcher.
package rod

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Launcher owns one rod browser and hands out incognito pages.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu      sync.Mutex
	proc    *launcher.Launcher
	browser *rod.Browser
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("rod")}
}

func (l *Launcher) Name() string { return config.EngineRod }

func (l *Launcher) newProcess() *launcher.Launcher {
	proc := launcher.New().Headless(l.cfg.Headless).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("disable-dev-shm-usage"))
	if l.cfg.ExecPath != "" {
		proc = proc.Bin(l.cfg.ExecPath)
	} else if path, found := launcher.LookPath(); found {
		proc = proc.Bin(path)
	}
	if l.cfg.IgnoreTLSErrors {
		proc = proc.Set(flags.Flag("ignore-certificate-errors"))
	}
	for _, arg := range l.cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			proc = proc.Set(flags.Flag(key), value)
		} else {
			proc = proc.Set(flags.Flag(key))
		}
	}
	return proc
}

func (l *Launcher) connect(ctx context.Context) (*rod.Browser, error) {
	if l.browser != nil {
		return l.browser, nil
	}
	var controlURL string
	var err error
	if l.cfg.RemoteURL != "" {
		controlURL, err = launcher.ResolveURL(l.cfg.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve remote browser %q: %w", l.cfg.RemoteURL, err)
		}
	} else {
		l.proc = l.newProcess()
		controlURL, err = l.proc.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l.proc != nil {
			l.proc.Kill()
		}
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	if l.cfg.IgnoreTLSErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			l.logger.Warn("Could not disable certificate checks.", zap.Error(err))
		}
	}
	l.browser = b
	l.logger.Info("Browser connected.", zap.String("control_url", controlURL))
	return b, nil
}

// Launch opens a blank page in a new incognito context.
func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	b, err := l.connect(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito context: %w", err)
	}
	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	// Detach from the launch ctx; sessions bind each call to its own ctx.
	page = page.Context(context.Background())
	return newSession(incognito, page, l.cfg, l.logger)
}

func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser != nil {
		if err := l.browser.Close(); err != nil {
			l.logger.Debug("Browser did not close cleanly.", zap.Error(err))
		}
		l.browser = nil
	}
	if l.proc != nil {
		l.proc.Cleanup()
		l.proc = nil
	}
	return nil
}
