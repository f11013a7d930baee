package rod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Session is one rod page inside its own incognito context.
type Session struct {
	id        string
	incognito *rod.Browser
	page      *rod.Page
	cfg       config.BrowserConfig
	logger    *zap.Logger
	idle      *browser.IdleTracker
	stopWatch func()

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

var (
	_ browser.Session = (*Session)(nil)
	_ browser.Driver  = (*Session)(nil)
)

func newSession(incognito *rod.Browser, page *rod.Page, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		incognito: incognito,
		page:      page,
		cfg:       cfg,
		logger:    logger.With(zap.String("session_id", id)),
		idle:      browser.NewIdleTracker(),
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	go page.Context(watchCtx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) { s.idle.Begin(string(e.RequestID)) },
		func(e *proto.NetworkLoadingFinished) { s.idle.Done(string(e.RequestID)) },
		func(e *proto.NetworkLoadingFailed) { s.idle.Done(string(e.RequestID)) },
	)()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// p binds the page to ctx for a single call.
func (s *Session) p(ctx context.Context) (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, browser.ErrSessionClosed
	}
	return s.page.Context(ctx), nil
}

func (s *Session) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return browser.ClassifyScriptError(err)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NavigationTimeout)
		defer cancel()
	}
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	s.idle.Reset()
	if err := page.Navigate(url); err != nil {
		if err := s.wrap(ctx, err); browser.IsTerminal(err) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %w", browser.ErrNavigation, url, err)
	}
	return s.wrap(ctx, page.WaitLoad())
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	page, err := s.p(ctx)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", s.wrap(ctx, err)
	}
	return info.URL, nil
}

func (s *Session) WaitStable(ctx context.Context, quiet time.Duration) error {
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	if err := page.WaitLoad(); err != nil {
		return s.wrap(ctx, err)
	}
	return s.idle.Wait(ctx, quiet)
}

func (s *Session) Inspect(ctx context.Context) (*browser.Inventory, error) {
	return browser.ScriptInspect(ctx, s)
}

func (s *Session) Find(ctx context.Context, xpath string) ([]browser.ElementCandidate, error) {
	return browser.ScriptFind(ctx, s, xpath)
}

func (s *Session) Act(ctx context.Context, a browser.Action) error {
	return browser.ScriptAct(ctx, s, a)
}

// -- browser.Driver --

func (s *Session) Eval(ctx context.Context, expr string) ([]byte, error) {
	page, err := s.p(ctx)
	if err != nil {
		return nil, err
	}
	// rod evaluates function declarations; wrap the self-contained expression.
	obj, err := page.Eval("() => " + expr)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return obj.Value.MarshalJSON()
}

func (s *Session) Click(ctx context.Context, x, y float64) error {
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return s.wrap(ctx, err)
	}
	return s.wrap(ctx, page.Mouse.Click(proto.InputMouseButtonLeft, 1))
}

func (s *Session) Tap(ctx context.Context, x, y float64) error {
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.Touch.Tap(x, y))
}

func (s *Session) TypeRune(ctx context.Context, r rune) error {
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.InsertText(string(r)))
}

func (s *Session) PressEnter(ctx context.Context) error {
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.Keyboard.Type(input.Enter))
}

// -- Device and artifacts --

func (s *Session) Emulate(ctx context.Context, em browser.Emulation) error {
	page, err := s.p(ctx)
	if err != nil {
		return err
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             em.Width,
		Height:            em.Height,
		DeviceScaleFactor: em.DeviceScaleFactor,
		Mobile:            em.Mobile,
	}); err != nil {
		return s.wrap(ctx, err)
	}
	if em.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      em.UserAgent,
			AcceptLanguage: em.AcceptLanguage,
			Platform:       em.Platform,
		}); err != nil {
			return s.wrap(ctx, err)
		}
	}
	if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: em.Touch}).Call(page); err != nil {
		return s.wrap(ctx, err)
	}
	if em.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: em.Timezone}).Call(page); err != nil {
			return s.wrap(ctx, err)
		}
	}
	if em.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: em.Locale}).Call(page); err != nil {
			return s.wrap(ctx, err)
		}
	}
	return nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := s.p(ctx)
	if err != nil {
		return nil, err
	}
	data, err := page.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return data, nil
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	page, err := s.p(ctx)
	if err != nil {
		return "", err
	}
	out, err := page.HTML()
	return out, s.wrap(ctx, err)
}

// Close disposes the incognito context, which also closes the page. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.stopWatch()
		if err := s.incognito.Close(); err != nil {
			s.logger.Debug("Incognito context did not close cleanly.", zap.Error(err))
		}
		s.logger.Debug("Session closed.")
	})
	return nil
}
