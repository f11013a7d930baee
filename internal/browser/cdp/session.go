package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Session is one chromedp tab.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger
	idle   *browser.IdleTracker

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

var (
	_ browser.Session = (*Session)(nil)
	_ browser.Driver  = (*Session)(nil)
)

func newSession(tabCtx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		ctx:    tabCtx,
		cancel: cancel,
		cfg:    cfg,
		logger: logger.With(zap.String("session_id", id)),
		idle:   browser.NewIdleTracker(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.idle.Begin(string(e.RequestID))
	case *network.EventLoadingFinished:
		s.idle.Done(string(e.RequestID))
	case *network.EventLoadingFailed:
		s.idle.Done(string(e.RequestID))
	}
}

// run executes actions on the tab, bounded by both the caller's ctx and the tab's lifetime.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return browser.ErrSessionClosed
	}

	runCtx, cancel := browser.CombineContext(s.ctx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.ctx.Err() != nil {
		return browser.ErrSessionClosed
	}
	return browser.ClassifyScriptError(err)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if s.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.cfg.NavigationTimeout)
		defer cancel()
	}
	s.idle.Reset()
	if err := s.run(navCtx, chromedp.Navigate(url)); err != nil {
		if browser.IsTerminal(err) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %w", browser.ErrNavigation, url, err)
	}
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := s.run(ctx, chromedp.Location(&u))
	return u, err
}

func (s *Session) WaitStable(ctx context.Context, quiet time.Duration) error {
	if err := s.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return err
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
	var raw []byte
	if err := s.run(ctx, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Session) Click(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.MouseClickXY(x, y))
}

func (s *Session) Tap(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		point := []*input.TouchPoint{{X: x, Y: y}}
		if err := input.DispatchTouchEvent(input.TouchStart, point).Do(ctx); err != nil {
			return err
		}
		return input.DispatchTouchEvent(input.TouchEnd, []*input.TouchPoint{}).Do(ctx)
	}))
}

func (s *Session) TypeRune(ctx context.Context, r rune) error {
	return s.run(ctx, chromedp.KeyEvent(string(r)))
}

func (s *Session) PressEnter(ctx context.Context) error {
	return s.run(ctx, chromedp.KeyEvent(kb.Enter))
}

// -- Device and artifacts --

func (s *Session) Emulate(ctx context.Context, em browser.Emulation) error {
	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(em.Width), int64(em.Height), em.DeviceScaleFactor, em.Mobile),
	}
	if em.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(em.UserAgent)
		if em.AcceptLanguage != "" {
			ua = ua.WithAcceptLanguage(em.AcceptLanguage)
		}
		if em.Platform != "" {
			ua = ua.WithPlatform(em.Platform)
		}
		tasks = append(tasks, ua)
	}
	touch := emulation.SetTouchEmulationEnabled(em.Touch)
	if em.Touch {
		touch = touch.WithMaxTouchPoints(5)
	}
	tasks = append(tasks, touch)
	if em.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(em.Timezone))
	}
	if em.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(em.Locale))
	}
	return s.run(ctx, tasks)
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, 85)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	var out string
	err := s.run(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery))
	return out, err
}

// Close closes the tab and its browser context. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := chromedp.Cancel(s.ctx); err != nil {
			s.logger.Debug("Tab did not close cleanly.", zap.Error(err))
		}
		s.cancel()
		s.logger.Debug("Session closed.")
	})
	return nil
}
