package pw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Session is one playwright page in its own browser context. Emulation options
// are fixed at context creation, so Emulate replaces the context.
type Session struct {
	id      string
	browser playwright.Browser
	cfg     config.BrowserConfig
	logger  *zap.Logger
	idle    *browser.IdleTracker

	mu      sync.Mutex
	closed  bool
	context playwright.BrowserContext
	page    playwright.Page
}

var (
	_ browser.Session = (*Session)(nil)
	_ browser.Driver  = (*Session)(nil)
)

func newSession(b playwright.Browser, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		browser: b,
		cfg:     cfg,
		logger:  logger.With(zap.String("session_id", id)),
		idle:    browser.NewIdleTracker(),
	}
}

func contextOptions(cfg config.BrowserConfig, em browser.Emulation) playwright.BrowserNewContextOptions {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(cfg.IgnoreTLSErrors),
	}
	if em.Width > 0 && em.Height > 0 {
		opts.Viewport = &playwright.Size{Width: em.Width, Height: em.Height}
	}
	if em.DeviceScaleFactor > 0 {
		opts.DeviceScaleFactor = playwright.Float(em.DeviceScaleFactor)
	}
	opts.IsMobile = playwright.Bool(em.Mobile)
	opts.HasTouch = playwright.Bool(em.Touch)
	if em.UserAgent != "" {
		opts.UserAgent = playwright.String(em.UserAgent)
	}
	if em.Locale != "" {
		opts.Locale = playwright.String(em.Locale)
	}
	if em.Timezone != "" {
		opts.TimezoneId = playwright.String(em.Timezone)
	}
	if em.AcceptLanguage != "" {
		opts.ExtraHttpHeaders = map[string]string{"Accept-Language": em.AcceptLanguage}
	}
	return opts
}

func requestKey(r playwright.Request) string { return fmt.Sprintf("%p", r) }

// open (re)creates the browser context and page. Callers hold s.mu or own s exclusively.
func (s *Session) open(em browser.Emulation) error {
	bctx, err := s.browser.NewContext(contextOptions(s.cfg, em))
	if err != nil {
		return fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return fmt.Errorf("failed to open page: %w", err)
	}
	if s.cfg.NavigationTimeout > 0 {
		page.SetDefaultNavigationTimeout(float64(s.cfg.NavigationTimeout.Milliseconds()))
	}
	page.OnRequest(func(r playwright.Request) { s.idle.Begin(requestKey(r)) })
	page.OnRequestFinished(func(r playwright.Request) { s.idle.Done(requestKey(r)) })
	page.OnRequestFailed(func(r playwright.Request) { s.idle.Done(requestKey(r)) })

	if s.context != nil {
		if err := s.context.Close(); err != nil {
			s.logger.Debug("Previous browser context did not close cleanly.", zap.Error(err))
		}
	}
	s.context, s.page = bctx, page
	s.idle.Reset()
	return nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) current() (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.page == nil {
		return nil, browser.ErrSessionClosed
	}
	return s.page, nil
}

// timeoutMs converts the remaining ctx budget into a playwright timeout.
func timeoutMs(ctx context.Context, fallback time.Duration) *float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			return playwright.Float(float64(left.Milliseconds()))
		}
		return playwright.Float(1)
	}
	if fallback > 0 {
		return playwright.Float(float64(fallback.Milliseconds()))
	}
	return nil
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
	page, err := s.current()
	if err != nil {
		return err
	}
	s.idle.Reset()
	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMs(ctx, s.cfg.NavigationTimeout),
	})
	if err != nil {
		if err := s.wrap(ctx, err); browser.IsTerminal(err) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %w", browser.ErrNavigation, url, err)
	}
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	page, err := s.current()
	if err != nil {
		return "", err
	}
	return page.URL(), nil
}

func (s *Session) WaitStable(ctx context.Context, quiet time.Duration) error {
	page, err := s.current()
	if err != nil {
		return err
	}
	if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: timeoutMs(ctx, 0),
	}); err != nil {
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
	page, err := s.current()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := page.Evaluate(expr)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return json.Marshal(v)
}

func (s *Session) Click(ctx context.Context, x, y float64) error {
	page, err := s.current()
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.Mouse().Click(x, y))
}

func (s *Session) Tap(ctx context.Context, x, y float64) error {
	page, err := s.current()
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.Touchscreen().Tap(int(x), int(y)))
}

func (s *Session) TypeRune(ctx context.Context, r rune) error {
	page, err := s.current()
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.Keyboard().InsertText(string(r)))
}

func (s *Session) PressEnter(ctx context.Context) error {
	page, err := s.current()
	if err != nil {
		return err
	}
	return s.wrap(ctx, page.Keyboard().Press("Enter"))
}

// -- Device and artifacts --

// Emulate recreates the browser context with the profile applied. Cookies and the
// current page are discarded, so it must run before the first navigation.
func (s *Session) Emulate(ctx context.Context, em browser.Emulation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return browser.ErrSessionClosed
	}
	return s.open(em)
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := s.current()
	if err != nil {
		return nil, err
	}
	data, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  timeoutMs(ctx, 0),
	})
	return data, s.wrap(ctx, err)
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	page, err := s.current()
	if err != nil {
		return "", err
	}
	out, err := page.Content()
	return out, s.wrap(ctx, err)
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.context != nil {
		if err := s.context.Close(); err != nil {
			s.logger.Debug("Browser context did not close cleanly.", zap.Error(err))
		}
	}
	s.page, s.context = nil, nil
	s.logger.Debug("Session closed.")
	return nil
}
