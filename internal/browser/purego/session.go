// Package purego is a JavaScript-free browser engine built on net/http and an XPath
// view of the parsed HTML. It handles classic server-rendered forms (including their
// cookies and redirects) and backs the deterministic end-to-end tests. It has no
// renderer, so screenshots are unsupported and iframes are not entered.
package purego

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

const (
	maxRedirects     = 10
	maxBodyBytes     = 8 << 20
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

// Session is a single-tab, script-less browser.
type Session struct {
	id     string
	logger *zap.Logger
	client *http.Client

	mu             sync.Mutex
	closeOnce      sync.Once
	closed         bool
	doc            *html.Node
	current        *url.URL
	seq            int
	userAgent      string
	acceptLanguage string
}

var _ browser.Session = (*Session)(nil)

// NewSession creates a session with its own cookie jar.
func NewSession(cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.IgnoreTLSErrors {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via browser.ignore_tls_errors
	}
	client := &http.Client{
		Transport: newDecodingTransport(base),
		Jar:       jar,
		Timeout:   cfg.NavigationTimeout,
		// Redirects are followed by hand so method rewriting matches browsers.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	id := uuid.NewString()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:             id,
		logger:         logger.Named("purego").With(zap.String("session_id", id)),
		client:         client,
		userAgent:      defaultUserAgent,
		acceptLanguage: "en-US,en;q=0.9",
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) check() error {
	if s.closed {
		return browser.ErrSessionClosed
	}
	return nil
}

// Navigate loads url with a GET request, following redirects.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	target, err := s.resolve(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
	}
	return s.load(req)
}

func (s *Session) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if s.current != nil {
		u = s.current.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("url %q is not absolute", raw)
	}
	return u, nil
}

func (s *Session) headers(req *http.Request) {
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", s.acceptLanguage)
	if s.current != nil && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", s.current.String())
	}
}

// load performs req, follows redirects and replaces the document. Callers hold s.mu.
func (s *Session) load(req *http.Request) error {
	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err == nil {
			body, _ = io.ReadAll(rc)
			_ = rc.Close()
		}
	}

	for hops := 0; ; hops++ {
		s.headers(req)
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
		}

		if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
			_ = resp.Body.Close()
			if hops >= maxRedirects {
				return fmt.Errorf("%w: stopped after %d redirects", browser.ErrNavigation, maxRedirects)
			}
			next, err := req.URL.Parse(loc)
			if err != nil {
				return fmt.Errorf("%w: invalid redirect location %q: %v", browser.ErrNavigation, loc, err)
			}
			method, reuse := req.Method, false
			switch resp.StatusCode {
			case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
				if method != http.MethodGet && method != http.MethodHead {
					method = http.MethodGet
				}
			case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
				reuse = true
			}
			var rd io.Reader
			if reuse && body != nil {
				rd = bytes.NewReader(body)
			}
			nreq, err := http.NewRequestWithContext(req.Context(), method, next.String(), rd)
			if err != nil {
				return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
			}
			if reuse {
				if ct := req.Header.Get("Content-Type"); ct != "" {
					nreq.Header.Set("Content-Type", ct)
				}
			}
			nreq.Header.Set("Referer", req.Header.Get("Referer"))
			s.logger.Debug("Following redirect.", zap.Int("status", resp.StatusCode), zap.String("to", next.String()))
			req = nreq
			continue
		}

		err = s.consume(resp)
		_ = resp.Body.Close()
		return err
	}
}

func (s *Session) consume(resp *http.Response) error {
	s.current = resp.Request.URL
	if resp.StatusCode >= 400 {
		s.logger.Warn("Page returned an error status.", zap.Int("status", resp.StatusCode), zap.String("url", s.current.String()))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		s.doc, _ = html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
		return nil
	}
	doc, err := htmlquery.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to parse html: %v", browser.ErrNavigation, err)
	}
	s.doc = doc
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if s.current == nil {
		return "about:blank", nil
	}
	return s.current.String(), nil
}

// WaitStable returns immediately: every request has completed by the time Navigate
// or an action returns.
func (s *Session) WaitStable(ctx context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Session) Inspect(ctx context.Context) (*browser.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	inv := &browser.Inventory{Forms: []browser.Form{}}
	if s.current != nil {
		inv.URL = s.current.String()
	}
	if s.doc == nil {
		return inv, nil
	}
	if t := htmlquery.FindOne(s.doc, "//title"); t != nil {
		inv.Title = textOf(t)
	}

	pos := positions(s.doc)
	order, index := 0, 0
	forms, err := queryOrdered(s.doc, "//form", pos)
	if err != nil {
		return nil, err
	}
	for _, f := range forms {
		entry := browser.Form{
			Index:  index,
			Action: attr(f, "action"),
			Method: strings.ToLower(attr(f, "method")),
		}
		if entry.Method == "" {
			entry.Method = "get"
		}
		index++
		entry.Selector = s.describe(s.doc, f, order).Selector
		order++
		fields, err := queryOrdered(f, fieldXPath, pos)
		if err != nil {
			return nil, err
		}
		for _, el := range fields {
			entry.Candidates = append(entry.Candidates, s.describe(s.doc, el, order))
			order++
		}
		buttons, err := queryOrdered(f, buttonXPath, pos)
		if err != nil {
			return nil, err
		}
		for _, el := range buttons {
			entry.Buttons = append(entry.Buttons, s.describe(s.doc, el, order))
			order++
		}
		inv.Forms = append(inv.Forms, entry)
	}

	orphans, err := queryOrdered(s.doc, orphanFieldXPath, pos)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		synthetic := browser.Form{Index: index, Selector: "//body", Synthetic: true}
		for _, el := range orphans {
			synthetic.Candidates = append(synthetic.Candidates, s.describe(s.doc, el, order))
			order++
		}
		buttons, err := queryOrdered(s.doc, buttonXPath, pos)
		if err != nil {
			return nil, err
		}
		for _, el := range buttons {
			if closest(el, "form") == nil {
				synthetic.Buttons = append(synthetic.Buttons, s.describe(s.doc, el, order))
				order++
			}
		}
		inv.Forms = append(inv.Forms, synthetic)
	}
	return inv, nil
}

func (s *Session) Find(ctx context.Context, xpath string) ([]browser.ElementCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.doc == nil {
		return nil, nil
	}
	nodes, err := queryOrdered(s.doc, xpath, positions(s.doc))
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", xpath, err)
	}
	out := make([]browser.ElementCandidate, 0, len(nodes))
	for i, n := range nodes {
		out = append(out, s.describe(s.doc, n, i))
	}
	return out, nil
}

// lookup resolves a target in the current document. Handles from a previous
// document never resolve, which is how navigation makes elements stale.
func (s *Session) lookup(t browser.Target) (*html.Node, error) {
	if t.Frame != "" || s.doc == nil {
		return nil, browser.ErrStaleElement
	}
	n, err := htmlquery.Query(s.doc, t.Selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", t.Selector, err)
	}
	if n == nil {
		return nil, browser.ErrStaleElement
	}
	return n, nil
}

func (s *Session) Act(ctx context.Context, a browser.Action) error {
	if a.Kind == browser.ActType {
		return s.typeText(ctx, a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.lookup(a.Target)
	if err != nil {
		return err
	}
	switch a.Kind {
	case browser.ActScroll, browser.ActBlur:
		return nil
	}
	if disabled(n) {
		return browser.ErrNotInteractable
	}

	switch a.Kind {
	case browser.ActFocus:
		return nil
	case browser.ActClear:
		if !textControl(n) {
			return browser.ErrNotInteractable
		}
		setValue(n, "")
		return nil
	case browser.ActSelect:
		if tagOf(n) != "select" {
			return browser.ErrNotInteractable
		}
		return selectOption(n, a.Text, a.Label)
	case browser.ActCheck:
		if !toggleControl(n) {
			return browser.ErrNotInteractable
		}
		if hasAttr(n, "checked") != a.Checked {
			s.toggle(n)
		}
		return nil
	case browser.ActClick, browser.ActTap:
		return s.click(ctx, n)
	case browser.ActSubmit:
		form := n
		if tagOf(n) != "form" {
			form = s.formOf(n)
		}
		if form == nil {
			return browser.ErrNoForm
		}
		return s.requestSubmit(ctx, form, nil)
	case browser.ActPressEnter:
		form := s.formOf(n)
		if form == nil || !textControl(n) {
			return nil
		}
		return s.requestSubmit(ctx, form, s.defaultButton(form))
	}
	return fmt.Errorf("unsupported action %q", a.Kind)
}

// typeText appends text one rune at a time, pausing per KeyDelays between keystrokes.
func (s *Session) typeText(ctx context.Context, a browser.Action) error {
	for i, r := range []rune(a.Text) {
		s.mu.Lock()
		err := s.check()
		var n *html.Node
		if err == nil {
			n, err = s.lookup(a.Target)
		}
		if err == nil && (disabled(n) || !textControl(n)) {
			err = browser.ErrNotInteractable
		}
		if err == nil {
			setValue(n, fieldValue(n)+string(r))
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if i < len(a.KeyDelays) {
			if err := browser.Sleep(ctx, a.KeyDelays[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func textControl(n *html.Node) bool {
	switch tagOf(n) {
	case "textarea":
		return true
	case "input":
		switch typeOf(n) {
		case "checkbox", "radio", "submit", "button", "reset", "image", "file", "hidden", "range", "color":
			return false
		}
		return true
	}
	return false
}

func toggleControl(n *html.Node) bool {
	if tagOf(n) != "input" {
		return false
	}
	t := typeOf(n)
	return t == "checkbox" || t == "radio"
}

func setValue(n *html.Node, v string) {
	if tagOf(n) == "textarea" {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		if v != "" {
			n.AppendChild(&html.Node{Type: html.TextNode, Data: v})
		}
		return
	}
	setAttr(n, "value", v)
}

func selectOption(n *html.Node, value, label string) error {
	opts := htmlquery.Find(n, ".//option")
	want := strings.ToLower(strings.TrimSpace(value))
	wantLabel := strings.ToLower(strings.TrimSpace(label))
	pick := func(match func(*html.Node) bool) *html.Node {
		for _, o := range opts {
			if match(o) {
				return o
			}
		}
		return nil
	}
	var match *html.Node
	if want != "" {
		match = pick(func(o *html.Node) bool { return strings.ToLower(strings.TrimSpace(optionValue(o))) == want })
	}
	if match == nil && wantLabel != "" {
		match = pick(func(o *html.Node) bool { return strings.ToLower(optionLabel(o)) == wantLabel })
	}
	if match == nil && want != "" {
		match = pick(func(o *html.Node) bool { return strings.ToLower(optionLabel(o)) == want })
	}
	if match == nil {
		return browser.ErrOptionNotFound
	}
	for _, o := range opts {
		removeAttr(o, "selected")
	}
	setAttr(match, "selected", "")
	return nil
}

// toggle flips a checkbox or selects a radio, clearing the rest of its group.
func (s *Session) toggle(n *html.Node) {
	if typeOf(n) == "checkbox" {
		if hasAttr(n, "checked") {
			removeAttr(n, "checked")
		} else {
			setAttr(n, "checked", "")
		}
		return
	}
	if name := attr(n, "name"); name != "" {
		scope := s.formOf(n)
		if scope == nil {
			scope = s.doc
		}
		for _, r := range htmlquery.Find(scope, ".//input[@type='radio' and @name="+xpathLiteral(name)+"]") {
			removeAttr(r, "checked")
		}
	}
	setAttr(n, "checked", "")
}

// formOf honors the form attribute before falling back to the enclosing form.
func (s *Session) formOf(n *html.Node) *html.Node {
	if id := attr(n, "form"); id != "" && s.doc != nil {
		if f := htmlquery.FindOne(s.doc, "//form[@id="+xpathLiteral(id)+"]"); f != nil {
			return f
		}
	}
	return closest(n, "form")
}

func isSubmitter(n *html.Node) bool {
	switch tagOf(n) {
	case "button":
		t := strings.ToLower(attr(n, "type"))
		return t == "" || t == "submit"
	case "input":
		t := typeOf(n)
		return t == "submit" || t == "image"
	}
	return false
}

func (s *Session) defaultButton(form *html.Node) *html.Node {
	for _, b := range htmlquery.Find(form, ".//button | .//input[@type='submit' or @type='image']") {
		if isSubmitter(b) {
			return b
		}
	}
	return nil
}

// click emulates the default activation behavior of n.
func (s *Session) click(ctx context.Context, n *html.Node) error {
	switch {
	case toggleControl(n):
		if typeOf(n) == "checkbox" || !hasAttr(n, "checked") {
			s.toggle(n)
		}
		return nil
	case tagOf(n) == "label":
		if ctl := s.labelControl(n); ctl != nil && toggleControl(ctl) && !disabled(ctl) {
			return s.click(ctx, ctl)
		}
		return nil
	case isSubmitter(n):
		// Buttons without a form owner fall through to their other behaviors.
		if form := s.formOf(n); form != nil {
			return s.requestSubmit(ctx, form, n)
		}
	}

	if target := attr(n, "popovertarget"); target != "" {
		if el := htmlquery.FindOne(s.doc, "//*[@id="+xpathLiteral(target)+"]"); el != nil {
			setAttr(el, "hidden", "")
		}
		return nil
	}
	if href := attr(n, "href"); tagOf(n) == "a" && href != "" && !strings.HasPrefix(href, "#") && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
		target, err := s.resolve(href)
		if err != nil {
			return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
		}
		return s.load(req)
	}
	if hasAttr(n, "data-dismiss") || hasAttr(n, "data-bs-dismiss") {
		if d := closest(n, "dialog"); d != nil {
			removeAttr(d, "open")
		}
	}
	return nil
}

func (s *Session) labelControl(label *html.Node) *html.Node {
	if id := attr(label, "for"); id != "" {
		return htmlquery.FindOne(s.doc, "//*[@id="+xpathLiteral(id)+"]")
	}
	return htmlquery.FindOne(label, ".//input")
}

// requestSubmit runs constraint validation and, when it passes, submits form.
// A dialog-method form only closes its dialog.
func (s *Session) requestSubmit(ctx context.Context, form, submitter *html.Node) error {
	if strings.EqualFold(attr(form, "method"), "dialog") {
		if d := closest(form, "dialog"); d != nil {
			removeAttr(d, "open")
		}
		return nil
	}
	if !hasAttr(form, "novalidate") && (submitter == nil || !hasAttr(submitter, "formnovalidate")) {
		if bad := firstInvalid(form); bad != nil {
			s.logger.Debug("Submission blocked by constraint validation.", zap.String("field", attr(bad, "name")))
			return nil
		}
	}
	return s.submitForm(ctx, form, submitter)
}

func firstInvalid(form *html.Node) *html.Node {
	for _, el := range htmlquery.Find(form, fieldXPath) {
		if !hasAttr(el, "required") || disabled(el) || typeOf(el) == "hidden" {
			continue
		}
		if toggleControl(el) {
			if !hasAttr(el, "checked") {
				return el
			}
			continue
		}
		if strings.TrimSpace(fieldValue(el)) == "" {
			return el
		}
	}
	return nil
}

// submitForm serializes the successful controls of form and loads the response.
func (s *Session) submitForm(ctx context.Context, form, submitter *html.Node) error {
	values := url.Values{}
	for _, el := range htmlquery.Find(form, fieldXPath) {
		name := attr(el, "name")
		if name == "" || disabled(el) {
			continue
		}
		switch tagOf(el) {
		case "select":
			for _, o := range htmlquery.Find(el, ".//option") {
				if hasAttr(o, "selected") {
					values.Add(name, optionValue(o))
				}
			}
			if !hasAttr(el, "multiple") && len(values[name]) == 0 {
				values.Add(name, fieldValue(el))
			}
		case "textarea":
			values.Add(name, fieldValue(el))
		default:
			switch typeOf(el) {
			case "submit", "button", "reset", "image", "file":
				continue
			case "checkbox", "radio":
				if !hasAttr(el, "checked") {
					continue
				}
				v := attr(el, "value")
				if !hasAttr(el, "value") {
					v = "on"
				}
				values.Add(name, v)
			default:
				values.Add(name, attr(el, "value"))
			}
		}
	}
	if submitter != nil {
		if name := attr(submitter, "name"); name != "" {
			values.Add(name, attr(submitter, "value"))
		}
	}

	action := attr(form, "action")
	method := strings.ToUpper(attr(form, "method"))
	if submitter != nil {
		if fa := attr(submitter, "formaction"); fa != "" {
			action = fa
		}
		if fm := attr(submitter, "formmethod"); fm != "" {
			method = strings.ToUpper(fm)
		}
	}
	if method != http.MethodPost {
		method = http.MethodGet
	}
	target, err := s.resolve(action)
	if err != nil {
		return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
	}

	var req *http.Request
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		target.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", browser.ErrNavigation, err)
	}
	s.logger.Debug("Submitting form.", zap.String("method", method), zap.String("action", target.String()))
	return s.load(req)
}

// Emulate keeps the request-level parts of the profile; there is no viewport.
func (s *Session) Emulate(ctx context.Context, em browser.Emulation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if em.UserAgent != "" {
		s.userAgent = em.UserAgent
	}
	if em.AcceptLanguage != "" {
		s.acceptLanguage = em.AcceptLanguage
	}
	return nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return nil, browser.ErrUnsupported
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if s.doc == nil {
		return "", nil
	}
	return htmlquery.OutputHTML(s.doc, true), nil
}

// Close is idempotent. Every later call fails with browser.ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.doc = nil
		s.mu.Unlock()
		s.client.CloseIdleConnections()
		s.logger.Debug("Session closed.")
	})
	return nil
}

// Launcher hands out independent purego sessions.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) Name() string { return config.EnginePureGo }

func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSession(l.cfg, l.logger)
}

func (l *Launcher) Shutdown(context.Context) error { return nil }
