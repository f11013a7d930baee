package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/browser/purego"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/diagnostics"
	"github.com/xkilldash9x/autoreg/internal/mapper"
	"github.com/xkilldash9x/autoreg/internal/mocks"
)

// -- Fixture site --

const singleForm = `<!doctype html><html><body>
<h1>Product registration</h1>
%s
<form action="%s" method="post">
  <input id="first_name" name="first_name">
  <input id="last_name" name="last_name">
  <input type="email" name="email">
  <input id="serial_number" name="serial_number" required>
  <button type="submit">Register</button>
</form>
</body></html>`

const stepOne = `<!doctype html><html><body>
<form action="/s4/step1" method="post">
  <label for="fn">First name</label><input id="fn" name="fname">
  <label for="ln">Last name</label><input id="ln" name="lname">
  <input type="email" name="email">
  <button type="submit">Next</button>
</form></body></html>`

const stepTwo = `<!doctype html><html><body>
<form action="/s4/step2" method="post">
  <input id="serial_number" name="serial_number">
  <input id="model_number" name="model_number">
  <button type="submit">Submit</button>
</form></body></html>`

const phoneOnly = `<!doctype html><html><body>
<form action="/s3/submit" method="post">
  <label for="p">Phone number</label><input id="p" type="tel" name="phone">
  <button type="submit">Submit</button>
</form></body></html>`

const templated = `<!doctype html><html><body>
<form action="/tpl/submit" method="post">
  <input id="first_name" name="first_name">
  <input type="email" name="email">
  <input name="fld_7">
  <button type="submit">Register</button>
</form></body></html>`

type site struct {
	mu    sync.Mutex
	posts map[string][]url.Values
	srv   *httptest.Server
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{posts: make(map[string][]url.Values)}
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, body) }
	}
	post := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			s.mu.Lock()
			s.posts[r.URL.Path] = append(s.posts[r.URL.Path], r.PostForm)
			s.mu.Unlock()
			next(w, r)
		}
	}
	redirect := func(to string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, to, http.StatusSeeOther) }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/s1", page(fmt.Sprintf(singleForm, "", "/s1/submit")))
	mux.HandleFunc("/s1/submit", post(redirect("/thank-you?confirm=ABC123")))
	mux.HandleFunc("/thank-you", page(`<html><body><p>We received your details.</p></body></html>`))

	mux.HandleFunc("/s2", page(fmt.Sprintf(singleForm, `<div class="g-recaptcha" data-sitekey="6Lc-test"></div>`, "/s2/submit")))
	mux.HandleFunc("/s2/submit", post(redirect("/thank-you?confirm=NOPE")))

	mux.HandleFunc("/s3", page(phoneOnly))
	mux.HandleFunc("/s3/submit", post(redirect("/thank-you")))

	mux.HandleFunc("/s4", page(stepOne))
	mux.HandleFunc("/s4/step1", post(redirect("/s4/details")))
	mux.HandleFunc("/s4/details", page(stepTwo))
	mux.HandleFunc("/s4/step2", post(redirect("/s4/done?confirmation=TWO-STEP-7")))
	mux.HandleFunc("/s4/done", page(`<html><body><h1>Registration complete</h1></body></html>`))

	mux.HandleFunc("/invalid", page(fmt.Sprintf(singleForm, "", "/invalid/submit")))
	mux.HandleFunc("/invalid/submit", post(page(fmt.Sprintf(singleForm,
		`<div class="error-message">Serial number not recognised</div>`, "/invalid/submit"))))

	mux.HandleFunc("/tpl", page(templated))
	mux.HandleFunc("/tpl/submit", post(redirect("/thank-you?confirm=TPL-1")))

	mux.HandleFunc("/empty", page(`<html><body><p>Nothing to see.</p></body></html>`))

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) url(path string) string { return s.srv.URL + path }

func (s *site) postsTo(path string) []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.posts[path]...)
}

// -- Fixture sessions --

// fixtureSession wraps a purego session. It can report an element as detached
// a fixed number of times, standing in for a script removing it from the DOM.
type fixtureSession struct {
	browser.Session
	mu        sync.Mutex
	detach    string
	remaining int
	detached  int
	closed    bool
}

func (f *fixtureSession) Act(ctx context.Context, a browser.Action) error {
	if f.detach != "" {
		if els, err := f.Session.Find(ctx, a.Target.Selector); err == nil && len(els) == 1 && els[0].Name == f.detach {
			f.mu.Lock()
			if f.remaining > 0 {
				f.remaining--
				f.detached++
				f.mu.Unlock()
				return browser.ErrStaleElement
			}
			f.mu.Unlock()
		}
	}
	return f.Session.Act(ctx, a)
}

func (f *fixtureSession) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.Session.Close(ctx)
}

type fixtureLauncher struct {
	cfg       config.BrowserConfig
	logger    *zap.Logger
	detach    string
	remaining int

	mu       sync.Mutex
	sessions []*fixtureSession
}

func (l *fixtureLauncher) Name() string { return "fixture" }

func (l *fixtureLauncher) Launch(ctx context.Context) (browser.Session, error) {
	s, err := purego.NewSession(l.cfg, l.logger)
	if err != nil {
		return nil, err
	}
	fs := &fixtureSession{Session: s, detach: l.detach, remaining: l.remaining}
	l.mu.Lock()
	l.sessions = append(l.sessions, fs)
	l.mu.Unlock()
	return fs, nil
}

func (l *fixtureLauncher) Shutdown(context.Context) error { return nil }

func (l *fixtureLauncher) allClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return false
		}
	}
	return len(l.sessions) > 0
}

// -- Helpers --

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.Engine = config.EnginePureGo
	cfg.BrowserCfg.Typing.Enabled = false
	cfg.BrowserCfg.IdleTimeout = 100 * time.Millisecond
	cfg.AutomationCfg.LocateTimeout = 500 * time.Millisecond
	cfg.AutomationCfg.LocatePoll = 20 * time.Millisecond
	cfg.AutomationCfg.RetryBackoff = 0
	cfg.AutomationCfg.RunTimeout = 30 * time.Second
	cfg.AutomationCfg.ScreenshotOnFailure = true
	cfg.DeviceCfg.SettleDelay = time.Millisecond
	cfg.ExecutorCfg = config.ExecutorConfig{
		DismissEvery: 5,
		SubmitWait:   2 * time.Second,
		PollInterval: 20 * time.Millisecond,
		FieldTimeout: 2 * time.Second,
	}
	cfg.DiagnosticsCfg = config.DiagnosticsConfig{Dir: t.TempDir(), InlineHTMLBytes: 8192}
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, l browser.Launcher, opts ...Option) *Orchestrator {
	t.Helper()
	diag, err := diagnostics.NewWriter(cfg.Diagnostics(), zaptest.NewLogger(t))
	require.NoError(t, err)
	o, err := New(cfg, zaptest.NewLogger(t), l, mapper.New(zaptest.NewLogger(t), nil),
		append([]Option{WithDiagnostics(diag)}, opts...)...)
	require.NoError(t, err)
	return o
}

func fixture(t *testing.T, cfg *config.Config) *fixtureLauncher {
	return &fixtureLauncher{cfg: cfg.Browser(), logger: zaptest.NewLogger(t)}
}

func registrant() schemas.RegistrationData {
	return schemas.RegistrationData{
		FirstName: "Grace",
		LastName:  "Hopper",
		Email:     "grace@example.com",
		Product:   schemas.ProductInfo{Manufacturer: "Acme", ModelNumber: "MX-500", SerialNumber: "SN-42"},
		Purchase:  schemas.PurchaseInfo{Date: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func artifacts(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

// -- End-to-end scenarios --

func TestRun_SinglePageSuccess(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	l := fixture(t, cfg)
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{ID: "j1", TargetURL: s.url("/s1"), Data: registrant()})

	require.Equal(t, schemas.StatusSuccess, res.Status, res.ErrorMessage)
	assert.True(t, res.Success)
	assert.Equal(t, "ABC123", res.ConfirmationCode)
	assert.Equal(t, 1, res.AttemptNumber)
	assert.Equal(t, 4, res.FieldsFilled)
	assert.Equal(t, 1, res.StepsCompleted)
	assert.Empty(t, res.ErrorType)
	assert.Empty(t, res.ScreenshotPath)
	assert.Empty(t, res.HTMLSnapshotPath)
	assert.Equal(t, 0, artifacts(t, cfg.DiagnosticsCfg.Dir), "no diagnostics on success")
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "j1", res.JobID)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	posts := s.postsTo("/s1/submit")
	require.Len(t, posts, 1)
	assert.Equal(t, "Grace", posts[0].Get("first_name"))
	assert.Equal(t, "Hopper", posts[0].Get("last_name"))
	assert.Equal(t, "grace@example.com", posts[0].Get("email"))
	assert.Equal(t, "SN-42", posts[0].Get("serial_number"))
	assert.True(t, l.allClosed())
}

func TestRun_CaptchaNeedsManual(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	l := fixture(t, cfg)
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/s2"), Data: registrant()})

	assert.Equal(t, schemas.StatusNeedsManual, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, schemas.ErrorCaptcha, res.ErrorType)
	require.NotNil(t, res.ManualAction)
	assert.Equal(t, schemas.ManualCaptcha, res.ManualAction.Reason)
	assert.Equal(t, s.url("/s2"), res.ManualAction.URL)
	assert.Equal(t, 1, res.AttemptNumber, "captcha is never retried")
	assert.Empty(t, s.postsTo("/s2/submit"), "submit must not be clicked")
	assert.NotEmpty(t, res.HTMLSnapshotPath)
	assert.Contains(t, res.HTMLSnapshot, "g-recaptcha")
	assert.True(t, l.allClosed())
}

func TestRun_MappingFailedWithoutSubmission(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	l := fixture(t, cfg)
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/s3"), Data: registrant()})

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, schemas.ErrorMappingFailed, res.ErrorType)
	assert.Equal(t, 0, res.FieldsFilled)
	assert.Equal(t, 1, res.AttemptNumber)
	require.NotNil(t, res.ManualAction)
	assert.Equal(t, schemas.ManualUnsupportedForm, res.ManualAction.Reason)
	assert.Empty(t, s.postsTo("/s3/submit"))
	assert.True(t, l.allClosed())
}

func TestRun_MultiStepForm(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	l := fixture(t, cfg)
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/s4"), Data: registrant()})

	require.Equal(t, schemas.StatusSuccess, res.Status, res.ErrorMessage)
	assert.Equal(t, "TWO-STEP-7", res.ConfirmationCode)
	assert.Equal(t, 2, res.StepsCompleted)
	assert.Equal(t, 5, res.FieldsFilled)
	assert.Equal(t, 1, res.AttemptNumber)

	first := s.postsTo("/s4/step1")
	require.Len(t, first, 1)
	assert.Equal(t, "grace@example.com", first[0].Get("email"))
	second := s.postsTo("/s4/step2")
	require.Len(t, second, 1)
	assert.Equal(t, "SN-42", second[0].Get("serial_number"))
	assert.Equal(t, "MX-500", second[0].Get("model_number"))
}

func TestRun_DetachedRequiredField(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		status    schemas.RunStatus
		errType   schemas.ErrorType
		artifacts int
	}{
		{"recovers on the retry", 1, schemas.StatusSuccess, "", 1},
		{"fails after exactly one retry", 100, schemas.StatusFailed, schemas.ErrorInteraction, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSite(t)
			cfg := testConfig(t)
			l := fixture(t, cfg)
			l.detach, l.remaining = "serial_number", tt.remaining
			o := newOrchestrator(t, cfg, l)

			res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/s1"), Data: registrant()})

			assert.Equal(t, tt.status, res.Status, res.ErrorMessage)
			assert.Equal(t, tt.errType, res.ErrorType)
			assert.Equal(t, 2, res.AttemptNumber)
			assert.Equal(t, tt.artifacts, artifacts(t, cfg.DiagnosticsCfg.Dir), "one snapshot per failed attempt")
			require.Len(t, l.sessions, 1, "retries reuse the session")
			assert.Equal(t, min(tt.remaining, 2), l.sessions[0].detached)
			assert.True(t, l.allClosed())
		})
	}
}

func TestRun_ValidationRetriedOnce(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	o := newOrchestrator(t, cfg, fixture(t, cfg))

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/invalid"), Data: registrant()})

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, schemas.ErrorValidation, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "Serial number not recognised")
	assert.Equal(t, 2, res.AttemptNumber)
	assert.Len(t, s.postsTo("/invalid/submit"), 2)
}

func TestRun_FormNotFoundRetriedOnTimeout(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	cfg.AutomationCfg.LocateTimeout = 100 * time.Millisecond
	cfg.AutomationCfg.ScreenshotOnFailure = false
	o := newOrchestrator(t, cfg, fixture(t, cfg))

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/empty"), Data: registrant()})

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, schemas.ErrorFormNotFound, res.ErrorType)
	assert.Equal(t, 3, res.AttemptNumber)
	assert.Empty(t, res.HTMLSnapshotPath, "capture disabled")
	assert.Equal(t, 0, artifacts(t, cfg.DiagnosticsCfg.Dir))
}

func TestRun_TemplateHints(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	src := &mocks.MockTemplateSource{}
	src.On("Lookup", mock.Anything, "Acme").Return(&schemas.FieldMapping{
		Manufacturer: "Acme",
		RulesVersion: "^1.0",
		Entries: []schemas.MappingEntry{
			{Field: schemas.FieldSerialNumber, Hints: schemas.SelectorHints{Name: "fld_7"}, Required: true},
		},
	}, nil)
	o := newOrchestrator(t, cfg, fixture(t, cfg), WithTemplates(src))

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/tpl"), Data: registrant()})

	require.Equal(t, schemas.StatusSuccess, res.Status, res.ErrorMessage)
	posts := s.postsTo("/tpl/submit")
	require.Len(t, posts, 1)
	assert.Equal(t, "SN-42", posts[0].Get("fld_7"))
	src.AssertExpectations(t)
}

func TestRun_InlineMappingBeatsTemplateSource(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	src := &mocks.MockTemplateSource{}
	o := newOrchestrator(t, cfg, fixture(t, cfg), WithTemplates(src))

	job := schemas.Job{TargetURL: s.url("/tpl"), Data: registrant(), Mapping: &schemas.FieldMapping{
		Entries: []schemas.MappingEntry{{Field: schemas.FieldModelNumber, Hints: schemas.SelectorHints{Name: "fld_7"}}},
	}}
	res := o.Run(context.Background(), job)

	require.Equal(t, schemas.StatusSuccess, res.Status, res.ErrorMessage)
	assert.Equal(t, "MX-500", s.postsTo("/tpl/submit")[0].Get("fld_7"))
	src.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestRun_TemplateLookupFailureIsLogged(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)
	src := &mocks.MockTemplateSource{}
	src.On("Lookup", mock.Anything, "Acme").Return(nil, errors.New("db down"))

	core, logs := observer.New(zap.WarnLevel)
	o, err := New(cfg, zap.New(core), fixture(t, cfg), mapper.New(zaptest.NewLogger(t), nil), WithTemplates(src))
	require.NoError(t, err)

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/s1"), Data: registrant()})

	assert.Equal(t, schemas.StatusSuccess, res.Status, res.ErrorMessage)
	assert.Equal(t, 1, logs.FilterMessage("Template lookup failed, continuing without hints.").Len())
}

// -- Failure paths with mocked sessions --

func TestRun_LaunchFailure(t *testing.T) {
	cfg := testConfig(t)
	l := &mocks.MockLauncher{}
	l.On("Name").Return("mock")
	l.On("Launch", mock.Anything).Return(nil, errors.New("no chrome binary"))
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{TargetURL: "https://example.test/"})

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, schemas.ErrorUnexpected, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "no chrome binary")
}

func TestRun_UnknownProfile(t *testing.T) {
	cfg := testConfig(t)
	l := &mocks.MockLauncher{}
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{TargetURL: "https://example.test/", Profile: "nokia-3310"})

	assert.Equal(t, schemas.ErrorUnexpected, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "nokia-3310")
	l.AssertNotCalled(t, "Launch", mock.Anything)
}

func TestRun_PanicBecomesUnexpectedError(t *testing.T) {
	cfg := testConfig(t)
	sess := mocks.NewMockSession("s-panic")
	sess.On("Emulate", mock.Anything, mock.Anything).Return(nil)
	sess.On("Navigate", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("boom") })
	closed := false
	sess.On("Screenshot", mock.Anything).Return([]byte("png"), nil).Once()
	sess.On("HTML", mock.Anything).Run(func(mock.Arguments) {
		assert.False(t, closed, "artifacts must be captured before the session closes")
	}).Return("<html><body>half filled</body></html>", nil).Once()
	sess.On("Close", mock.Anything).Run(func(mock.Arguments) { closed = true }).Return(nil).Once()
	l := &mocks.MockLauncher{}
	l.On("Launch", mock.Anything).Return(sess, nil)
	o := newOrchestrator(t, cfg, l)

	var res *schemas.RegistrationResult
	require.NotPanics(t, func() {
		res = o.Run(context.Background(), schemas.Job{TargetURL: "https://example.test/"})
	})
	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, schemas.ErrorUnexpected, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "panic: boom")
	assert.NotEmpty(t, res.ScreenshotPath)
	require.NotEmpty(t, res.HTMLSnapshotPath)
	assert.FileExists(t, res.HTMLSnapshotPath)
	sess.AssertExpectations(t)
}

func TestRun_SessionClosureIsTerminal(t *testing.T) {
	cfg := testConfig(t)
	sess := mocks.NewMockSession("s-gone")
	sess.On("Emulate", mock.Anything, mock.Anything).Return(nil)
	sess.On("Navigate", mock.Anything, mock.Anything).Return(browser.ErrSessionClosed).Once()
	sess.On("Close", mock.Anything).Return(browser.ErrSessionClosed).Once()
	l := &mocks.MockLauncher{}
	l.On("Launch", mock.Anything).Return(sess, nil)
	o := newOrchestrator(t, cfg, l)

	res := o.Run(context.Background(), schemas.Job{TargetURL: "https://example.test/"})

	assert.Equal(t, schemas.ErrorUnexpected, res.ErrorType)
	assert.Equal(t, 1, res.AttemptNumber, "a closed session is never retried")
	assert.Empty(t, res.HTMLSnapshotPath)
	sess.AssertExpectations(t)
}

func TestRun_CallerCancellation(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	sess := mocks.NewMockSession("s-cancel")
	sess.On("Emulate", mock.Anything, mock.Anything).Return(nil)
	sess.On("Navigate", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(context.Canceled)
	sess.On("Screenshot", mock.Anything).Return(nil, browser.ErrUnsupported).Maybe()
	sess.On("HTML", mock.Anything).Return("<html></html>", nil).Maybe()
	sess.On("Close", mock.Anything).Return(nil).Once()
	l := &mocks.MockLauncher{}
	l.On("Launch", mock.Anything).Return(sess, nil)
	o := newOrchestrator(t, cfg, l)

	res := o.Run(ctx, schemas.Job{TargetURL: "https://example.test/"})

	assert.Equal(t, schemas.ErrorUnexpected, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "context canceled")
	assert.Equal(t, 1, res.AttemptNumber)
	sess.AssertCalled(t, "Close", mock.Anything)
}

func TestNew_NilDependencies(t *testing.T) {
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)
	mp := mapper.New(logger, nil)
	l := &mocks.MockLauncher{}

	_, err := New(nil, logger, l, mp)
	assert.Error(t, err)
	_, err = New(cfg, nil, l, mp)
	assert.Error(t, err)
	_, err = New(cfg, logger, nil, mp)
	assert.Error(t, err)
	_, err = New(cfg, logger, l, nil)
	assert.Error(t, err)
}

// -- Telemetry --

func TestRun_TracesAndCounts(t *testing.T) {
	s := newSite(t)
	cfg := testConfig(t)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	o := newOrchestrator(t, cfg, fixture(t, cfg), WithTracer(tp.Tracer("test")), WithMeter(mp.Meter("test")))

	res := o.Run(context.Background(), schemas.Job{TargetURL: s.url("/s1"), Data: registrant()})
	require.Equal(t, schemas.StatusSuccess, res.Status, res.ErrorMessage)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "autoreg.run", spans[0].Name())
	var events []string
	for _, e := range spans[0].Events() {
		events = append(events, e.Name)
	}
	assert.Equal(t, []string{"INIT", "LOCATING", "MAPPING", "FILLING", "SUBMITTING", "SUCCESS"}, events)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	runs := int64(0)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "autoreg.runs" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				runs += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), runs)
}
