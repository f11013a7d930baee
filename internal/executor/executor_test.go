package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/browser/purego"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/device"
	"github.com/xkilldash9x/autoreg/internal/locator"
	"github.com/xkilldash9x/autoreg/internal/mapper"
	"github.com/xkilldash9x/autoreg/internal/mocks"
)

const registrationPage = `<!doctype html><html><body>
<div id="cookies" class="cookie-banner">We use cookies <button popovertarget="cookies">Accept</button></div>
<h1>Register your product</h1>
%s
<form id="reg" action="/submit" method="post">
  <label for="fn">First name</label><input id="fn" name="first_name" required>
  <label for="ln">Last name</label><input id="ln" name="last_name" required>
  <input type="email" name="email" required>
  <input name="serial_number" placeholder="Serial number">
  <input name="purchase_date" placeholder="MM/DD/YYYY">
  <select name="country"><option value="">Select</option><option value="US">United States</option><option value="CA">Canada</option></select>
  <input type="checkbox" name="agree_terms" value="1" required>
  <button type="submit">Register</button>
</form>
</body></html>`

type site struct {
	mu    sync.Mutex
	posts []url.Values
	srv   *httptest.Server
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, registrationPage, "")
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		s.mu.Lock()
		s.posts = append(s.posts, r.PostForm)
		s.mu.Unlock()
		if r.PostForm.Get("serial_number") == "" {
			fmt.Fprintf(w, registrationPage, `<div class="error-message">Serial number is required</div>`)
			return
		}
		http.Redirect(w, r, "/thanks?confirmation=WR-2026-0042", http.StatusSeeOther)
	})
	mux.HandleFunc("/thanks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Thank you for registering!</h1><p>Keep this page.</p></body></html>`)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) lastPost() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.posts) == 0 {
		return nil
	}
	return s.posts[len(s.posts)-1]
}

func sampleData() schemas.RegistrationData {
	return schemas.RegistrationData{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Address:   schemas.PostalAddress{Country: "United States"},
		Product:   schemas.ProductInfo{SerialNumber: "SN-0001"},
		Purchase:  schemas.PurchaseInfo{Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		Consent:   schemas.ConsentFlags{AcceptTerms: true},
	}
}

type harness struct {
	exec    *Executor
	loc     *locator.Locator
	adapter *device.Adapter
	sess    browser.Session
}

func newHarness(t *testing.T, pageURL string) *harness {
	t.Helper()
	ctx := context.Background()
	sess, err := purego.NewSession(config.NewDefaultConfig().Browser(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	require.NoError(t, sess.Navigate(ctx, pageURL))

	p, err := device.Lookup(device.DesktopChrome)
	require.NoError(t, err)
	a, err := device.Configure(ctx, sess, p, device.Options{SettleDelay: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	loc := locator.New(locator.Options{Timeout: 2 * time.Second, Poll: 20 * time.Millisecond}, zaptest.NewLogger(t))
	exec := New(Options{DismissEvery: 3, SubmitWait: 2 * time.Second, PollInterval: 20 * time.Millisecond, FieldTimeout: time.Second}, loc, zaptest.NewLogger(t))
	return &harness{exec: exec, loc: loc, adapter: a, sess: sess}
}

func (h *harness) fillAndSubmit(t *testing.T, data schemas.RegistrationData) (*FillReport, Outcome, SubmitMethod) {
	t.Helper()
	ctx := context.Background()
	located, err := h.loc.Locate(ctx, h.sess)
	require.NoError(t, err)
	plan, err := mapper.New(zaptest.NewLogger(t), nil).Map(ctx, located.Candidates, data, nil, mapper.Options{})
	require.NoError(t, err)

	report, err := h.exec.Execute(ctx, plan, h.adapter)
	require.NoError(t, err)
	before, err := h.exec.Snapshot(ctx, h.sess, located, nil)
	require.NoError(t, err)
	out, method, err := h.exec.Submit(ctx, located, h.adapter, before)
	require.NoError(t, err)
	return report, out, method
}

func TestExecuteAndSubmit_Success(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/register")

	report, out, method := h.fillAndSubmit(t, sampleData())
	assert.Len(t, report.Filled, 7)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, SubmitButton, method)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "WR-2026-0042", out.ConfirmationCode)

	post := s.lastPost()
	require.NotNil(t, post)
	assert.Equal(t, "Ada", post.Get("first_name"))
	assert.Equal(t, "ada@example.com", post.Get("email"))
	assert.Equal(t, "03/14/2026", post.Get("purchase_date"))
	assert.Equal(t, "US", post.Get("country"))
	assert.Equal(t, "1", post.Get("agree_terms"))
}

func TestExecuteAndSubmit_ValidationMarkers(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/register")

	data := sampleData()
	data.Product.SerialNumber = ""
	report, out, _ := h.fillAndSubmit(t, data)
	for _, e := range report.Filled {
		assert.NotEqual(t, schemas.FieldSerialNumber, e.Kind)
	}
	assert.Equal(t, OutcomeValidation, out.Kind)
	assert.Equal(t, []string{"Serial number is required"}, out.Messages)
}

type staticFingerprint struct{ fp string }

func (s staticFingerprint) Fingerprint(context.Context, browser.Session, ...schemas.MappingEntry) (string, error) {
	return s.fp, nil
}

func mockAdapter(t *testing.T, sess *mocks.MockSession) *device.Adapter {
	t.Helper()
	sess.On("Emulate", mock.Anything, mock.Anything).Return(nil).Maybe()
	p, _ := device.Lookup(device.Pixel8)
	a, err := device.Configure(context.Background(), sess, p, device.Options{SettleDelay: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func entry(kind schemas.FieldKind, handle string, required bool) mapper.Entry {
	return mapper.Entry{
		Kind:     kind,
		Strategy: schemas.FillText,
		Value:    "x",
		Required: required,
		Candidate: browser.ElementCandidate{
			Handle: handle, Tag: "input", Type: "text", Visible: true,
			Selector: "//*[@data-autoreg-id='" + handle + "']",
		},
	}
}

func TestExecute_StaleRequiredFieldIsInteractionError(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	a := mockAdapter(t, sess)
	sess.On("Find", mock.Anything, mock.Anything).Return(nil, nil)
	stale := entry(schemas.FieldEmail, "ar2", true)
	sess.On("Act", mock.Anything, mock.MatchedBy(func(act browser.Action) bool { return act.Target == stale.Candidate.Target() })).
		Return(fmt.Errorf("type: %w", browser.ErrStaleElement))
	sess.On("Act", mock.Anything, mock.Anything).Return(nil)

	x := New(Options{FieldTimeout: time.Second}, staticFingerprint{}, zaptest.NewLogger(t))
	plan := &mapper.Plan{Entries: []mapper.Entry{entry(schemas.FieldFirstName, "ar1", true), stale, entry(schemas.FieldLastName, "ar3", true)}}

	report, err := x.Execute(context.Background(), plan, a)
	var ie *InteractionError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Stale())
	assert.Equal(t, schemas.FieldEmail, ie.Field)
	assert.Len(t, report.Filled, 1)
}

func TestExecute_OptionalFailureIsSkipped(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	a := mockAdapter(t, sess)
	sess.On("Find", mock.Anything, mock.Anything).Return(nil, nil)
	optional := entry(schemas.FieldPhone, "ar2", false)
	sess.On("Act", mock.Anything, mock.MatchedBy(func(act browser.Action) bool { return act.Target == optional.Candidate.Target() })).
		Return(browser.ErrNotInteractable)
	sess.On("Act", mock.Anything, mock.Anything).Return(nil)

	x := New(Options{FieldTimeout: time.Second}, staticFingerprint{}, zaptest.NewLogger(t))
	plan := &mapper.Plan{Entries: []mapper.Entry{entry(schemas.FieldFirstName, "ar1", true), optional}}

	report, err := x.Execute(context.Background(), plan, a)
	require.NoError(t, err)
	assert.Len(t, report.Filled, 1)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, schemas.FieldPhone, report.Skipped[0].Kind)
}

func TestExecute_TouchProfileTaps(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	a := mockAdapter(t, sess)
	sess.On("Find", mock.Anything, mock.Anything).Return(nil, nil)
	sess.On("Act", mock.Anything, mock.Anything).Return(nil)

	x := New(Options{}, staticFingerprint{}, zaptest.NewLogger(t))
	_, err := x.Execute(context.Background(), &mapper.Plan{Entries: []mapper.Entry{entry(schemas.FieldFirstName, "ar1", true)}}, a)
	require.NoError(t, err)

	var kinds []browser.ActionKind
	for _, c := range sess.Calls {
		if c.Method == "Act" {
			kinds = append(kinds, c.Arguments.Get(1).(browser.Action).Kind)
		}
	}
	assert.Equal(t, []browser.ActionKind{browser.ActScroll, browser.ActTap, browser.ActClear, browser.ActType, browser.ActBlur}, kinds)
}

func TestExecute_SessionClosedIsReturnedUnwrapped(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	a := mockAdapter(t, sess)
	sess.On("Find", mock.Anything, mock.Anything).Return(nil, browser.ErrSessionClosed)

	x := New(Options{}, staticFingerprint{}, zaptest.NewLogger(t))
	_, err := x.Execute(context.Background(), &mapper.Plan{Entries: []mapper.Entry{entry(schemas.FieldFirstName, "ar1", true)}}, a)
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	var ie *InteractionError
	assert.False(t, errors.As(err, &ie))
}

func TestSubmit_FallsBackToNativeSubmission(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	a := mockAdapter(t, sess)
	button := browser.ElementCandidate{Handle: "ar9", Tag: "button", Text: "Register", Selector: "//*[@data-autoreg-id='ar9']", Visible: true}
	form := browser.Form{Selector: "//form[1]"}
	sess.On("Act", mock.Anything, browser.Action{Kind: browser.ActTap, Target: button.Target()}).Return(browser.ErrNotInteractable)
	sess.On("Act", mock.Anything, browser.Action{Kind: browser.ActSubmit, Target: browser.Target{Selector: "//form[1]"}}).Return(nil)
	sess.On("CurrentURL", mock.Anything).Return("https://example.test/thanks", nil)
	sess.On("HTML", mock.Anything).Return("<html><body>Registration complete. Reference: RG-7781</body></html>", nil)
	sess.On("Find", mock.Anything, mock.Anything).Return(nil, nil)

	x := New(Options{SubmitWait: time.Second, PollInterval: 10 * time.Millisecond}, staticFingerprint{}, zaptest.NewLogger(t))
	loc := &locator.Located{URL: "https://example.test/register", Form: form, Action: button, HasAction: true}
	out, method, err := x.Submit(context.Background(), loc, a, Before{URL: loc.URL, Fingerprint: "abc"})
	require.NoError(t, err)
	assert.Equal(t, SubmitNative, method)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "RG-7781", out.ConfirmationCode)
}

func TestSubmit_NoControlIsInteractionError(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	a := mockAdapter(t, sess)
	x := New(Options{}, staticFingerprint{}, zaptest.NewLogger(t))

	loc := &locator.Located{Form: browser.Form{Selector: "//body", Synthetic: true}}
	_, _, err := x.Submit(context.Background(), loc, a, Before{})
	var ie *InteractionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "submit", ie.Stage)
}

func TestAwaitOutcome(t *testing.T) {
	const start = "https://example.test/register"
	tests := []struct {
		name    string
		url     string
		html    string
		markers []browser.ElementCandidate
		errs    []browser.ElementCandidate
		fp      string
		want    OutcomeKind
	}{
		{"nothing changed", start, "<p>form</p>", nil, nil, "fp1", OutcomePending},
		{"validation marker", start, "<p>form</p>", nil, []browser.ElementCandidate{{Tag: "span", Text: "Invalid serial", Visible: true}}, "fp1", OutcomeValidation},
		{"confirmation text", start, "<h2>Your product has been registered</h2>", nil, nil, "", OutcomeSuccess},
		{"dom marker", start, "<div>ok</div>", []browser.ElementCandidate{{Tag: "div", Visible: true}}, nil, "", OutcomeSuccess},
		{"new url with new form", start + "/step2", "<p>step 2</p>", nil, nil, "fp2", OutcomeAdvanced},
		{"new url without form", "https://example.test/done", "<p>done</p>", nil, nil, "", OutcomeSuccess},
		{"error page", "https://example.test/error?code=500", "<p>oops</p>", nil, nil, "", OutcomePending},
		{"same url new form", start + "#top", "<p>step 2</p>", nil, nil, "fp2", OutcomeAdvanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := mocks.NewMockSession("s1")
			sess.On("CurrentURL", mock.Anything).Return(tt.url, nil)
			sess.On("HTML", mock.Anything).Return("<html><body>"+tt.html+"</body></html>", nil)
			sess.On("Find", mock.Anything, validationXPath).Return(tt.errs, nil)
			sess.On("Find", mock.Anything, successMarkerXPath).Return(tt.markers, nil)

			x := New(Options{SubmitWait: 80 * time.Millisecond, PollInterval: 10 * time.Millisecond}, staticFingerprint{tt.fp}, zaptest.NewLogger(t))
			out, err := x.AwaitOutcome(context.Background(), sess, Before{URL: start, Fingerprint: "fp1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Kind)
		})
	}
}

func TestAwaitOutcome_IgnoresPreexistingMessages(t *testing.T) {
	sess := mocks.NewMockSession("s1")
	sess.On("CurrentURL", mock.Anything).Return("https://example.test/r", nil)
	sess.On("HTML", mock.Anything).Return("<html><body></body></html>", nil)
	sess.On("Find", mock.Anything, validationXPath).Return([]browser.ElementCandidate{{Tag: "div", Text: "Site maintenance tonight", Visible: true}}, nil)
	sess.On("Find", mock.Anything, successMarkerXPath).Return(nil, nil)

	x := New(Options{SubmitWait: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, staticFingerprint{"fp1"}, zaptest.NewLogger(t))
	out, err := x.AwaitOutcome(context.Background(), sess, Before{URL: "https://example.test/r", Fingerprint: "fp1", Messages: []string{"Site maintenance tonight"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
}

func TestAwaitOutcome_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := mocks.NewMockSession("s1")
	sess.On("CurrentURL", mock.Anything).Run(func(mock.Arguments) { cancel() }).Return("", context.Canceled)

	x := New(Options{SubmitWait: time.Second}, staticFingerprint{}, zaptest.NewLogger(t))
	_, err := x.AwaitOutcome(ctx, sess, Before{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatDate(t *testing.T) {
	tests := []struct {
		name   string
		c      browser.ElementCandidate
		locale string
		want   string
	}{
		{"native date", browser.ElementCandidate{Type: "date"}, "", "2026-03-14"},
		{"month", browser.ElementCandidate{Type: "month"}, "", "2026-03"},
		{"us placeholder", browser.ElementCandidate{Type: "text", Placeholder: "MM/DD/YYYY"}, "", "03/14/2026"},
		{"european placeholder", browser.ElementCandidate{Type: "text", Placeholder: "dd.mm.yyyy"}, "", "14.03.2026"},
		{"label hint", browser.ElementCandidate{Type: "text", Label: "Purchase date (DD/MM/YYYY)"}, "", "14/03/2026"},
		{"iso placeholder", browser.ElementCandidate{Type: "text", Placeholder: "YYYY-MM-DD"}, "", "2026-03-14"},
		{"us default", browser.ElementCandidate{Type: "text"}, "en-US", "03/14/2026"},
		{"other locale", browser.ElementCandidate{Type: "text"}, "en-GB", "14/03/2026"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDate(tt.c, "2026-03-14", tt.locale))
		})
	}
	assert.Equal(t, "not-a-date", formatDate(browser.ElementCandidate{}, "not-a-date", ""))
}

func TestPickOption(t *testing.T) {
	opts := []browser.Option{{Value: "", Label: "Select"}, {Value: "US", Label: "United States"}, {Value: "GB", Label: "United Kingdom"}}
	v, l := pickOption(opts, "us")
	assert.Equal(t, "US", v)
	assert.Equal(t, "United States", l)
	v, _ = pickOption(opts, "United Kingdom")
	assert.Equal(t, "GB", v)
	v, _ = pickOption(opts, "Kingdom")
	assert.Equal(t, "GB", v)
	v, l = pickOption(opts, "Narnia")
	assert.Equal(t, "Narnia", v)
	assert.Equal(t, "Narnia", l)
}

func TestConfirmationCode(t *testing.T) {
	assert.Equal(t, "ABC123", confirmationCode("https://x.test/done?confirmation=ABC123", "Your confirmation number is ZZZ999"))
	assert.Equal(t, "WR-55120", confirmationCode("https://x.test/done", "Thanks! Your confirmation number is WR-55120."))
	assert.Equal(t, "", confirmationCode("https://x.test/done", "Registration confirmed"))
}

func TestSameURL(t *testing.T) {
	assert.True(t, sameURL("https://x.test/a#top", "https://x.test/a"))
	assert.True(t, sameURL("https://x.test/a/", "https://x.test/a"))
	assert.False(t, sameURL("https://x.test/a?step=2", "https://x.test/a"))
}
